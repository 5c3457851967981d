// Package hvf implements the hv backend contract on Apple's
// Hypervisor.framework for Darwin ARM64 systems.
//
// # Requirements
//
//   - macOS with Apple Silicon (ARM64)
//   - Hypervisor entitlement: com.apple.security.hypervisor
//   - Code signing with entitlements
//
// Only one VM can exist per process, and every vCPU is bound to the OS thread
// that created it. Callers lock the creating goroutine with
// runtime.LockOSThread and keep all vCPU calls except Cancel on it.
//
// # Code Signing and Entitlements
//
// Applications must be code signed with hypervisor entitlement:
//
//	<?xml version="1.0" encoding="UTF-8"?>
//	<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN"
//	    "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
//	<plist version="1.0">
//	<dict>
//	    <key>com.apple.security.hypervisor</key>
//	    <true/>
//	</dict>
//	</plist>
//
// Then sign your binary:
//
//	codesign --sign - --force --entitlements=hypervisor.entitlements ./your-app
//
// Errors from the framework are HVError values. They match the hv sentinels
// with errors.Is: HV_NO_RESOURCES is hv.ErrResourceExhausted, and
// HV_UNSUPPORTED, HV_DENIED and HV_NO_DEVICE are hv.ErrHostUnsupported.
package hvf

// Name is the backend name reported by Probe.
const Name = "hvf"
