//go:build darwin && arm64

package hvf

/*
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_error.h>

#ifndef HV_MEMORY_READ
#define HV_MEMORY_READ (1<<0)
#endif
#ifndef HV_MEMORY_WRITE
#define HV_MEMORY_WRITE (1<<1)
#endif
#ifndef HV_MEMORY_EXEC
#define HV_MEMORY_EXEC (1<<2)
#endif

// Wrapper to construct flags using framework macros without exposing values to Go.
static int go_hv_vm_map(void* addr, unsigned long long gpa, unsigned long long size, int r, int w, int x) {
	int flags = 0;
	if (r) flags |= HV_MEMORY_READ;
	if (w) flags |= HV_MEMORY_WRITE;
	if (x) flags |= HV_MEMORY_EXEC;
	return hv_vm_map(addr, gpa, (size_t)size, flags);
}

static int go_hv_vm_unmap(unsigned long long gpa, unsigned long long size) {
	return hv_vm_unmap(gpa, (size_t)size);
}
*/
import "C"

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel/hv"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

func initPageSize() {
	cachedPageSize = unix.Getpagesize()
	cachedPageMask = uint64(cachedPageSize - 1)
}

// pageSize returns the system page size, which is also the stage-2 granule.
func pageSize() int {
	pageSizeOnce.Do(initPageSize)
	return cachedPageSize
}

func isPageAligned(addr uint64) bool {
	pageSizeOnce.Do(initPageSize)
	return addr&cachedPageMask == 0
}

// Map maps a host memory slice into the guest physical address space.
// The host slice base address, length, and gpa must be page-aligned.
func (vm *VM) Map(host []byte, gpa uint64, perms hv.MemPerm) error {
	if vm == nil || vm.closed {
		return ErrVMClosed
	}
	if len(host) == 0 {
		return fmt.Errorf("hvf: map requires non-empty host buffer: %w", hv.ErrBadArgument)
	}
	if gpa > math.MaxUint64-uint64(len(host)) {
		return fmt.Errorf("hvf: guest address range would overflow: %w", hv.ErrBadArgument)
	}
	if perms == 0 || perms&^hv.ValidPerms != 0 {
		return fmt.Errorf("hvf: invalid permission bits 0x%x (valid: 0x%x): %w", perms, hv.ValidPerms, hv.ErrBadArgument)
	}
	if !isPageAligned(gpa) {
		return fmt.Errorf("hvf: gpa not page-aligned: 0x%x (page size: %d): %w", gpa, pageSize(), hv.ErrBadArgument)
	}
	if !isPageAligned(uint64(len(host))) {
		return fmt.Errorf("hvf: host length not page multiple: %d (page size: %d): %w", len(host), pageSize(), hv.ErrBadArgument)
	}
	defer runtime.KeepAlive(host)

	ptr := unsafe.Pointer(&host[0])
	if !isPageAligned(uint64(uintptr(ptr))) {
		return fmt.Errorf("hvf: host base not page-aligned: %p (page size: %d): %w", ptr, pageSize(), hv.ErrBadArgument)
	}
	var read, write, exec C.int
	if perms&hv.MemRead != 0 {
		read = 1
	}
	if perms&hv.MemWrite != 0 {
		write = 1
	}
	if perms&hv.MemExec != 0 {
		exec = 1
	}
	ret := C.go_hv_vm_map(ptr, C.ulonglong(gpa), C.ulonglong(uint64(len(host))), read, write, exec)
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("hvf: map %d bytes at 0x%x with perms %s: %w", len(host), gpa, perms, err)
	}
	return nil
}

// Unmap removes a region from the guest physical address space.
func (vm *VM) Unmap(gpa, size uint64) error {
	if vm == nil || vm.closed {
		return ErrVMClosed
	}
	if size == 0 || gpa > math.MaxUint64-size {
		return fmt.Errorf("hvf: unmap 0x%x+0x%x: %w", gpa, size, hv.ErrBadArgument)
	}
	if !isPageAligned(gpa) || !isPageAligned(size) {
		return fmt.Errorf("hvf: unmap 0x%x+0x%x not page-aligned (page size: %d): %w", gpa, size, pageSize(), hv.ErrBadArgument)
	}
	ret := C.go_hv_vm_unmap(C.ulonglong(gpa), C.ulonglong(size))
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("hvf: unmap region 0x%x+%d: %w", gpa, size, err)
	}
	return nil
}
