//go:build !linux

package hvaccel

import "golang.org/x/sys/unix"

// threadID has no portable per-thread id outside Linux; the process id is
// reported so logs still identify the emulator.
func threadID() int { return unix.Getpid() }
