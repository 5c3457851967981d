package hvaccel

// AccessKind is the direction of an MMIO access.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	if k == AccessWrite {
		return "write"
	}
	return "read"
}

// Device emulates the registers behind an MMIO region.
//
// HandleMMIO is called synchronously on the vCPU goroutine that faulted.
// offset is relative to the region base and size is 1, 2, 4 or 8 bytes. For
// writes data holds the value stored; for reads the returned value is
// loaded into the guest register. Devices shared by several vCPUs do their
// own locking.
type Device interface {
	HandleMMIO(region RegionID, offset uint64, kind AccessKind, size int, data uint64) (uint64, error)
}

// DeviceFunc adapts a function to the Device interface.
type DeviceFunc func(region RegionID, offset uint64, kind AccessKind, size int, data uint64) (uint64, error)

func (f DeviceFunc) HandleMMIO(region RegionID, offset uint64, kind AccessKind, size int, data uint64) (uint64, error) {
	return f(region, offset, kind, size, data)
}
