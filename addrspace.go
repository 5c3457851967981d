package hvaccel

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel/hv"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// pageSize returns the host page size, cached.
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// RegionKind says how guest accesses to a region are served.
type RegionKind int

const (
	// RegionRAM is host memory the guest reads and writes directly.
	RegionRAM RegionKind = iota
	// RegionROM is host memory mapped without guest write access.
	RegionROM
	// RegionMMIO is never mapped; every access exits to its Device.
	RegionMMIO
	// RegionUnmapped reserves a range. Accesses fault in the guest.
	RegionUnmapped
)

var regionKindNames = [...]string{"ram", "rom", "mmio", "unmapped"}

func (k RegionKind) String() string {
	if k >= 0 && int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return fmt.Sprintf("RegionKind(%d)", int(k))
}

func (k RegionKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(regionKindNames) {
		return nil, errors.Wrapf(ErrBadConfig, "region kind %d", int(k))
	}
	return []byte(regionKindNames[k]), nil
}

func (k *RegionKind) UnmarshalText(b []byte) error {
	s := strings.ToLower(string(b))
	for i, n := range regionKindNames {
		if n == s {
			*k = RegionKind(i)
			return nil
		}
	}
	return errors.Wrapf(ErrBadConfig, "region kind %q", s)
}

// backed reports whether the kind has host memory behind it.
func (k RegionKind) backed() bool { return k == RegionRAM || k == RegionROM }

// RegionID identifies a region to its Device.
type RegionID int

// MemoryRegion is one range of guest physical address space.
type MemoryRegion struct {
	ID     RegionID
	Name   string
	Base   uint64
	Size   uint64
	Perm   hv.MemPerm
	Kind   RegionKind
	Device Device

	host []byte
}

// End is the first address past the region.
func (r *MemoryRegion) End() uint64 { return r.Base + r.Size }

// Contains reports whether gpa falls inside r.
func (r *MemoryRegion) Contains(gpa uint64) bool { return gpa >= r.Base && gpa-r.Base < r.Size }

// Bytes returns the host backing of a RAM or ROM region.
func (r *MemoryRegion) Bytes() []byte { return r.host }

// Allows reports whether r's permissions admit the access.
func (r *MemoryRegion) Allows(write, exec bool) bool {
	switch {
	case exec:
		return r.Perm&hv.MemExec != 0
	case write:
		return r.Perm&hv.MemWrite != 0 && r.Kind != RegionROM
	default:
		return r.Perm&hv.MemRead != 0
	}
}

func (r *MemoryRegion) String() string {
	return fmt.Sprintf("%s %s [0x%x-0x%x) %s", r.Name, r.Kind, r.Base, r.End(), r.Perm)
}

func (r *MemoryRegion) installPerm() hv.MemPerm {
	if r.Kind == RegionROM {
		return r.Perm &^ hv.MemWrite
	}
	return r.Perm
}

// HostOffset locates a guest physical address in host memory.
type HostOffset struct {
	Region *MemoryRegion
	Offset uint64
	// Addr is the host virtual address. It stays valid until the region is
	// unmapped.
	Addr uintptr
}

// AddressSpace binds guest physical memory to host memory for one VM.
// Lookups are lock free. Map and Unmap serialize on a mutex and must only
// run while no vCPU is executing; Machine enforces that.
type AddressSpace struct {
	vm      hv.VM
	granule uint64
	limit   uint64
	log     *zap.Logger

	mu      sync.Mutex
	regions atomic.Pointer[[]*MemoryRegion]
	closed  bool
}

// NewAddressSpace returns an empty address space over vm.
func NewAddressSpace(vm hv.VM, caps CapabilitySet, log *zap.Logger) *AddressSpace {
	if log == nil {
		log = Logger()
	}
	granule := caps.Granule()
	if granule == 0 {
		granule = uint64(pageSize())
	}
	var limit uint64 = math.MaxUint64
	if bits := caps.IPABits(); bits > 0 && bits < 64 {
		limit = 1 << uint(bits)
	}
	as := &AddressSpace{vm: vm, granule: granule, limit: limit, log: log}
	as.regions.Store(&[]*MemoryRegion{})
	return as
}

func (as *AddressSpace) snapshot() []*MemoryRegion { return *as.regions.Load() }

// Map validates and installs a single region.
func (as *AddressSpace) Map(r MemoryRegion) error {
	return as.MapAll([]MemoryRegion{r})
}

// MapAll validates every region, including overlaps inside the set, before
// installing any of them. A later failure rolls back what was installed so
// the address space is left unchanged.
func (as *AddressSpace) MapAll(rs []MemoryRegion) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return errors.Wrap(hv.ErrClosed, "address space")
	}

	cur := as.snapshot()
	next := make([]*MemoryRegion, 0, len(cur)+len(rs))
	next = append(next, cur...)
	added := make([]*MemoryRegion, 0, len(rs))
	for i := range rs {
		r := rs[i]
		r.host = nil
		if err := checkBounds(&r); err != nil {
			return err
		}
		for _, o := range next {
			if r.Base < o.End() && o.Base < r.End() {
				return mappingErr(&r, errors.Wrapf(ErrOverlap, "with %q", o.Name))
			}
		}
		if err := as.validate(&r); err != nil {
			return err
		}
		nr := &r
		next = append(next, nr)
		added = append(added, nr)
	}

	var installed []*MemoryRegion
	rollback := func() {
		for _, r := range installed {
			as.release(r)
		}
	}
	for _, r := range added {
		if err := as.install(r); err != nil {
			rollback()
			return err
		}
		installed = append(installed, r)
	}

	sort.Slice(next, func(i, j int) bool { return next[i].Base < next[j].Base })
	as.regions.Store(&next)
	for _, r := range added {
		recordMapOperation()
		as.log.Debug("mapped region", zap.Stringer("region", r))
	}
	return nil
}

func checkBounds(r *MemoryRegion) error {
	switch {
	case r.Size == 0:
		return mappingErr(r, errors.Wrap(ErrBadRegion, "empty"))
	case r.Base+r.Size < r.Base:
		return mappingErr(r, errors.Wrap(ErrBadRegion, "wraps the address space"))
	}
	return nil
}

func (as *AddressSpace) validate(r *MemoryRegion) error {
	switch {
	case r.End() > as.limit:
		return mappingErr(r, errors.Wrapf(ErrBadRegion, "beyond the 0x%x IPA limit", as.limit))
	case r.Perm&^hv.ValidPerms != 0:
		return mappingErr(r, errors.Wrapf(ErrBadRegion, "permission bits 0x%x", uint(r.Perm)))
	}
	switch r.Kind {
	case RegionRAM, RegionROM:
		if r.Base%as.granule != 0 || r.Size%as.granule != 0 {
			return mappingErr(r, errors.Wrapf(ErrMisaligned, "granule 0x%x", as.granule))
		}
	case RegionMMIO:
		if r.Device == nil {
			return mappingErr(r, errors.Wrap(ErrBadRegion, "mmio region without a device"))
		}
	case RegionUnmapped:
	default:
		return mappingErr(r, errors.Wrapf(ErrBadRegion, "kind %d", int(r.Kind)))
	}
	return nil
}

// install allocates backing memory and maps it into the VM.
func (as *AddressSpace) install(r *MemoryRegion) error {
	if !r.Kind.backed() {
		return nil
	}
	if r.Size > math.MaxInt {
		return mappingErr(r, ErrOutOfHostMemory)
	}
	mem, err := unix.Mmap(-1, 0, int(r.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			recordResourceError()
			return mappingErr(r, ErrOutOfHostMemory)
		}
		return mappingErr(r, errors.Wrap(err, "mmap"))
	}
	if as.vm != nil {
		if err := as.vm.Map(mem, r.Base, r.installPerm()); err != nil {
			_ = unix.Munmap(mem)
			if errors.Is(err, hv.ErrResourceExhausted) {
				recordResourceError()
			}
			return mappingErr(r, err)
		}
	}
	r.host = mem
	return nil
}

// release removes r from the VM and frees its backing.
func (as *AddressSpace) release(r *MemoryRegion) {
	if r.host == nil {
		return
	}
	if as.vm != nil {
		if err := as.vm.Unmap(r.Base, r.Size); err != nil {
			as.log.Warn("failed to unmap region", zap.Stringer("region", r), zap.Error(err))
		}
	}
	if err := unix.Munmap(r.host); err != nil {
		as.log.Warn("failed to release region memory", zap.Stringer("region", r), zap.Error(err))
	}
	r.host = nil
}

// Unmap removes the region that starts at base and has exactly size bytes.
func (as *AddressSpace) Unmap(base, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	cur := as.snapshot()
	for i, r := range cur {
		if r.Base != base || r.Size != size {
			continue
		}
		next := make([]*MemoryRegion, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		as.regions.Store(&next)
		as.release(r)
		recordUnmapOperation()
		as.log.Debug("unmapped region", zap.Stringer("region", r))
		return nil
	}
	return &MappingError{Base: base, Size: size, Err: ErrNotMapped}
}

// Lookup returns the region of any kind that contains gpa.
func (as *AddressSpace) Lookup(gpa uint64) (*MemoryRegion, bool) {
	rs := as.snapshot()
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End() > gpa })
	if i < len(rs) && rs[i].Contains(gpa) {
		return rs[i], true
	}
	return nil, false
}

// Translate resolves gpa to host memory. Only RAM and ROM translate.
func (as *AddressSpace) Translate(gpa uint64) (HostOffset, bool) {
	r, ok := as.Lookup(gpa)
	if !ok || r.host == nil {
		return HostOffset{}, false
	}
	off := gpa - r.Base
	return HostOffset{
		Region: r,
		Offset: off,
		Addr:   uintptr(unsafe.Pointer(&r.host[0])) + uintptr(off),
	}, true
}

func (as *AddressSpace) span(gpa uint64, n int) ([]byte, error) {
	ho, ok := as.Translate(gpa)
	if !ok {
		return nil, &MappingError{Base: gpa, Size: uint64(n), Err: ErrNotMapped}
	}
	if uint64(n) > ho.Region.Size-ho.Offset {
		return nil, &MappingError{Region: ho.Region.Name, Base: gpa, Size: uint64(n), Err: errors.Wrap(ErrNotMapped, "access crosses region end")}
	}
	return ho.Region.host[ho.Offset : ho.Offset+uint64(n)], nil
}

// ReadAt copies guest memory at gpa into p. The range must lie inside one
// RAM or ROM region.
func (as *AddressSpace) ReadAt(p []byte, gpa uint64) (int, error) {
	mem, err := as.span(gpa, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, mem), nil
}

// WriteAt copies p into guest memory at gpa. ROM is writable from the host.
func (as *AddressSpace) WriteAt(p []byte, gpa uint64) (int, error) {
	mem, err := as.span(gpa, len(p))
	if err != nil {
		return 0, err
	}
	return copy(mem, p), nil
}

// Regions returns the current regions sorted by base.
func (as *AddressSpace) Regions() []MemoryRegion {
	rs := as.snapshot()
	out := make([]MemoryRegion, len(rs))
	for i, r := range rs {
		out[i] = *r
	}
	return out
}

// Close unmaps every region and releases its memory. It is idempotent.
func (as *AddressSpace) Close() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return nil
	}
	as.closed = true
	for _, r := range as.snapshot() {
		as.release(r)
	}
	as.regions.Store(&[]*MemoryRegion{})
	return nil
}
