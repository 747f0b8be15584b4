// The flash abstraction (FA) is the lowest layer: a uniform
// read/erase/copy capability over the three logical flash devices the
// core addresses, with typed, range-checked regions in place of raw
// offset arithmetic.

package pfr

import (
	"sync"

	log "github.com/dsoprea/go-logging"
)

// FlashDeviceID identifies one of the three logical flash devices the
// core addresses.
type FlashDeviceID int

const (
	BMC FlashDeviceID = iota
	PCH
	RotInternalKey
)

func (id FlashDeviceID) String() string {
	switch id {
	case BMC:
		return "BMC"
	case PCH:
		return "PCH"
	case RotInternalKey:
		return "ROT_INTERNAL_KEY"
	default:
		return "UNKNOWN_DEVICE"
	}
}

// FlashGeometry describes the fixed size/granularity of one device.
type FlashGeometry struct {
	TotalSize  uint32
	SectorSize uint32
	BlockSize  uint32
}

// AllowBlockErase reports whether block-granularity erase is
// equivalent to sector-granularity erase on this device.
func (g FlashGeometry) AllowBlockErase() bool {
	return g.SectorSize == g.BlockSize
}

// Region is a range-checked offset/length pair on a tagged device.
// Constructing one validates bounds so that arithmetic elsewhere never
// needs to re-check.
type Region struct {
	Device FlashDeviceID
	Offset uint32
	Length uint32
}

// NewRegion validates [offset, offset+length) against geom and returns
// a checked Region, or a *FormatError if it doesn't fit.
func NewRegion(dev FlashDeviceID, offset, length uint32, geom FlashGeometry) (Region, error) {
	if length == 0 {
		return Region{}, newFormatError("region on %s has zero length", dev)
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(geom.TotalSize) {
		return Region{}, newFormatError(
			"region [0x%x, 0x%x) on %s exceeds device size 0x%x", offset, end, dev, geom.TotalSize)
	}
	return Region{Device: dev, Offset: offset, Length: length}, nil
}

// End returns the exclusive end offset of the region.
func (r Region) End() uint32 {
	return r.Offset + r.Length
}

// Sub returns a checked sub-range [off, off+length) relative to r's
// own offset. It fails if the sub-range would escape r.
func (r Region) Sub(relOffset, length uint32) (Region, error) {
	if uint64(relOffset)+uint64(length) > uint64(r.Length) {
		return Region{}, newFormatError(
			"sub-region [0x%x, 0x%x) escapes parent region [0x%x, 0x%x) on %s",
			relOffset, relOffset+length, r.Offset, r.End(), r.Device)
	}
	return Region{Device: r.Device, Offset: r.Offset + relOffset, Length: length}, nil
}

// Flash is the uniform read/erase/copy capability over the logical
// flash devices, each call naming its device. Implementations fail
// wholesale on error: on return of
// a non-nil error the destination region is indeterminate and must be
// retried or escalated by the caller.
type Flash interface {
	Read(dev FlashDeviceID, offset, length uint32) ([]byte, error)
	EraseRegion(dev FlashDeviceID, offset, length uint32, allowBlock bool) error
	CopyBetween(srcDev FlashDeviceID, srcOffset uint32, dstDev FlashDeviceID, dstOffset uint32, length uint32) error
	DeviceSize(dev FlashDeviceID) (uint32, error)
	BlockSize(dev FlashDeviceID) (uint32, error)
	SectorSize(dev FlashDeviceID) (uint32, error)
}

// deviceLocks guards the exclusive flash-region lock: a
// recovery/update operation locks its target device, and other writers
// on that device fail with ErrBusy. GPIO lines are exclusively owned
// by PSM and are not modeled here.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[FlashDeviceID]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[FlashDeviceID]*sync.Mutex)}
}

func (d *deviceLocks) lockFor(dev FlashDeviceID) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[dev]
	if !ok {
		l = &sync.Mutex{}
		d.locks[dev] = l
	}
	return l
}

// TryLockDevice acquires the exclusive region lock for dev, returning
// ErrBusy if another writer already holds it.
func (d *deviceLocks) TryLockDevice(dev FlashDeviceID) error {
	if !d.lockFor(dev).TryLock() {
		return ErrBusy
	}
	return nil
}

// UnlockDevice releases the exclusive region lock for dev.
func (d *deviceLocks) UnlockDevice(dev FlashDeviceID) {
	d.lockFor(dev).Unlock()
}

// MemoryFlash is an in-memory Flash implementation used by the CLI
// simulator and the test suite in place of a real SPI NOR driver.
type MemoryFlash struct {
	geom map[FlashDeviceID]FlashGeometry
	data map[FlashDeviceID][]byte
}

// NewMemoryFlash builds a simulated flash topology from per-device
// geometries, all bytes initialized erased (0xFF).
func NewMemoryFlash(geom map[FlashDeviceID]FlashGeometry) *MemoryFlash {
	data := make(map[FlashDeviceID][]byte, len(geom))
	for dev, g := range geom {
		buf := make([]byte, g.TotalSize)
		for i := range buf {
			buf[i] = 0xFF
		}
		data[dev] = buf
	}
	return &MemoryFlash{geom: geom, data: data}
}

func (m *MemoryFlash) geometry(dev FlashDeviceID) (FlashGeometry, error) {
	g, ok := m.geom[dev]
	if !ok {
		return FlashGeometry{}, newIoError("geometry", log.Errorf("unknown device: %s", dev))
	}
	return g, nil
}

// Raw exposes the backing bytes for a device for fixture construction
// in tests. Production callers must not mutate this directly.
func (m *MemoryFlash) Raw(dev FlashDeviceID) []byte {
	return m.data[dev]
}

func (m *MemoryFlash) Read(dev FlashDeviceID, offset, length uint32) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	g, err := m.geometry(dev)
	log.PanicIf(err)

	if uint64(offset)+uint64(length) > uint64(g.TotalSize) {
		log.Panicf("read [0x%x,+0x%x) exceeds device %s size 0x%x", offset, length, dev, g.TotalSize)
	}

	out = make([]byte, length)
	copy(out, m.data[dev][offset:offset+length])
	return out, nil
}

func (m *MemoryFlash) EraseRegion(dev FlashDeviceID, offset, length uint32, allowBlock bool) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	g, err := m.geometry(dev)
	log.PanicIf(err)

	granularity := g.SectorSize
	if allowBlock {
		granularity = g.BlockSize
	}

	start := (offset / granularity) * granularity
	end := ((offset + length + granularity - 1) / granularity) * granularity
	if uint64(end) > uint64(g.TotalSize) {
		log.Panicf("erase [0x%x,0x%x) exceeds device %s size 0x%x", start, end, dev, g.TotalSize)
	}

	buf := m.data[dev]
	for i := start; i < end; i++ {
		buf[i] = 0xFF
	}
	return nil
}

func (m *MemoryFlash) CopyBetween(srcDev FlashDeviceID, srcOffset uint32, dstDev FlashDeviceID, dstOffset uint32, length uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	payload, err := m.Read(srcDev, srcOffset, length)
	log.PanicIf(err)

	dstGeom, err := m.geometry(dstDev)
	log.PanicIf(err)

	if uint64(dstOffset)+uint64(length) > uint64(dstGeom.TotalSize) {
		log.Panicf("copy destination [0x%x,+0x%x) exceeds device %s size 0x%x", dstOffset, length, dstDev, dstGeom.TotalSize)
	}

	copy(m.data[dstDev][dstOffset:dstOffset+length], payload)
	return nil
}

func (m *MemoryFlash) DeviceSize(dev FlashDeviceID) (uint32, error) {
	g, err := m.geometry(dev)
	if err != nil {
		return 0, err
	}
	return g.TotalSize, nil
}

func (m *MemoryFlash) BlockSize(dev FlashDeviceID) (uint32, error) {
	g, err := m.geometry(dev)
	if err != nil {
		return 0, err
	}
	return g.BlockSize, nil
}

func (m *MemoryFlash) SectorSize(dev FlashDeviceID) (uint32, error) {
	g, err := m.geometry(dev)
	if err != nil {
		return 0, err
	}
	return g.SectorSize, nil
}
