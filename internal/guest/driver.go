// Package guest is a legacy virtio-mmio block driver that runs against an
// rv64.Machine the way a small kernel would: every register access is a guest
// load or store, requests are built in guest RAM, and completion is observed
// through the PLIC.
package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vblk/internal/devices/virtio"
	"github.com/tinyrange/vblk/internal/hv/riscv/rv64"
)

// Device status bits
const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
)

// Feature bits the driver refuses.
const (
	featBlkRO        = 5
	featBlkSCSI      = 7
	featBlkConfigWCE = 11
	featBlkMQ        = 12
	featAnyLayout    = 27
	featIndirectDesc = 28
	featEventIdx     = 29
)

// Request types in the header.
const (
	blkTypeIn  = 0
	blkTypeOut = 1
)

const (
	pageSize = 4096

	// NumDescriptors is the deepest queue the driver configures.
	NumDescriptors = 8

	// MaxTransfer is the largest request the driver builds: one page.
	MaxTransfer = pageSize

	// descTableSlots is how many descriptors fit below the available ring.
	descTableSlots = 0x40 / 16
)

// Guest-physical layout, relative to RAM base.
const (
	queueOffset  = 0
	headerOffset = 2 * pageSize
	statusOffset = headerOffset + 16
	bufferOffset = 3 * pageSize

	// LayoutSize is the RAM the driver uses.
	LayoutSize = bufferOffset + MaxTransfer
)

var (
	ErrNotVirtioBlock = errors.New("guest: no legacy virtio block device at base")
	ErrNoInterrupt    = errors.New("guest: request completed without an external interrupt")
	ErrNotInitialized = errors.New("guest: driver not initialized")
)

// IOError reports a request the device completed with a non-OK status.
type IOError struct {
	Sector uint64
	Write  bool
	Status byte
}

func (e *IOError) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	return fmt.Sprintf("guest: %s sector %d failed with status %d", op, e.Sector, e.Status)
}

// Driver drives the block device mapped at rv64.VirtIOBase.
type Driver struct {
	mu  sync.Mutex
	m   *rv64.Machine
	log *slog.Logger

	base     uint64
	ram      uint64
	capacity uint64
	features uint64

	num       uint16
	free      [NumDescriptors]bool
	availIdx  uint16
	completed uint64
	ready     bool
	headSlot  virtio.HeadSlot
}

// Option configures a Driver.
type Option func(*Driver)

// WithHeadSlot selects where the driver publishes each request's head in the
// available ring. It must match the device's virtio.HeadSlot.
func WithHeadSlot(h virtio.HeadSlot) Option {
	return func(d *Driver) {
		d.headSlot = h
	}
}

// New returns a driver for m. Init must be called before any transfer.
func New(m *rv64.Machine, log *slog.Logger, opts ...Option) *Driver {
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{m: m, log: log, base: rv64.VirtIOBase, ram: m.MemoryBase()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) load32(offset uint64) (uint32, error) {
	v, err := d.m.Load(d.base+offset, 4)
	return uint32(v), err
}

func (d *Driver) store32(offset uint64, v uint32) error {
	return d.m.Store(d.base+offset, 4, uint64(v))
}

// Init resets the device, negotiates features, sets up queue 0 and routes
// the device interrupt to the supervisor context.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.m.MemorySize() < LayoutSize {
		return fmt.Errorf("guest: need %d bytes of RAM, have %d", LayoutSize, d.m.MemorySize())
	}

	for _, reg := range []struct {
		offset uint64
		want   uint32
	}{
		{virtio.VIRTIO_MMIO_MAGIC_VALUE, 0x74726976},
		{virtio.VIRTIO_MMIO_VERSION, 1},
		{virtio.VIRTIO_MMIO_DEVICE_ID, 2},
		{virtio.VIRTIO_MMIO_VENDOR_ID, 0x554d4551},
	} {
		v, err := d.load32(reg.offset)
		if err != nil {
			return fmt.Errorf("guest: read %#x: %w", reg.offset, err)
		}
		if v != reg.want {
			return fmt.Errorf("%w: register %#x is %#x", ErrNotVirtioBlock, reg.offset, v)
		}
	}

	status := uint32(0)
	steps := []func() error{
		func() error { return d.store32(virtio.VIRTIO_MMIO_STATUS, 0) },
		func() error { status |= statusAcknowledge; return d.store32(virtio.VIRTIO_MMIO_STATUS, status) },
		func() error { status |= statusDriver; return d.store32(virtio.VIRTIO_MMIO_STATUS, status) },
		d.negotiate,
		func() error { status |= statusFeaturesOK; return d.store32(virtio.VIRTIO_MMIO_STATUS, status) },
		d.setupQueue,
		d.readCapacity,
		d.setupInterrupts,
		func() error { status |= statusDriverOK; return d.store32(virtio.VIRTIO_MMIO_STATUS, status) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("guest: init: %w", err)
		}
	}

	for i := range d.free {
		d.free[i] = i < int(min(d.num, descTableSlots))
	}
	d.availIdx = 0
	d.completed = 0
	d.ready = true

	d.log.Debug("guest: virtio disk ready", "capacity", d.capacity, "features", fmt.Sprintf("%#x", d.features))
	return nil
}

func (d *Driver) negotiate() error {
	var offered uint64
	for sel := uint32(0); sel < 2; sel++ {
		if err := d.store32(virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL, sel); err != nil {
			return err
		}
		v, err := d.load32(virtio.VIRTIO_MMIO_DEVICE_FEATURES)
		if err != nil {
			return err
		}
		offered |= uint64(v) << (32 * sel)
	}

	features := offered
	for _, bit := range []uint{featBlkRO, featBlkSCSI, featBlkConfigWCE, featBlkMQ, featAnyLayout, featIndirectDesc, featEventIdx} {
		features &^= 1 << bit
	}
	for sel := uint32(0); sel < 2; sel++ {
		if err := d.store32(virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL, sel); err != nil {
			return err
		}
		if err := d.store32(virtio.VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>(32*sel))); err != nil {
			return err
		}
	}
	d.features = features
	return nil
}

func (d *Driver) setupQueue() error {
	if err := d.store32(virtio.VIRTIO_MMIO_GUEST_PAGE_SIZE, pageSize); err != nil {
		return err
	}
	if err := d.store32(virtio.VIRTIO_MMIO_QUEUE_SEL, 0); err != nil {
		return err
	}
	pfn, err := d.load32(virtio.VIRTIO_MMIO_QUEUE_PFN)
	if err != nil {
		return err
	}
	if pfn != 0 {
		return errors.New("virtio disk should not be ready")
	}
	numMax, err := d.load32(virtio.VIRTIO_MMIO_QUEUE_NUM_MAX)
	if err != nil {
		return err
	}
	if numMax == 0 {
		return errors.New("virtio disk has no queue 0")
	}
	if numMax < 3 {
		return fmt.Errorf("virtio disk max queue too short: %d", numMax)
	}
	d.num = uint16(min(numMax, NumDescriptors))
	if err := d.store32(virtio.VIRTIO_MMIO_QUEUE_NUM, uint32(d.num)); err != nil {
		return err
	}

	queue := d.ram + queueOffset
	zero := make([]byte, 2*pageSize)
	if err := d.m.LoadBytes(queue, zero); err != nil {
		return err
	}
	return d.store32(virtio.VIRTIO_MMIO_QUEUE_PFN, uint32(queue/pageSize))
}

func (d *Driver) readCapacity() error {
	var buf [8]byte
	for i := range buf {
		v, err := d.m.Load(d.base+virtio.VIRTIO_MMIO_CONFIG+uint64(i), 1)
		if err != nil {
			return err
		}
		buf[i] = byte(v)
	}
	d.capacity = binary.LittleEndian.Uint64(buf[:])
	return nil
}

func (d *Driver) setupInterrupts() error {
	plic := rv64.PLICBase
	if err := d.m.Store(plic+rv64.PLICPriorityBase+4*uint64(rv64.VirtIOIRQ), 4, 1); err != nil {
		return err
	}
	enable := plic + rv64.PLICEnableBase + rv64.PLICEnableStride*rv64.PLICContextSupervisor
	if err := d.m.Store(enable, 4, 1<<rv64.VirtIOIRQ); err != nil {
		return err
	}
	return d.m.Store(d.claimAddr()-4, 4, 0)
}

func (d *Driver) claimAddr() uint64 {
	return rv64.PLICBase + rv64.PLICThresholdBase + rv64.PLICContextStride*rv64.PLICContextSupervisor + 4
}

// Capacity returns the disk size in sectors, as published in config space.
func (d *Driver) Capacity() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity
}

// Features returns the negotiated feature bits.
func (d *Driver) Features() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// ReadSectors fills buf from the disk starting at sector. len(buf) must be a
// non-zero multiple of the sector size no larger than MaxTransfer.
func (d *Driver) ReadSectors(sector uint64, buf []byte) error {
	return d.rw(sector, buf, false)
}

// WriteSectors writes data to the disk starting at sector. The length rules
// of ReadSectors apply.
func (d *Driver) WriteSectors(sector uint64, data []byte) error {
	return d.rw(sector, data, true)
}

// ReadSector reads one sector into buf.
func (d *Driver) ReadSector(sector uint64, buf []byte) error {
	if len(buf) != virtio.SectorSize {
		return fmt.Errorf("guest: sector buffer is %d bytes", len(buf))
	}
	return d.ReadSectors(sector, buf)
}

// WriteSector writes one sector from data.
func (d *Driver) WriteSector(sector uint64, data []byte) error {
	if len(data) != virtio.SectorSize {
		return fmt.Errorf("guest: sector buffer is %d bytes", len(data))
	}
	return d.WriteSectors(sector, data)
}

func (d *Driver) alloc3() ([3]uint16, bool) {
	var idx [3]uint16
	n := 0
	for i := range d.free {
		if n == 3 {
			break
		}
		if d.free[i] {
			idx[n] = uint16(i)
			n++
		}
	}
	if n < 3 {
		return idx, false
	}
	for _, i := range idx {
		d.free[i] = false
	}
	return idx, true
}

func (d *Driver) freeChain(idx [3]uint16) {
	for _, i := range idx {
		d.free[i] = true
	}
}

func (d *Driver) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) error {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:], addr)
	binary.LittleEndian.PutUint32(b[8:], length)
	binary.LittleEndian.PutUint16(b[12:], flags)
	binary.LittleEndian.PutUint16(b[14:], next)
	return d.m.LoadBytes(d.ram+queueOffset+uint64(i)*16, b[:])
}

func (d *Driver) rw(sector uint64, buf []byte, write bool) error {
	if len(buf) == 0 || len(buf)%virtio.SectorSize != 0 || len(buf) > MaxTransfer {
		return fmt.Errorf("guest: transfer of %d bytes", len(buf))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.ready {
		return ErrNotInitialized
	}

	idx, ok := d.alloc3()
	if !ok {
		return errors.New("guest: out of descriptors")
	}
	defer d.freeChain(idx)

	hdr := d.ram + headerOffset
	status := d.ram + statusOffset
	data := d.ram + bufferOffset

	var h [16]byte
	if write {
		binary.LittleEndian.PutUint32(h[0:], blkTypeOut)
		if err := d.m.LoadBytes(data, buf); err != nil {
			return err
		}
	} else {
		binary.LittleEndian.PutUint32(h[0:], blkTypeIn)
	}
	binary.LittleEndian.PutUint64(h[8:], sector)
	if err := d.m.LoadBytes(hdr, h[:]); err != nil {
		return err
	}
	if err := d.m.LoadBytes(status, []byte{0xff}); err != nil {
		return err
	}

	const fNext, fWrite = 1, 2
	dataFlags := uint16(fNext)
	if !write {
		dataFlags |= fWrite
	}
	if err := d.writeDesc(idx[0], hdr, 16, fNext, idx[1]); err != nil {
		return err
	}
	if err := d.writeDesc(idx[1], data, uint32(len(buf)), dataFlags, idx[2]); err != nil {
		return err
	}
	if err := d.writeDesc(idx[2], status, 1, fWrite, 0); err != nil {
		return err
	}

	// The device serves ring[idx mod num] by default, so the head goes in the
	// slot the new idx names. The consumed layout fills ring[old idx] instead.
	avail := d.ram + queueOffset + 0x40
	ring := d.availIdx + 1
	if d.headSlot == virtio.HeadSlotConsumed {
		ring = d.availIdx
	}
	var slot [2]byte
	binary.LittleEndian.PutUint16(slot[:], idx[0])
	if err := d.m.LoadBytes(avail+4+uint64(ring%d.num)*2, slot[:]); err != nil {
		return err
	}
	d.availIdx++
	binary.LittleEndian.PutUint16(slot[:], d.availIdx)
	if err := d.m.LoadBytes(avail+2, slot[:]); err != nil {
		return err
	}

	if err := d.store32(virtio.VIRTIO_MMIO_QUEUE_NOTIFY, 0); err != nil {
		return err
	}

	// The device reports out of range requests both through the status byte
	// and as a host error; the status byte is what the driver acts on.
	if err := d.m.PollInterrupts(); err != nil {
		var bounds *virtio.TransferBoundsError
		if !errors.As(err, &bounds) {
			return err
		}
		d.log.Debug("guest: device rejected transfer", "err", err)
	}

	if err := d.handleInterrupt(); err != nil {
		return err
	}

	st := make([]byte, 1)
	if err := d.m.ReadBytes(status, st); err != nil {
		return err
	}
	if st[0] != virtio.VIRTIO_BLK_S_OK {
		return &IOError{Sector: sector, Write: write, Status: st[0]}
	}

	if !write {
		return d.m.ReadBytes(data, buf)
	}
	return nil
}

// handleInterrupt claims the device interrupt, acknowledges it at the device
// and checks the request id the device published in the used ring.
func (d *Driver) handleInterrupt() error {
	if d.m.ExternalInterruptPending()&rv64.MipSEIP == 0 {
		return ErrNoInterrupt
	}
	src, err := d.m.Load(d.claimAddr(), 4)
	if err != nil {
		return err
	}
	if uint32(src) != rv64.VirtIOIRQ {
		return fmt.Errorf("guest: unexpected interrupt source %d", src)
	}

	is, err := d.load32(virtio.VIRTIO_MMIO_INTERRUPT_STATUS)
	if err != nil {
		return err
	}
	if err := d.store32(virtio.VIRTIO_MMIO_INTERRUPT_ACK, is&0x3); err != nil {
		return err
	}
	if err := d.m.Store(d.claimAddr(), 4, src); err != nil {
		return err
	}

	var id [2]byte
	if err := d.m.ReadBytes(d.ram+queueOffset+pageSize+2, id[:]); err != nil {
		return err
	}
	want := d.completed % uint64(d.num)
	d.completed++
	if got := uint64(binary.LittleEndian.Uint16(id[:])); got != want {
		return fmt.Errorf("guest: used ring id %d, want %d", got, want)
	}
	return nil
}
