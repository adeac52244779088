package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/rcrowley/go-metrics"
)

const (
	BlkMMIOSize = 0x1000

	blkMagic         = 0x74726976 // "virt"
	blkVersionLegacy = 1
	blkDeviceID      = 2
	blkVendorID      = 0x554d4551 // "QEMU"

	// BlkQueueNumMax is the deepest queue the device accepts.
	BlkQueueNumMax = 8

	// SectorSize is the unit of the sector field in request headers.
	SectorSize = 512

	blkRequestDescriptors = 3
	blkConfigSize         = 8
	blkFeatureWords       = 2
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK    = 0
	VIRTIO_BLK_S_IOERR = 1
)

// HeadSlot selects which available ring slot a notify is served from.
type HeadSlot int

const (
	// HeadSlotAvailIdx serves ring[avail.idx mod queue size].
	HeadSlotAvailIdx HeadSlot = iota
	// HeadSlotConsumed serves ring[n mod queue size], where n counts the
	// requests the device has taken since reset. Drivers that publish
	// ring[idx] before incrementing idx (xv6) need this.
	HeadSlotConsumed
)

func (h HeadSlot) String() string {
	switch h {
	case HeadSlotAvailIdx:
		return "avail-idx"
	case HeadSlotConsumed:
		return "consumed"
	default:
		return fmt.Sprintf("HeadSlot(%d)", int(h))
	}
}

// ParseHeadSlot is the inverse of HeadSlot.String.
func ParseHeadSlot(s string) (HeadSlot, error) {
	switch s {
	case "avail-idx":
		return HeadSlotAvailIdx, nil
	case "consumed":
		return HeadSlotConsumed, nil
	default:
		return 0, fmt.Errorf("unknown head slot mode %q", s)
	}
}

// Blk is a legacy (version 1) virtio-mmio block device backed by an
// in-memory disk. All fields are guarded by the caller; the device runs
// every access to completion on the calling goroutine.
type Blk struct {
	log     *slog.Logger
	metrics *blkMetrics

	maxChain    int
	queueNumMax uint32
	headSlot    HeadSlot

	deviceFeatures    [blkFeatureWords]uint32
	deviceFeaturesSel uint32
	driverFeatures    [blkFeatureWords]uint32
	driverFeaturesSel uint32

	guestPageSize uint32
	queueSel      uint32
	queueNum      uint32
	queueAlign    uint32
	queuePFN      uint32

	notify        uint32
	notifyPending bool

	interruptStatus uint32
	status          uint32
	config          [blkConfigSize]byte

	lastAvail uint16
	id        uint64

	disk []byte
}

// BlkOption configures a Blk at construction.
type BlkOption func(*Blk)

// WithLogger sets the logger used for protocol warnings and request tracing.
func WithLogger(l *slog.Logger) BlkOption {
	return func(b *Blk) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMaxChainLength bounds the descriptor chain walk. Values below three
// are raised to three, the only request shape the device serves.
func WithMaxChainLength(n int) BlkOption {
	return func(b *Blk) {
		b.maxChain = max(n, blkRequestDescriptors)
	}
}

// WithQueueNumMax overrides the value reported by Queue Num Max (1..8).
func WithQueueNumMax(n uint32) BlkOption {
	return func(b *Blk) {
		if n > 0 && n <= BlkQueueNumMax {
			b.queueNumMax = n
		}
	}
}

// WithHeadSlot selects how the head descriptor is located on notify.
func WithHeadSlot(h HeadSlot) BlkOption {
	return func(b *Blk) {
		b.headSlot = h
	}
}

// WithMetrics registers request counters in r.
func WithMetrics(r metrics.Registry) BlkOption {
	return func(b *Blk) {
		b.metrics = newBlkMetrics(r)
	}
}

// WithFeatures sets the 64-bit device feature set offered to the driver.
func WithFeatures(features uint64) BlkOption {
	return func(b *Blk) {
		b.deviceFeatures[0] = uint32(features)
		b.deviceFeatures[1] = uint32(features >> 32)
	}
}

// NewBlk returns a device in its reset state with an empty disk.
func NewBlk(opts ...BlkOption) *Blk {
	b := &Blk{
		log:         slog.Default(),
		maxChain:    blkRequestDescriptors,
		queueNumMax: BlkQueueNumMax,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = newBlkMetrics(nil)
	}
	return b
}

// Initialize appends data to the backing store and publishes the resulting
// capacity, in sectors, through the config space.
func (b *Blk) Initialize(data []byte) {
	b.disk = append(b.disk, data...)
	binary.LittleEndian.PutUint64(b.config[:], b.Capacity())
}

// Capacity returns the disk size in whole sectors.
func (b *Blk) Capacity() uint64 {
	return uint64(len(b.disk)) / SectorSize
}

// DiskSize returns the backing store size in bytes.
func (b *Blk) DiskSize() uint64 {
	return uint64(len(b.disk))
}

// Disk returns a copy of the backing store.
func (b *Blk) Disk() []byte {
	return append([]byte(nil), b.disk...)
}

// IsInterrupting reports whether a queue notify arrived since the last call.
// The pending notify is consumed by the call.
func (b *Blk) IsInterrupting() bool {
	if !b.notifyPending {
		return false
	}
	b.notifyPending = false
	return true
}

// InterruptStatus returns the pending interrupt causes.
func (b *Blk) InterruptStatus() uint32 {
	return b.interruptStatus
}

// reset restores the register file to its protocol reset values. The disk
// and the capacity published in config space survive.
func (b *Blk) reset() {
	b.deviceFeaturesSel = 0
	b.driverFeatures = [blkFeatureWords]uint32{}
	b.driverFeaturesSel = 0
	b.guestPageSize = 0
	b.queueSel = 0
	b.queueNum = 0
	b.queueAlign = 0
	b.queuePFN = 0
	b.notify = 0
	b.notifyPending = false
	b.interruptStatus = 0
	b.status = 0
	b.lastAvail = 0
	b.id = 0
	binary.LittleEndian.PutUint64(b.config[:], b.Capacity())
}

// queueSize is the modulus for ring indexing: the driver's Queue Num when it
// set a usable one, the maximum otherwise.
func (b *Blk) queueSize() uint64 {
	if b.queueNum > 0 && b.queueNum <= b.queueNumMax {
		return uint64(b.queueNum)
	}
	return uint64(b.queueNumMax)
}

// nextID allocates a request id. The counter wraps on overflow.
func (b *Blk) nextID() uint64 {
	id := b.id
	b.id++
	return id
}
