package virtio

import (
	"errors"
	"fmt"
)

// GuestMemory is the DMA view of guest-physical memory. rv64.Bus satisfies
// it; sizes are 1, 2, 4 or 8 bytes, little-endian.
type GuestMemory interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
}

const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqDescSize = 16

	// Legacy layout of the single page-sized queue, as laid out by xv6:
	// descriptors at the page base, available ring at +0x40, used ring on
	// the next page. Only the first four descriptor entries fit below the
	// available ring; higher indices would alias ring memory and are refused
	// by walkChain whatever Queue Num says.
	virtqAvailOffset = 0x40
	virtqUsedOffset  = 4096

	virtqDescSlots = virtqAvailOffset / virtqDescSize
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWrite reports whether the buffer is device write-only.
func (d Descriptor) IsWrite() bool { return d.Flags&virtqDescFWrite != 0 }

// HasNext reports whether the chain continues at Next.
func (d Descriptor) HasNext() bool { return d.Flags&virtqDescFNext != 0 }

// readDescriptor reads the descriptor stored at addr.
func readDescriptor(mem GuestMemory, addr uint64) (Descriptor, error) {
	a, err := mem.Read(addr, 8)
	if err != nil {
		return Descriptor{}, err
	}
	l, err := mem.Read(addr+8, 4)
	if err != nil {
		return Descriptor{}, err
	}
	f, err := mem.Read(addr+12, 2)
	if err != nil {
		return Descriptor{}, err
	}
	n, err := mem.Read(addr+14, 2)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  a,
		Len:   uint32(l),
		Flags: uint16(f),
		Next:  uint16(n),
	}, nil
}

type queueLayout struct {
	desc  uint64
	avail uint64
	used  uint64
}

func (b *Blk) layout() (queueLayout, error) {
	if b.queuePFN == 0 {
		return queueLayout{}, ErrQueueNotConfigured
	}
	base := uint64(b.queuePFN) * uint64(b.guestPageSize)
	return queueLayout{
		desc:  base,
		avail: base + virtqAvailOffset,
		used:  base + virtqUsedOffset,
	}, nil
}

// DiskAccess serves one request from the queue. The head descriptor comes
// from ring[avail.idx mod queue size], or from the slot the device consumes
// next under HeadSlotConsumed. It is called by the host once per queue
// notify.
//
// A request addressing bytes past the end of the disk completes with
// VIRTIO_BLK_S_IOERR and DiskAccess returns a *TransferBoundsError. Guest
// memory faults and malformed chains abort the request without completing it.
func (b *Blk) DiskAccess(mem GuestMemory) error {
	q, err := b.layout()
	if err != nil {
		return err
	}
	size := b.queueSize()

	availIdx, err := mem.Read(q.avail+2, 2)
	if err != nil {
		return fmt.Errorf("virtio-blk: read avail idx: %w", err)
	}

	slot := availIdx % size
	if b.headSlot == HeadSlotConsumed {
		slot = uint64(b.lastAvail) % size
	}
	head, err := mem.Read(q.avail+4+slot*2, 2)
	if err != nil {
		return fmt.Errorf("virtio-blk: read avail ring slot %d: %w", slot, err)
	}
	b.lastAvail++

	b.log.Debug("virtio-blk: queue notify",
		"queue", b.notify, "avail_idx", availIdx, "consumed", b.lastAvail, "slot", slot, "head", head)

	chain, err := b.walkChain(mem, q, uint16(head), size)
	if err != nil {
		return err
	}
	header, data, status := chain[0], chain[1], chain[2]

	sector, err := mem.Read(header.Addr+8, 8)
	if err != nil {
		return fmt.Errorf("virtio-blk: read request sector: %w", err)
	}

	b.log.Debug("virtio-blk: request",
		"sector", sector, "addr", fmt.Sprintf("%#x", data.Addr), "len", data.Len, "to_guest", data.IsWrite())

	code := uint64(VIRTIO_BLK_S_OK)
	xferErr := b.transfer(mem, data, sector)
	if xferErr != nil {
		var bounds *TransferBoundsError
		if !errors.As(xferErr, &bounds) {
			return xferErr
		}
		b.metrics.ioErrors.Inc(1)
		code = VIRTIO_BLK_S_IOERR
	}

	if err := mem.Write(status.Addr, 1, code); err != nil {
		return fmt.Errorf("virtio-blk: write status: %w", err)
	}
	if err := b.complete(mem, q, size); err != nil {
		return err
	}
	return xferErr
}

// walkChain follows next links from head, bounded by the configured maximum
// chain length. Only the header/data/status shape is served; the first two
// links are followed even without VIRTQ_DESC_F_NEXT, as legacy drivers rely
// on the fixed triple.
func (b *Blk) walkChain(mem GuestMemory, q queueLayout, head uint16, size uint64) ([]Descriptor, error) {
	chain := make([]Descriptor, 0, blkRequestDescriptors)
	idx := head
	for i := 0; ; i++ {
		if i == b.maxChain {
			return nil, &ChainError{Head: head, Length: i, Reason: fmt.Sprintf("longer than %d descriptors", b.maxChain)}
		}
		if uint64(idx) >= size {
			return nil, &ChainError{Head: head, Length: i, Reason: fmt.Sprintf("descriptor index %d outside queue of %d", idx, size)}
		}
		if idx >= virtqDescSlots {
			return nil, &ChainError{Head: head, Length: i, Reason: fmt.Sprintf("descriptor index %d overlaps the available ring", idx)}
		}
		desc, err := readDescriptor(mem, q.desc+uint64(idx)*virtqDescSize)
		if err != nil {
			return nil, err
		}
		if desc.Flags&virtqDescFIndirect != 0 {
			return nil, &ChainError{Head: head, Length: i + 1, Reason: "indirect descriptors are not supported"}
		}
		chain = append(chain, desc)
		if i >= blkRequestDescriptors-1 && !desc.HasNext() {
			break
		}
		idx = desc.Next
	}
	if len(chain) != blkRequestDescriptors {
		return nil, &ChainError{Head: head, Length: len(chain), Reason: "only header/data/status requests are supported"}
	}
	return chain, nil
}
