package virtio

import (
	"fmt"
	"math"
)

// transfer moves data.Len bytes between guest memory at data.Addr and the
// disk at sector*SectorSize. A device write-only buffer means a disk read.
func (b *Blk) transfer(mem GuestMemory, data Descriptor, sector uint64) error {
	off, err := b.diskRange(sector, data.Len)
	if err != nil {
		return err
	}
	n := uint64(data.Len)

	if !data.IsWrite() {
		// Stage the payload so a guest fault leaves the disk untouched.
		buf := make([]byte, n)
		for i := range buf {
			v, err := mem.Read(data.Addr+uint64(i), 1)
			if err != nil {
				return fmt.Errorf("virtio-blk: dma from guest %#x: %w", data.Addr+uint64(i), err)
			}
			buf[i] = byte(v)
		}
		copy(b.disk[off:off+n], buf)
		b.metrics.writes.Inc(1)
		b.metrics.bytesWritten.Inc(int64(n))
		return nil
	}

	for i := uint64(0); i < n; i++ {
		if err := mem.Write(data.Addr+i, 1, uint64(b.disk[off+i])); err != nil {
			return fmt.Errorf("virtio-blk: dma to guest %#x: %w", data.Addr+i, err)
		}
	}
	b.metrics.reads.Inc(1)
	b.metrics.bytesRead.Inc(int64(n))
	return nil
}

// diskRange returns the byte offset of sector, checking that length bytes
// from there fit in the disk.
func (b *Blk) diskRange(sector uint64, length uint32) (uint64, error) {
	size := b.DiskSize()
	if sector > math.MaxUint64/SectorSize {
		return 0, &TransferBoundsError{Sector: sector, Length: length, DiskSize: size}
	}
	off := sector * SectorSize
	if off > size || uint64(length) > size-off {
		return 0, &TransferBoundsError{Sector: sector, Length: length, DiskSize: size}
	}
	return off, nil
}

// complete publishes the request to the driver: the next request id modulo
// the queue size goes into the used ring at +2 and the used buffer interrupt
// cause is raised.
func (b *Blk) complete(mem GuestMemory, q queueLayout, size uint64) error {
	id := b.nextID()
	if err := mem.Write(q.used+2, 2, id%size); err != nil {
		return fmt.Errorf("virtio-blk: write used ring: %w", err)
	}
	b.interruptStatus |= VIRTIO_MMIO_INT_VRING
	return nil
}
