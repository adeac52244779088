package virtio

import (
	"fmt"
)

// Legacy virtio-mmio register layout (virtio 1.1, 4.2.4).
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_GUEST_PAGE_SIZE     = 0x028
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_ALIGN         = 0x03c
	VIRTIO_MMIO_QUEUE_PFN           = 0x040
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_CONFIG              = 0x100
	VIRTIO_MMIO_CONFIG_END          = VIRTIO_MMIO_CONFIG + blkConfigSize

	// Interrupt status bits
	VIRTIO_MMIO_INT_VRING = 0x1 // Used buffer notification
)

// Size implements rv64.Device.
func (b *Blk) Size() uint64 {
	return BlkMMIOSize
}

// Read implements rv64.Device. offset is relative to the MMIO base.
func (b *Blk) Read(offset uint64, size int) (uint64, error) {
	if err := checkAccess(AccessLoad, offset, size); err != nil {
		return 0, err
	}

	if offset >= VIRTIO_MMIO_CONFIG && offset < VIRTIO_MMIO_CONFIG_END {
		if size != 1 {
			return 0, &AccessFault{Op: AccessLoad, Offset: offset, Size: size}
		}
		return uint64(b.config[offset-VIRTIO_MMIO_CONFIG]), nil
	}

	var val uint32
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		val = blkMagic
	case VIRTIO_MMIO_VERSION:
		val = blkVersionLegacy
	case VIRTIO_MMIO_DEVICE_ID:
		val = blkDeviceID
	case VIRTIO_MMIO_VENDOR_ID:
		val = blkVendorID
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if b.deviceFeaturesSel < blkFeatureWords {
			val = b.deviceFeatures[b.deviceFeaturesSel]
		}
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		// Only queue 0 exists.
		if b.queueSel == 0 {
			val = b.queueNumMax
		}
	case VIRTIO_MMIO_QUEUE_PFN:
		val = b.queuePFN
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		val = b.interruptStatus
	case VIRTIO_MMIO_STATUS:
		val = b.status
	default:
		return 0, &AccessFault{Op: AccessLoad, Offset: offset, Size: size}
	}

	return truncate(uint64(val), size), nil
}

// Write implements rv64.Device. offset is relative to the MMIO base.
func (b *Blk) Write(offset uint64, size int, value uint64) error {
	if err := checkAccess(AccessStore, offset, size); err != nil {
		return err
	}

	if offset >= VIRTIO_MMIO_CONFIG && offset < VIRTIO_MMIO_CONFIG_END {
		if size != 1 {
			return &AccessFault{Op: AccessStore, Offset: offset, Size: size}
		}
		b.config[offset-VIRTIO_MMIO_CONFIG] = byte(value)
		return nil
	}

	val := uint32(truncate(value, size))

	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if b.deviceFeaturesSel < blkFeatureWords {
			b.deviceFeatures[b.deviceFeaturesSel] = val
		}
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		b.deviceFeaturesSel = val
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if b.driverFeaturesSel < blkFeatureWords {
			b.driverFeatures[b.driverFeaturesSel] = val
		}
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		b.driverFeaturesSel = val
	case VIRTIO_MMIO_GUEST_PAGE_SIZE:
		b.guestPageSize = val
	case VIRTIO_MMIO_QUEUE_SEL:
		if val != 0 {
			b.log.Warn("virtio-blk: driver selected a queue the device does not have", "queue", val)
		}
		b.queueSel = val
	case VIRTIO_MMIO_QUEUE_NUM:
		if b.queueSel != 0 {
			b.log.Warn("virtio-blk: queue num ignored for missing queue", "queue", b.queueSel, "num", val)
			return nil
		}
		if val > b.queueNumMax {
			return &ProtocolError{
				Register: "QueueNum",
				Value:    value,
				Reason:   fmt.Sprintf("exceeds queue num max %d", b.queueNumMax),
			}
		}
		b.queueNum = val
	case VIRTIO_MMIO_QUEUE_ALIGN:
		b.queueAlign = val
	case VIRTIO_MMIO_QUEUE_PFN:
		if b.queueSel != 0 {
			b.log.Warn("virtio-blk: queue pfn ignored for missing queue", "queue", b.queueSel, "pfn", val)
			return nil
		}
		b.queuePFN = val
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		b.notify = val
		b.notifyPending = true
		b.metrics.notifies.Inc(1)
	case VIRTIO_MMIO_INTERRUPT_ACK:
		if val&VIRTIO_MMIO_INT_VRING == 0 {
			return &ProtocolError{
				Register: "InterruptACK",
				Value:    value,
				Reason:   "used buffer bit not acknowledged",
			}
		}
		b.interruptStatus &^= val
	case VIRTIO_MMIO_STATUS:
		if val == 0 {
			b.reset()
			b.metrics.resets.Inc(1)
			return nil
		}
		b.status = val
	default:
		return &AccessFault{Op: AccessStore, Offset: offset, Size: size}
	}
	return nil
}

func checkAccess(op AccessOp, offset uint64, size int) error {
	switch size {
	case 1, 2, 4:
	default:
		return &AccessFault{Op: op, Offset: offset, Size: size}
	}
	if offset+uint64(size) > BlkMMIOSize {
		return &AccessFault{Op: op, Offset: offset, Size: size}
	}
	return nil
}

func truncate(value uint64, size int) uint64 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	default:
		return value & 0xffff_ffff
	}
}
