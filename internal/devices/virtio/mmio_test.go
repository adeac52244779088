package virtio

import (
	"fmt"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentificationRegisters(t *testing.T) {
	b := NewBlk()
	tests := []struct {
		name   string
		offset uint64
		want   uint64
	}{
		{"magic", VIRTIO_MMIO_MAGIC_VALUE, 0x74726976},
		{"version", VIRTIO_MMIO_VERSION, 1},
		{"device id", VIRTIO_MMIO_DEVICE_ID, 2},
		{"vendor id", VIRTIO_MMIO_VENDOR_ID, 0x554d4551},
		{"queue num max", VIRTIO_MMIO_QUEUE_NUM_MAX, BlkQueueNumMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Read(tt.offset, 4)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("narrow reads truncate", func(t *testing.T) {
		got, err := b.Read(VIRTIO_MMIO_MAGIC_VALUE, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x76), got)
		got, err = b.Read(VIRTIO_MMIO_MAGIC_VALUE, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x6976), got)
	})
}

func TestDoublewordAccessFaults(t *testing.T) {
	offsets := []uint64{
		VIRTIO_MMIO_MAGIC_VALUE,
		VIRTIO_MMIO_VERSION,
		VIRTIO_MMIO_DEVICE_ID,
		VIRTIO_MMIO_VENDOR_ID,
		VIRTIO_MMIO_DEVICE_FEATURES,
		VIRTIO_MMIO_DEVICE_FEATURES_SEL,
		VIRTIO_MMIO_DRIVER_FEATURES,
		VIRTIO_MMIO_DRIVER_FEATURES_SEL,
		VIRTIO_MMIO_GUEST_PAGE_SIZE,
		VIRTIO_MMIO_QUEUE_SEL,
		VIRTIO_MMIO_QUEUE_NUM_MAX,
		VIRTIO_MMIO_QUEUE_NUM,
		VIRTIO_MMIO_QUEUE_ALIGN,
		VIRTIO_MMIO_QUEUE_PFN,
		VIRTIO_MMIO_QUEUE_NOTIFY,
		VIRTIO_MMIO_INTERRUPT_STATUS,
		VIRTIO_MMIO_INTERRUPT_ACK,
		VIRTIO_MMIO_STATUS,
	}
	for off := uint64(VIRTIO_MMIO_CONFIG); off < VIRTIO_MMIO_CONFIG_END; off++ {
		offsets = append(offsets, off)
	}

	for _, off := range offsets {
		t.Run(fmt.Sprintf("%#x", off), func(t *testing.T) {
			b := NewBlk()
			b.Initialize(make([]byte, SectorSize))
			before := *b

			var fault *AccessFault
			_, err := b.Read(off, 8)
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, AccessLoad, fault.Op)
			assert.Equal(t, off, fault.Offset)
			assert.Equal(t, 8, fault.Size)

			require.ErrorAs(t, b.Write(off, 8, 0xffff_ffff_ffff_ffff), &fault)
			assert.Equal(t, AccessStore, fault.Op)
			assert.Equal(t, off, fault.Offset)

			assert.Equal(t, before, *b, "a refused access must not change device state")
		})
	}
}

func TestUnknownOffsetFaults(t *testing.T) {
	b := NewBlk()
	var fault *AccessFault

	_, err := b.Read(0x080, 4)
	require.ErrorAs(t, err, &fault)
	require.ErrorAs(t, b.Write(VIRTIO_MMIO_MAGIC_VALUE, 4, 0), &fault)
	_, err = b.Read(BlkMMIOSize-2, 4)
	require.ErrorAs(t, err, &fault)
}

func TestFeatureRoundTrip(t *testing.T) {
	b := NewBlk(WithFeatures(0x1_0000_0020))

	lo, err := b.Read(VIRTIO_MMIO_DEVICE_FEATURES, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20), lo)

	require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 4, 1))
	hi, err := b.Read(VIRTIO_MMIO_DEVICE_FEATURES, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), hi)

	require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES, 4, 0xdead_beef))
	hi, err = b.Read(VIRTIO_MMIO_DEVICE_FEATURES, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdead_beef), hi)

	t.Run("selector 0 round trip", func(t *testing.T) {
		require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 4, 0))
		require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES, 4, 0x1234_5678))
		v, err := b.Read(VIRTIO_MMIO_DEVICE_FEATURES, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1234_5678), v)

		require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 4, 1))
		v, err = b.Read(VIRTIO_MMIO_DEVICE_FEATURES, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xdead_beef), v, "selector 1 keeps its own word")
	})

	t.Run("selector out of range", func(t *testing.T) {
		require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 4, 5))
		require.NoError(t, b.Write(VIRTIO_MMIO_DEVICE_FEATURES, 4, 0xffff_ffff))
		v, err := b.Read(VIRTIO_MMIO_DEVICE_FEATURES, 4)
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("driver features", func(t *testing.T) {
		require.NoError(t, b.Write(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 4, 0))
		require.NoError(t, b.Write(VIRTIO_MMIO_DRIVER_FEATURES, 4, 0x20))
		assert.Equal(t, uint32(0x20), b.driverFeatures[0])
	})
}

func TestConfigSpace(t *testing.T) {
	b := NewBlk()
	b.Initialize(make([]byte, 3*SectorSize))

	t.Run("capacity published", func(t *testing.T) {
		v, err := b.Read(VIRTIO_MMIO_CONFIG, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), v)
		for off := uint64(1); off < blkConfigSize; off++ {
			v, err := b.Read(VIRTIO_MMIO_CONFIG+off, 1)
			require.NoError(t, err)
			assert.Zero(t, v)
		}
	})

	t.Run("byte round trip", func(t *testing.T) {
		for off := uint64(0); off < blkConfigSize; off++ {
			require.NoError(t, b.Write(VIRTIO_MMIO_CONFIG+off, 1, 0xa0+off))
		}
		for off := uint64(0); off < blkConfigSize; off++ {
			v, err := b.Read(VIRTIO_MMIO_CONFIG+off, 1)
			require.NoError(t, err)
			assert.Equal(t, 0xa0+off, v)
		}
	})

	t.Run("multi-byte faults", func(t *testing.T) {
		var fault *AccessFault
		_, err := b.Read(VIRTIO_MMIO_CONFIG, 4)
		require.ErrorAs(t, err, &fault)
		require.ErrorAs(t, b.Write(VIRTIO_MMIO_CONFIG+2, 2, 0), &fault)
	})
}

func TestQueueNumAboveMax(t *testing.T) {
	b := NewBlk()
	var perr *ProtocolError
	require.ErrorAs(t, b.Write(VIRTIO_MMIO_QUEUE_NUM, 4, BlkQueueNumMax+1), &perr)
	assert.Equal(t, "QueueNum", perr.Register)
	assert.Equal(t, uint64(BlkQueueNumMax), b.queueSize())

	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_NUM, 4, 4))
	assert.Equal(t, uint64(4), b.queueSize())
}

func TestQueueSelectMissingQueue(t *testing.T) {
	b := NewBlk()
	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_SEL, 4, 1))

	v, err := b.Read(VIRTIO_MMIO_QUEUE_NUM_MAX, 4)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_PFN, 4, 7))
	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_SEL, 4, 0))
	pfn, err := b.Read(VIRTIO_MMIO_QUEUE_PFN, 4)
	require.NoError(t, err)
	assert.Zero(t, pfn)
}

func TestInterruptAck(t *testing.T) {
	b := NewBlk()
	b.interruptStatus = VIRTIO_MMIO_INT_VRING

	var perr *ProtocolError
	require.ErrorAs(t, b.Write(VIRTIO_MMIO_INTERRUPT_ACK, 4, 0x2), &perr)
	assert.Equal(t, "InterruptACK", perr.Register)
	assert.Equal(t, uint32(VIRTIO_MMIO_INT_VRING), b.InterruptStatus())

	require.NoError(t, b.Write(VIRTIO_MMIO_INTERRUPT_ACK, 4, VIRTIO_MMIO_INT_VRING))
	assert.Zero(t, b.InterruptStatus())
}

func TestNotifyIsOneShot(t *testing.T) {
	b := NewBlk()
	assert.False(t, b.IsInterrupting())

	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_NOTIFY, 4, 0))
	assert.True(t, b.IsInterrupting())
	assert.False(t, b.IsInterrupting())

	// Notifying queue 0 is distinct from "no notify".
	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_NOTIFY, 2, 0))
	assert.True(t, b.IsInterrupting())
}

func TestStatusResetKeepsDisk(t *testing.T) {
	reg := metrics.NewRegistry()
	b := NewBlk(WithMetrics(reg))
	disk := make([]byte, 2*SectorSize)
	disk[0] = 0x5a
	b.Initialize(disk)

	require.NoError(t, b.Write(VIRTIO_MMIO_STATUS, 4, 0xf))
	configureQueue(t, b, 4)
	require.NoError(t, b.Write(VIRTIO_MMIO_QUEUE_NOTIFY, 4, 0))
	require.NoError(t, b.Write(VIRTIO_MMIO_CONFIG+7, 1, 0x99))
	b.interruptStatus = VIRTIO_MMIO_INT_VRING
	b.id = 5
	b.lastAvail = 3

	require.NoError(t, b.Write(VIRTIO_MMIO_STATUS, 4, 0))

	for _, off := range []uint64{VIRTIO_MMIO_STATUS, VIRTIO_MMIO_QUEUE_PFN, VIRTIO_MMIO_INTERRUPT_STATUS, VIRTIO_MMIO_CONFIG + 7} {
		v, err := b.Read(off, 1)
		require.NoError(t, err)
		assert.Zero(t, v, "offset %#x", off)
	}
	cap0, err := b.Read(VIRTIO_MMIO_CONFIG, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cap0)

	assert.False(t, b.IsInterrupting())
	assert.Zero(t, b.id)
	assert.Zero(t, b.lastAvail)
	assert.Equal(t, uint64(BlkQueueNumMax), b.queueSize())
	assert.Equal(t, disk, b.Disk())

	assert.Equal(t, int64(1), reg.Get("virtio.blk.resets").(metrics.Counter).Count())
	assert.Equal(t, int64(1), reg.Get("virtio.blk.notifies").(metrics.Counter).Count())
}

func TestOptions(t *testing.T) {
	b := NewBlk(WithQueueNumMax(4), WithMaxChainLength(1))
	v, err := b.Read(VIRTIO_MMIO_QUEUE_NUM_MAX, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)
	assert.Equal(t, blkRequestDescriptors, b.maxChain)

	b = NewBlk(WithQueueNumMax(0), WithQueueNumMax(64))
	assert.Equal(t, uint32(BlkQueueNumMax), b.queueNumMax)
}

func TestRequestMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	mem := newTestGuestMemory(testMemSize)
	b := NewBlk(WithMetrics(reg))
	b.Initialize(make([]byte, 2*SectorSize))
	configureQueue(t, b, BlkQueueNumMax)

	postRequest(mem, 0, 0, 0, SectorSize, false)
	require.NoError(t, b.DiskAccess(mem))
	postRequest(mem, 1, 0, 1, SectorSize, true)
	require.NoError(t, b.DiskAccess(mem))
	postRequest(mem, 2, 0, 2, SectorSize, true)
	require.Error(t, b.DiskAccess(mem))

	count := func(name string) int64 { return reg.Get(name).(metrics.Counter).Count() }
	assert.Equal(t, int64(1), count("virtio.blk.requests.write"))
	assert.Equal(t, int64(1), count("virtio.blk.requests.read"))
	assert.Equal(t, int64(SectorSize), count("virtio.blk.bytes.written"))
	assert.Equal(t, int64(SectorSize), count("virtio.blk.bytes.read"))
	assert.Equal(t, int64(1), count("virtio.blk.errors.io"))
}
