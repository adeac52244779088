package virtio

import "github.com/rcrowley/go-metrics"

type blkMetrics struct {
	notifies     metrics.Counter
	resets       metrics.Counter
	reads        metrics.Counter
	writes       metrics.Counter
	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
	ioErrors     metrics.Counter
}

// newBlkMetrics registers the device counters in r. A nil registry yields
// no-op counters.
func newBlkMetrics(r metrics.Registry) *blkMetrics {
	if r == nil {
		return &blkMetrics{
			notifies:     metrics.NilCounter{},
			resets:       metrics.NilCounter{},
			reads:        metrics.NilCounter{},
			writes:       metrics.NilCounter{},
			bytesRead:    metrics.NilCounter{},
			bytesWritten: metrics.NilCounter{},
			ioErrors:     metrics.NilCounter{},
		}
	}
	return &blkMetrics{
		notifies:     metrics.GetOrRegisterCounter("virtio.blk.notifies", r),
		resets:       metrics.GetOrRegisterCounter("virtio.blk.resets", r),
		reads:        metrics.GetOrRegisterCounter("virtio.blk.requests.read", r),
		writes:       metrics.GetOrRegisterCounter("virtio.blk.requests.write", r),
		bytesRead:    metrics.GetOrRegisterCounter("virtio.blk.bytes.read", r),
		bytesWritten: metrics.GetOrRegisterCounter("virtio.blk.bytes.written", r),
		ioErrors:     metrics.GetOrRegisterCounter("virtio.blk.errors.io", r),
	}
}
