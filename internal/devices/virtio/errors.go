package virtio

import (
	"errors"
	"fmt"
)

// AccessOp identifies the direction of a rejected register access.
type AccessOp int

const (
	AccessLoad AccessOp = iota
	AccessStore
)

func (op AccessOp) String() string {
	if op == AccessStore {
		return "store"
	}
	return "load"
}

// AccessFault is returned for register accesses the device does not decode:
// unknown offsets, doubleword widths and multi-byte config space accesses.
// Hosts are expected to turn it into a load/store access fault trap.
type AccessFault struct {
	Op     AccessOp
	Offset uint64
	Size   int
}

func (e *AccessFault) Error() string {
	return fmt.Sprintf("virtio-blk: %s access fault offset=%#x size=%d", e.Op, e.Offset, e.Size)
}

// ProtocolError reports a register write carrying a value the legacy
// protocol does not allow. The write is dropped; the device keeps running.
type ProtocolError struct {
	Register string
	Value    uint64
	Reason   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("virtio-blk: protocol violation on %s value=%#x: %s", e.Register, e.Value, e.Reason)
}

// TransferBoundsError is returned when a request addresses bytes outside the
// backing store.
type TransferBoundsError struct {
	Sector   uint64
	Length   uint32
	DiskSize uint64
}

func (e *TransferBoundsError) Error() string {
	return fmt.Sprintf("virtio-blk: transfer out of bounds sector=%d len=%d disk=%d", e.Sector, e.Length, e.DiskSize)
}

// ChainError describes a descriptor chain the device cannot serve.
type ChainError struct {
	Head   uint16
	Length int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("virtio-blk: bad descriptor chain head=%d len=%d: %s", e.Head, e.Length, e.Reason)
}

// ErrQueueNotConfigured is returned by DiskAccess while Queue PFN is zero.
var ErrQueueNotConfigured = errors.New("virtio-blk: queue not configured")
