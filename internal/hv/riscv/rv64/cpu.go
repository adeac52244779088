// Package rv64 hosts memory-mapped devices on a RISC-V (RV64) physical
// address map: RAM, a PLIC and the legacy virtio-mmio block device. It stands
// in for the instruction emulator when driving the devices.
package rv64

import (
	"encoding/binary"
	"fmt"
)

// Memory layout constants
const (
	RAMBase    uint64 = 0x8000_0000 // RAM starts at 2GB
	PLICBase   uint64 = 0x0c00_0000 // Platform Level Interrupt Controller
	PLICSize   uint64 = 0x0400_0000
	VirtIOBase uint64 = 0x1000_1000 // VirtIO block device
	VirtIOSize uint64 = 0x0000_1000
)

// VirtIOIRQ is the PLIC source wired to the virtio block device.
const VirtIOIRQ uint32 = 1

// mip bits driven by the PLIC
const (
	MipSEIP uint64 = 1 << 9  // Supervisor external interrupt pending
	MipMEIP uint64 = 1 << 11 // Machine external interrupt pending
)

// Exception causes
const (
	CauseLoadAccessFault  uint64 = 5
	CauseStoreAccessFault uint64 = 7
)

var cpuEndian = binary.LittleEndian

// Hart is the interrupt-visible state of a hart. Instruction execution lives
// with the caller; the machine only drives the external interrupt bits.
type Hart struct {
	Mip uint64
}

// ExceptionError represents a CPU exception
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: cause=%d tval=0x%x", e.Cause, e.Tval)
}

// Exception creates an exception with the given cause and tval
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}
