package rv64

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vblk/internal/devices/virtio"
)

// Machine is a RISC-V physical address map with RAM, a PLIC and a virtio
// block device. Guest loads and stores go through Load and Store; the
// instruction emulator calls PollInterrupts between instructions.
//
// mu serializes every entry point, so the block device's id allocation and
// used ring update are never interleaved.
type Machine struct {
	mu sync.Mutex

	Hart Hart
	Bus  *Bus
	PLIC *PLIC
	Blk  *virtio.Blk

	log *slog.Logger
}

// NewMachine creates a machine with ramSize bytes of RAM at RAMBase and blk
// mapped at VirtIOBase.
func NewMachine(ramSize uint64, blk *virtio.Blk, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		Bus: NewBus(ramSize),
		Blk: blk,
		log: log,
	}
	m.PLIC = NewPLIC(&m.Hart)

	m.Bus.AddDevice(PLICBase, m.PLIC)
	m.Bus.AddDevice(VirtIOBase, blk)
	return m
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Bus.LoadBytes(addr, data)
}

// ReadBytes copies memory at the given physical address into p
func (m *Machine) ReadBytes(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Bus.ReadBytes(addr, p)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Load performs a guest load of size bytes. Unmapped addresses and accesses
// a device refuses come back as a load access fault exception.
func (m *Machine) Load(addr uint64, size int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, err := m.Bus.Read(addr, size)
	if err != nil {
		return 0, m.fault(CauseLoadAccessFault, addr, size, err)
	}
	return val, nil
}

// Store performs a guest store of size bytes. Protocol violations reported
// by a device are logged and the store retires; everything else becomes a
// store access fault exception.
func (m *Machine) Store(addr uint64, size int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.Bus.Write(addr, size, value)
	if err == nil {
		return nil
	}
	var perr *virtio.ProtocolError
	if errors.As(err, &perr) {
		m.log.Warn("guest protocol violation",
			"addr", fmt.Sprintf("%#x", addr), "register", perr.Register,
			"value", fmt.Sprintf("%#x", perr.Value), "reason", perr.Reason)
		return nil
	}
	return m.fault(CauseStoreAccessFault, addr, size, err)
}

func (m *Machine) fault(cause uint64, addr uint64, size int, err error) error {
	m.log.Debug("guest access fault",
		"cause", cause, "addr", fmt.Sprintf("%#x", addr), "size", size, "err", err)
	return Exception(cause, addr)
}

// PollInterrupts services a pending queue notify: the block device performs
// the request and, once it raised its used buffer cause, the PLIC source is
// asserted. A request that failed after completing (out of bounds transfer)
// still raises the interrupt; its error is returned for the host to report.
func (m *Machine) PollInterrupts() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Blk.IsInterrupting() {
		return nil
	}
	err := m.Blk.DiskAccess(m.Bus)
	if m.Blk.InterruptStatus()&virtio.VIRTIO_MMIO_INT_VRING != 0 {
		m.PLIC.SetPending(VirtIOIRQ, true)
	}
	if err != nil {
		return fmt.Errorf("virtio disk access: %w", err)
	}
	return nil
}

// ExternalInterruptPending reports the PLIC-driven mip bits.
func (m *Machine) ExternalInterruptPending() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Hart.Mip & (MipMEIP | MipSEIP)
}
