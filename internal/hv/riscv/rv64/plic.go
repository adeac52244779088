package rv64

import (
	"sync"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers (1024 sources)
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICEnableStride  = 0x80
	PLICThresholdBase = 0x200000 // Threshold and claim per context
	PLICContextStride = 0x1000
)

// PLIC contexts of hart 0
const (
	PLICContextMachine    = 0
	PLICContextSupervisor = 1
	plicContexts          = 2
)

// Maximum number of interrupt sources
const PLICMaxSources = 1024

// PLIC implements the Platform Level Interrupt Controller for a single hart
// with an M-mode and an S-mode context.
type PLIC struct {
	hart *Hart
	mu   sync.Mutex

	// Priority for each source (0-7, 0 = disabled)
	priority [PLICMaxSources]uint32
	pending  [PLICMaxSources / 32]uint32
	enable   [plicContexts][PLICMaxSources / 32]uint32

	threshold [plicContexts]uint32
	claimed   [plicContexts]uint32
}

// NewPLIC creates a PLIC driving hart's external interrupt bits
func NewPLIC(hart *Hart) *PLIC {
	return &PLIC{hart: hart}
}

func sourceBit(source uint32) (word uint32, mask uint32) {
	return source / 32, 1 << (source % 32)
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		if source := offset / 4; source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}
	case offset < PLICEnableBase:
		if word := (offset - PLICPendingBase) / 4; word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}
	case offset < PLICThresholdBase:
		rel := offset - PLICEnableBase
		context, word := rel/PLICEnableStride, (rel%PLICEnableStride)/4
		if context < plicContexts && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[context][word]), nil
		}
	default:
		rel := offset - PLICThresholdBase
		context := rel / PLICContextStride
		if context < plicContexts {
			switch rel % PLICContextStride {
			case 0:
				return uint64(p.threshold[context]), nil
			case 4:
				return uint64(p.claim(int(context))), nil
			}
		}
	}
	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		// Source 0 is reserved
		if source := offset / 4; source > 0 && source < PLICMaxSources {
			p.priority[source] = uint32(value) & 7
		}
	case offset < PLICEnableBase:
		// Pending bits are read-only
	case offset < PLICThresholdBase:
		rel := offset - PLICEnableBase
		context, word := rel/PLICEnableStride, (rel%PLICEnableStride)/4
		if context < plicContexts && word < uint64(len(p.enable[0])) {
			p.enable[context][word] = uint32(value)
		}
	default:
		rel := offset - PLICThresholdBase
		context := rel / PLICContextStride
		if context < plicContexts {
			switch rel % PLICContextStride {
			case 0:
				p.threshold[context] = uint32(value) & 7
			case 4:
				p.complete(int(context), uint32(value))
			}
		}
	}

	p.updateInterrupt()
	return nil
}

// SetPending raises or lowers an interrupt source
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word, mask := sourceBit(source)
	if pending {
		p.pending[word] |= mask
	} else {
		p.pending[word] &^= mask
	}
	p.updateInterrupt()
}

// Pending reports whether source is waiting to be claimed
func (p *PLIC) Pending(source uint32) bool {
	if source == 0 || source >= PLICMaxSources {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	word, mask := sourceBit(source)
	return p.pending[word]&mask != 0
}

// best returns the highest priority source that is pending, enabled for
// context and above its threshold, or 0.
func (p *PLIC) best(context int) uint32 {
	var bestSource, bestPriority uint32
	for source := uint32(1); source < PLICMaxSources; source++ {
		word, mask := sourceBit(source)
		if p.pending[word]&mask == 0 || p.enable[context][word]&mask == 0 {
			continue
		}
		// Higher number wins on the RISC-V PLIC.
		if prio := p.priority[source]; prio > p.threshold[context] && prio > bestPriority {
			bestSource, bestPriority = source, prio
		}
	}
	return bestSource
}

// claim takes the highest priority pending interrupt for a context
func (p *PLIC) claim(context int) uint32 {
	source := p.best(context)
	if source != 0 {
		word, mask := sourceBit(source)
		p.pending[word] &^= mask
		p.claimed[context] = source
	}
	p.updateInterrupt()
	return source
}

// complete signals completion of interrupt handling
func (p *PLIC) complete(context int, source uint32) {
	if source == 0 || source >= PLICMaxSources {
		return
	}
	if p.claimed[context] == source {
		p.claimed[context] = 0
	}
}

// updateInterrupt mirrors the context state into the hart's mip
func (p *PLIC) updateInterrupt() {
	if p.hart == nil {
		return
	}
	if p.best(PLICContextMachine) != 0 {
		p.hart.Mip |= MipMEIP
	} else {
		p.hart.Mip &^= MipMEIP
	}
	if p.best(PLICContextSupervisor) != 0 {
		p.hart.Mip |= MipSEIP
	} else {
		p.hart.Mip &^= MipSEIP
	}
}

var _ Device = (*PLIC)(nil)
