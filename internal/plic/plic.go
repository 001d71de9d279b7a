// Package plic virtualizes a PLIC-class interrupt controller. The PLIC's
// MMIO window is deliberately withheld from the G-stage map, so every guest
// access traps as a guest-page-fault and lands here via the trap
// dispatcher, which decodes the faulting offset and calls Read/Write.
package plic

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Register offsets within the PLIC MMIO window.
const (
	PriorityBase  = 0x000000
	PendingBase   = 0x001000
	EnableBase    = 0x002000
	ThresholdBase = 0x200000
	ContextStride = 0x1000
	enableStride  = 0x80
)

// MaxSources is the number of interrupt source slots modeled.
const MaxSources = 1024

// ErrInvalidAddress is returned for offsets outside the PLIC window.
var ErrInvalidAddress = errors.New("plic: invalid address")

// ErrInvalidContextID is returned for a context beyond the configured count.
var ErrInvalidContextID = errors.New("plic: invalid context id")

// ErrReservedRegister is returned for reserved offsets within an otherwise
// valid region.
var ErrReservedRegister = errors.New("plic: reserved register")

// PLIC models the virtualized priority/pending/enable/threshold/claim state
// for a configurable number of per-hart, per-privilege contexts.
type PLIC struct {
	mu sync.Mutex

	log *logrus.Entry

	numContexts int

	priority  [MaxSources]uint32
	pending   [MaxSources / 32]uint32
	enable    [][MaxSources / 32]uint32
	threshold []uint32
	claimed   []uint32
}

// New creates a PLIC virtualization with the given number of contexts
// (context-id = hart × privilege).
func New(numContexts int, log *logrus.Entry) *PLIC {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PLIC{
		numContexts: numContexts,
		enable:      make([][MaxSources / 32]uint32, numContexts),
		threshold:   make([]uint32, numContexts),
		claimed:     make([]uint32, numContexts),
		log:         log.WithField("component", "plic"),
	}
}

// SetPending marks source as pending or not, mirroring the hardware's
// upstream interrupt line state into the cached bitmap the guest's
// read-only Pending loads observe.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= MaxSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	word, bit := source/32, source%32
	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}
}

// Claim runs the highest-priority-pending-above-threshold scan for context
// and latches the result into that context's claim slot. Called by the
// trap dispatcher when it observes a SupervisorExternal interrupt;
// a subsequent guest read of the claim/complete register drains the slot
// via Read.
func (p *PLIC) Claim(context int) (uint32, error) {
	if context < 0 || context >= p.numContexts {
		return 0, ErrInvalidContextID
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var bestSource, bestPriority uint32
	for source := uint32(1); source < MaxSources; source++ {
		word, bit := source/32, source%32
		if p.pending[word]&(1<<bit) == 0 {
			continue
		}
		if p.enable[context][word]&(1<<bit) == 0 {
			continue
		}
		if p.priority[source] <= p.threshold[context] {
			continue
		}
		if p.priority[source] > bestPriority {
			bestPriority = p.priority[source]
			bestSource = source
		}
	}
	if bestSource != 0 {
		word, bit := bestSource/32, bestSource%32
		p.pending[word] &^= 1 << bit
		p.claimed[context] = bestSource
		p.log.WithFields(logrus.Fields{"context": context, "source": bestSource}).Debug("claimed interrupt")
	}
	return bestSource, nil
}

// WindowSize returns the total size of the PLIC MMIO window this
// configuration occupies, used by callers to reject offsets outside it
// with ErrInvalidAddress before calling Read/Write.
func (p *PLIC) WindowSize() uint64 {
	return ThresholdBase + uint64(p.numContexts)*ContextStride
}

// Read implements the guest-facing MMIO load for the offset within the
// PLIC window. Idempotence: once a claim/complete read has drained a context's claim
// slot, repeated reads return 0 until the next Claim.
func (p *PLIC) Read(offset uint64) (uint32, error) {
	if offset >= p.WindowSize() {
		return 0, ErrInvalidAddress
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		source := offset / 4
		if source >= MaxSources {
			return 0, ErrReservedRegister
		}
		return p.priority[source], nil

	case offset < EnableBase:
		word := (offset - PendingBase) / 4
		if word >= uint64(len(p.pending)) {
			return 0, ErrReservedRegister
		}
		return p.pending[word], nil

	case offset < ThresholdBase:
		rel := offset - EnableBase
		context := int(rel / enableStride)
		word := (rel % enableStride) / 4
		if context >= p.numContexts {
			return 0, ErrInvalidContextID
		}
		if word >= uint64(len(p.enable[0])) {
			return 0, ErrReservedRegister
		}
		return p.enable[context][word], nil

	default:
		rel := offset - ThresholdBase
		context := int(rel / ContextStride)
		reg := rel % ContextStride
		if context >= p.numContexts {
			return 0, ErrInvalidContextID
		}
		switch reg {
		case 0:
			return p.threshold[context], nil
		case 4:
			v := p.claimed[context]
			p.claimed[context] = 0
			return v, nil
		default:
			return 0, ErrReservedRegister
		}
	}
}

// Write implements the guest-facing MMIO store for the offset within the
// PLIC window.
func (p *PLIC) Write(offset uint64, value uint32) error {
	if offset >= p.WindowSize() {
		return ErrInvalidAddress
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PendingBase:
		source := offset / 4
		if source == 0 || source >= MaxSources {
			return nil
		}
		p.priority[source] = value & 7

	case offset < EnableBase:
		// Pending is read-only to the guest; a store is a reported no-op.
		return nil

	case offset < ThresholdBase:
		rel := offset - EnableBase
		context := int(rel / enableStride)
		word := (rel % enableStride) / 4
		if context >= p.numContexts {
			return ErrInvalidContextID
		}
		if word >= uint64(len(p.enable[0])) {
			return ErrReservedRegister
		}
		p.enable[context][word] = value

	default:
		rel := offset - ThresholdBase
		context := int(rel / ContextStride)
		reg := rel % ContextStride
		if context >= p.numContexts {
			return ErrInvalidContextID
		}
		switch reg {
		case 0:
			p.threshold[context] = value & 7
		case 4:
			// Complete: forward as an EOI, clearing the claim if it matches.
			if p.claimed[context] == value {
				p.claimed[context] = 0
			}
		default:
			return ErrReservedRegister
		}
	}
	return nil
}
