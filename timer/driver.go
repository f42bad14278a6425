// Package timer implements the tick-source contract and the time
// manager of spec.md §3.3/§3.4/§4.C/§4.D. Concrete tick sources (PIT,
// RTC, LAPIC-timer) live in the timer/pit, timer/rtc and timer/lapic
// sub-packages and all implement Driver.
package timer

import (
	"sync"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/internal/klog"
)

// Handler is the per-tick callback a Driver invokes from interrupt
// context. Handlers must not block.
type Handler func()

// Driver is the capability set every tick source exposes (spec.md
// §3.3). SetFrequency and GetTimeNS are optional: a driver that can't
// support them reports so via their own return values rather than the
// caller probing a separate capability bit.
type Driver interface {
	GetFrequency() uint64
	SetFrequency(hz uint64) common.Err_t
	Enable() common.Err_t
	Disable() common.Err_t
	SetHandler(h Handler) common.Err_t
	RemoveHandler()
	AckTick()
	GetTimeNS() (uint64, bool)
	GetIRQ() uint32
}

// Hooks are the hardware-specific seams a concrete driver supplies to
// Base: Mask physically masks/unmasks the IRQ, Program reprograms the
// divisor/rate for a newly accepted frequency, and Ack performs
// whatever device-side action is needed to receive the next tick
// (spec.md §4.C: "omitting it permanently mutes the source").
type Hooks struct {
	Mask    func(masked bool)
	Program func(hz uint64) common.Err_t
	Ack     func()
}

// Base implements the nesting/frequency-range/handler bookkeeping
// common to every concrete tick source, so PIT/RTC/LAPIC-timer only
// need to supply their own Hooks and GetTimeNS. This is the Go
// composition analogue of spec.md §9's "driver polymorphism...
// structures of function pointers" note: the vtable becomes an
// embedded struct plus a small hook table instead of raw function
// pointers.
type Base struct {
	mu sync.Mutex

	irq              uint32
	freqLow, freqHigh uint64
	freq             uint64
	disableCount     int32
	handler          Handler
	hooks            Hooks
}

// Init sets up Base for a driver attached with IRQ irq, legal
// frequency range [low, high], and an initial frequency. The source
// starts masked (disableCount == 1), matching the Attached(disabled)
// state in spec.md §4.E's state machine.
func (b *Base) Init(irq uint32, low, high, initial uint64, hooks Hooks) {
	b.irq = irq
	b.freqLow, b.freqHigh = low, high
	b.freq = initial
	b.disableCount = 1
	b.hooks = hooks
}

func (b *Base) GetIRQ() uint32 { return b.irq }

func (b *Base) GetFrequency() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freq
}

// SetFrequency rejects (no-op, error signaled) any value outside
// [freqLow, freqHigh] (spec.md §4.C). Endpoints are inclusive.
func (b *Base) SetFrequency(hz uint64) common.Err_t {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hz < b.freqLow || hz > b.freqHigh {
		klog.Tracef("timer: irq=%d rejected frequency %d outside [%d,%d]\n", b.irq, hz, b.freqLow, b.freqHigh)
		return common.EINVAL
	}
	if b.hooks.Program != nil {
		if err := b.hooks.Program(hz); err != 0 {
			return err
		}
	}
	b.freq = hz
	return 0
}

// Enable drops disableCount by one, no-op if already enabled, and
// physically unmasks the IRQ only when the count reaches zero
// (spec.md §8 scenario 3).
func (b *Base) Enable() common.Err_t {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disableCount == 0 {
		return 0
	}
	b.disableCount--
	if b.disableCount == 0 && b.hooks.Mask != nil {
		b.hooks.Mask(false)
	}
	return 0
}

// Disable increments disableCount and masks the IRQ.
func (b *Base) Disable() common.Err_t {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disableCount++
	if b.hooks.Mask != nil {
		b.hooks.Mask(true)
	}
	return 0
}

func (b *Base) DisableCount() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disableCount
}

// SetHandler rejects a nil handler and replaces any existing handler
// by removing it first (spec.md §4.C, §9 open question (a): no
// double-install on a failure path, roll back instead).
func (b *Base) SetHandler(h Handler) common.Err_t {
	if h == nil {
		return common.EFAULT
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
	return 0
}

func (b *Base) RemoveHandler() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = nil
}

// Fire is called by the interrupt manager's dispatch path: it invokes
// the installed handler (if any) and then acks the tick so the source
// can raise its next interrupt.
func (b *Base) Fire() {
	b.mu.Lock()
	h := b.handler
	ack := b.hooks.Ack
	b.mu.Unlock()
	if h != nil {
		h()
	}
	if ack != nil {
		ack()
	}
}

func (b *Base) AckTick() {
	b.mu.Lock()
	ack := b.hooks.Ack
	b.mu.Unlock()
	if ack != nil {
		ack()
	}
}

// GetTimeNS has no default: most sources don't support it. Concrete
// drivers that do (e.g. a base timer used for LAPIC calibration)
// shadow this method with their own.
func (b *Base) GetTimeNS() (uint64, bool) {
	return 0, false
}
