// Package intr implements the interrupt manager of spec.md §3.5/§3.6/
// §4.F: central dispatch, the IRQ↔vector-mapping driver seam, mask
// nesting, and the deferred-ISR worker. Grounded on biscuit's own
// trapstub/IRQ dispatch in src/kernel/main.go, generalized from the
// CPU-specific trap-frame dispatch (out of scope per spec.md §1) down
// to a vector-indexed handler table any caller can drive.
package intr

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/internal/klog"
	"github.com/justanotherdot/nanokern/queue"
)

// HandlerFunc is a registered interrupt handler.
type HandlerFunc func(vector uint32)

// PanicFunc is invoked for the dedicated panic vector and as the
// fallback for any vector with no registered handler (spec.md §4.F).
// By convention it does not return control to the caller; Dispatch
// still returns afterward since a hosted Go goroutine cannot halt the
// way bare-metal trap context can.
type PanicFunc func(vector uint32)

// ControllerDriver is the IRQ controller backend (PIC or IO-APIC, out
// of scope per spec.md §1) the interrupt manager drives abstractly.
// SetDriver installs the real implementation exactly once; until then
// Manager uses a no-op stub (spec.md §4.F).
type ControllerDriver interface {
	IsSpurious(vector uint32) bool
	IRQToVector(irq uint32) (uint32, bool)
	SetMask(irq uint32, masked bool) common.Err_t
	EOI(irq uint32)
}

type stubDriver struct{}

func (stubDriver) IsSpurious(uint32) bool                { return false }
func (stubDriver) IRQToVector(irq uint32) (uint32, bool) { return irq, true }
func (stubDriver) SetMask(uint32, bool) common.Err_t     { return 0 }
func (stubDriver) EOI(uint32)                            {}

// job is a deferred-ISR work item (spec.md §3.6).
type job struct {
	fn  func(arg interface{})
	arg interface{}
}

// Manager is the interrupt dispatch table plus the deferred-ISR
// facility. Construct with NewManager.
type Manager struct {
	mu sync.Mutex

	minVector, maxVector        uint32
	panicVector, spuriousVector uint32
	handlers                    map[uint32]HandlerFunc
	panicHandler                PanicFunc

	driver    ControllerDriver
	driverSet bool

	flagMu  sync.Mutex
	enabled bool

	spuriousCount uint64
	serviced      uint64

	deferMu      sync.Mutex
	deferQ       *queue.Queue
	deferSem     *semaphore.Weighted
	deferStarted bool
}

// NewManager constructs a table spanning [minVector, maxVector] with
// the panic and spurious vectors pre-mapped to panicFn (spec.md §3.5
// invariant: those two vectors are always mapped).
func NewManager(minVector, maxVector, panicVector, spuriousVector uint32, panicFn PanicFunc) *Manager {
	if panicFn == nil {
		panic("intr: panic handler must not be nil")
	}
	return &Manager{
		minVector:      minVector,
		maxVector:      maxVector,
		panicVector:    panicVector,
		spuriousVector: spuriousVector,
		handlers:       make(map[uint32]HandlerFunc),
		panicHandler:   panicFn,
		driver:         stubDriver{},
		enabled:        true,
	}
}

// SetDriver installs the real controller backend. It may be called
// exactly once (spec.md §4.F); a second call is Unauthorized.
func (m *Manager) SetDriver(d ControllerDriver) common.Err_t {
	if d == nil {
		return common.EFAULT
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driverSet {
		return common.EPERM
	}
	m.driver = d
	m.driverSet = true
	return 0
}

func (m *Manager) inRange(vector uint32) bool {
	return vector >= m.minVector && vector <= m.maxVector
}

// Register installs h at vector. The panic/spurious vectors fail with
// AlreadyRegistered wherever they lie; other out-of-range vectors fail
// with UnauthorizedLine; a nil handler is NullPointer; an
// already-occupied slot fails with AlreadyRegistered (spec.md §3.5/§7).
func (m *Manager) Register(vector uint32, h HandlerFunc) common.Err_t {
	if vector == m.panicVector || vector == m.spuriousVector {
		return common.EEXIST
	}
	if !m.inRange(vector) {
		return common.ERANGE
	}
	if h == nil {
		return common.EFAULT
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[vector]; ok {
		return common.EEXIST
	}
	m.handlers[vector] = h
	klog.Tracef("intr: registered vector=%d\n", vector)
	return 0
}

// Remove clears vector's handler. An empty slot, or the reserved
// panic/spurious vectors wherever they lie, fail with NotRegistered
// (spec.md §7); other out-of-range vectors fail with UnauthorizedLine.
func (m *Manager) Remove(vector uint32) common.Err_t {
	if vector == m.panicVector || vector == m.spuriousVector {
		return common.ENOENT
	}
	if !m.inRange(vector) {
		return common.ERANGE
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[vector]; !ok {
		return common.ENOENT
	}
	delete(m.handlers, vector)
	return 0
}

// RegisterIRQ translates irq to a vector via the installed controller
// driver and registers h there. An unmapped IRQ is NoSuchIrq.
func (m *Manager) RegisterIRQ(irq uint32, h HandlerFunc) common.Err_t {
	m.mu.Lock()
	vector, ok := m.driver.IRQToVector(irq)
	m.mu.Unlock()
	if !ok {
		return common.ENOIRQ
	}
	return m.Register(vector, h)
}

// RemoveIRQ is the IRQ-indexed counterpart of Remove.
func (m *Manager) RemoveIRQ(irq uint32) common.Err_t {
	m.mu.Lock()
	vector, ok := m.driver.IRQToVector(irq)
	m.mu.Unlock()
	if !ok {
		return common.ENOIRQ
	}
	return m.Remove(vector)
}

// IRQSetMask enables or disables irq at the controller.
func (m *Manager) IRQSetMask(irq uint32, enabled bool) common.Err_t {
	m.mu.Lock()
	d := m.driver
	m.mu.Unlock()
	return d.SetMask(irq, !enabled)
}

// IRQSetEOI acknowledges irq at the controller.
func (m *Manager) IRQSetEOI(irq uint32) {
	m.mu.Lock()
	d := m.driver
	m.mu.Unlock()
	d.EOI(irq)
}

// Disable masks local-CPU interrupts and returns the previous enabled
// state, for a matching Restore call (spec.md §4.F/§5(b)). In this
// hosted rewrite there is one process-wide flag rather than a true
// per-CPU one — the save/restore pattern itself is what makes nested
// Disable/Restore pairs compose correctly, exactly as it does on real
// hardware's cli/sti pair.
func (m *Manager) Disable() bool {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()
	prev := m.enabled
	m.enabled = false
	return prev
}

// Restore restores the enabled flag to prev, as returned by a prior
// Disable call.
func (m *Manager) Restore(prev bool) {
	m.flagMu.Lock()
	defer m.flagMu.Unlock()
	m.enabled = prev
}

// Dispatch is the central interrupt entry point (spec.md §4.F's
// interrupt_main_handler). The CPU-specific trap-frame/vector
// extraction that precedes this call is out of scope (spec.md §1);
// Dispatch starts from an already-decoded vector. schedule stands in
// for "tail-call the scheduler" (also out of scope): Dispatch always
// invokes it before returning, on every path that doesn't panic.
func (m *Manager) Dispatch(vector uint32, schedule func()) {
	if vector == m.panicVector {
		m.panicHandler(vector)
		return
	}

	m.mu.Lock()
	d := m.driver
	m.mu.Unlock()

	if d.IsSpurious(vector) {
		atomic.AddUint64(&m.spuriousCount, 1)
		d.EOI(vector)
		if schedule != nil {
			schedule()
		}
		return
	}

	m.mu.Lock()
	h, ok := m.handlers[vector]
	m.mu.Unlock()

	if !ok {
		m.panicHandler(vector)
		return
	}

	h(vector)
	atomic.AddUint64(&m.serviced, 1)
	if schedule != nil {
		schedule()
	}
}

// Stats reports the spurious-interrupt and serviced-interrupt
// counters, for the kernel shell (out of scope) and tests to observe
// — the Go analogue of biscuit's own `irqs` global in src/kernel/
// main.go.
func (m *Manager) Stats() (spurious, serviced uint64) {
	return atomic.LoadUint64(&m.spuriousCount), atomic.LoadUint64(&m.serviced)
}

// DeferInit creates the singleton deferred-ISR worker: an unbounded
// intrusive FIFO and a counting semaphore, serviced by one goroutine
// that runs at the highest priority with pinned CPU affinity (spec.md
// §3.6/§4.F). Failure to install it escalates to kernel panic
// (spec.md §7 item 2) rather than returning an error, since the
// system cannot meaningfully continue without it.
func (m *Manager) DeferInit() {
	m.deferMu.Lock()
	defer m.deferMu.Unlock()
	if m.deferStarted {
		panic("intr: deferred-ISR worker already installed")
	}
	m.deferQ = queue.CreateQueue()
	m.deferSem = semaphore.NewWeighted(1 << 30) // unbounded counting semaphore
	// semaphore.Weighted starts fully available (all 1<<30 units free);
	// drain it immediately so availability reflects the empty queue.
	// From here on Release(1)/Acquire(1) are a true post/wait pair: the
	// worker blocks until DeferISR posts one unit per queued job.
	if err := m.deferSem.Acquire(context.Background(), 1<<30); err != nil {
		panic("intr: failed to drain initial deferred-ISR semaphore weight")
	}
	m.deferStarted = true

	go m.deferWorker()
}

func (m *Manager) deferWorker() {
	// LockOSThread approximates the real kernel's pinned-CPU-affinity,
	// highest-priority worker thread; Go's scheduler otherwise gives no
	// such guarantee.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx := context.Background()
	for {
		if err := m.deferSem.Acquire(ctx, 1); err != nil {
			return
		}
		m.deferMu.Lock()
		n, ok := m.deferQ.Pop()
		m.deferMu.Unlock()
		if !ok {
			continue
		}
		j := n.Data.(*job)
		queue.DestroyNode(n)
		j.fn(j.arg)
	}
}

// DeferISR enqueues (fn, arg) for the deferred-ISR worker and is safe
// to call from interrupt context (spec.md §3.6/§4.F): it allocates a
// job record, wraps it in a queue node, pushes it under a short
// critical section, and posts the semaphore.
func (m *Manager) DeferISR(fn func(arg interface{}), arg interface{}) common.Err_t {
	if fn == nil {
		return common.EFAULT
	}
	m.deferMu.Lock()
	if !m.deferStarted {
		m.deferMu.Unlock()
		return common.EPERM
	}
	n := queue.CreateNode(&job{fn: fn, arg: arg})
	err := m.deferQ.Push(n)
	m.deferMu.Unlock()
	if err != 0 {
		return err
	}
	m.deferSem.Release(1)
	return 0
}
