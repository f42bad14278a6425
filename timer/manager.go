package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/internal/klog"
)

// Slot names the fixed registry slots of spec.md §3.4. LAGGING and AUX
// name the same slot (spec.md §9 open question (b): some commits use
// LAGGING_TIMER, others AUX_TIMER); this repo picks one name, SlotAux,
// and treats SlotLagging as an alias.
type Slot int

const (
	SlotMain Slot = iota
	SlotRTC
	SlotAux
)

// SlotLagging is an alias for SlotAux (spec.md §9 open question (b)).
const SlotLagging = SlotAux

// RTCCallback is invoked once per wall-clock tick after the RTC
// driver's own handler runs (spec.md §4.D "register_rtc_manager").
type RTCCallback func()

// Manager is the registry of tick sources and the uptime/wait surface
// built on top of them (spec.md §3.4/§4.D). The zero value is ready to
// use.
type Manager struct {
	mu          sync.Mutex
	main        Driver
	rtc         Driver
	aux         []Driver
	rtcCallback RTCCallback

	mainTicks uint64 // updated atomically from MAIN's handler
}

// AddTimer registers driver into slot. MAIN and RTC accept at most one
// driver each and fail with AlreadyRegistered on a second call; AUX
// accumulates (spec.md §4.D). Once MAIN is filled it never changes.
func (m *Manager) AddTimer(d Driver, slot Slot) common.Err_t {
	if d == nil {
		return common.EFAULT
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch slot {
	case SlotMain:
		if m.main != nil {
			return common.EEXIST
		}
		m.main = d
		if err := d.SetHandler(m.tickMain); err != 0 {
			m.main = nil
			return err
		}
	case SlotRTC:
		if m.rtc != nil {
			return common.EEXIST
		}
		m.rtc = d
		if err := d.SetHandler(m.tickRTC); err != 0 {
			m.rtc = nil
			return err
		}
	case SlotAux:
		m.aux = append(m.aux, d)
	default:
		return common.EINVAL
	}
	klog.Tracef("timer: registered driver irq=%d into slot %d\n", d.GetIRQ(), slot)
	return 0
}

func (m *Manager) tickMain() {
	atomic.AddUint64(&m.mainTicks, 1)
}

func (m *Manager) tickRTC() {
	m.mu.Lock()
	cb := m.rtcCallback
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// RegisterRTCManager attaches a per-tick callback invoked after every
// RTC tick (spec.md §4.D).
func (m *Manager) RegisterRTCManager(fn RTCCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rtcCallback = fn
}

// GetUptimeNS returns a monotone uptime derived from MAIN's tick count
// and frequency (spec.md §4.D, §8 invariant 6). atomic.LoadUint64
// gives a torn-free 64-bit read on every platform this module targets,
// satisfying spec.md §4.D's "atomic 64-bit load where available"
// alternative to the double-read-and-retry technique.
func (m *Manager) GetUptimeNS() uint64 {
	m.mu.Lock()
	main := m.main
	m.mu.Unlock()
	if main == nil {
		return 0
	}
	ticks := atomic.LoadUint64(&m.mainTicks)
	freq := main.GetFrequency()
	if freq == 0 {
		return 0
	}
	return ticks * uint64(time.Second) / freq
}

// WaitNoScheduler spin-waits for ns nanoseconds using the AUX/LAGGING
// base and never yields to a scheduler, so it is safe to call with
// interrupts disabled during CPU bring-up (spec.md §4.D). If no AUX
// driver is registered, or none supports GetTimeNS, it spins against
// the host's own monotonic clock instead — the only base always
// available in a hosted rewrite.
func (m *Manager) WaitNoScheduler(ns uint64) {
	m.mu.Lock()
	var base Driver
	for _, d := range m.aux {
		if _, ok := d.GetTimeNS(); ok {
			base = d
			break
		}
	}
	m.mu.Unlock()

	if base == nil {
		deadline := time.Now().Add(time.Duration(ns))
		for time.Now().Before(deadline) {
		}
		return
	}

	start, _ := base.GetTimeNS()
	for {
		now, _ := base.GetTimeNS()
		if now-start >= ns {
			return
		}
	}
}

// Main returns the MAIN slot's driver, or nil if unfilled.
func (m *Manager) Main() Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main
}

// RTC returns the RTC slot's driver, or nil if unfilled.
func (m *Manager) RTC() Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtc
}

// Aux returns a snapshot of the AUX/LAGGING slot's accumulated drivers.
func (m *Manager) Aux() []Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Driver, len(m.aux))
	copy(out, m.aux)
	return out
}
