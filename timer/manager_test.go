package timer_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/timer"
)

func Test(t *testing.T) { TestingT(t) }

type ManagerSuite struct{}

var _ = Suite(&ManagerSuite{})

// fakeDriver is a minimal Driver for exercising Manager and Base
// without any real hardware.
type fakeDriver struct {
	timer.Base
	masked bool
	acked  int
}

func newFakeDriver(irq uint32, low, high, initial uint64) *fakeDriver {
	d := &fakeDriver{masked: true}
	d.Init(irq, low, high, initial, timer.Hooks{
		Mask: func(m bool) { d.masked = m },
		Ack:  func() { d.acked++ },
	})
	return d
}

func (s *ManagerSuite) TestAddTimerMainOnce(c *C) {
	var m timer.Manager
	d1 := newFakeDriver(0, 10, 100, 50)
	d2 := newFakeDriver(0, 10, 100, 50)

	c.Assert(m.AddTimer(d1, timer.SlotMain), Equals, common.Err_t(0))
	c.Assert(m.AddTimer(d2, timer.SlotMain), Equals, common.EEXIST)
	c.Assert(m.Main(), Equals, timer.Driver(d1))
}

func (s *ManagerSuite) TestAddTimerAuxAccumulates(c *C) {
	var m timer.Manager
	d1 := newFakeDriver(1, 10, 100, 50)
	d2 := newFakeDriver(2, 10, 100, 50)
	c.Assert(m.AddTimer(d1, timer.SlotAux), Equals, common.Err_t(0))
	c.Assert(m.AddTimer(d2, timer.SlotLagging), Equals, common.Err_t(0))
	c.Assert(len(m.Aux()), Equals, 2)
}

func (s *ManagerSuite) TestUptimeMonotone(c *C) {
	var m timer.Manager
	d := newFakeDriver(0, 10, 1000, 1000)
	c.Assert(m.AddTimer(d, timer.SlotMain), Equals, common.Err_t(0))
	d.Enable()

	u1 := m.GetUptimeNS()
	d.Fire()
	d.Fire()
	u2 := m.GetUptimeNS()
	c.Assert(u2 >= u1, Equals, true)
}

func (s *ManagerSuite) TestRTCCallbackFires(c *C) {
	var m timer.Manager
	d := newFakeDriver(8, 1, 100, 2)
	c.Assert(m.AddTimer(d, timer.SlotRTC), Equals, common.Err_t(0))

	fired := 0
	m.RegisterRTCManager(func() { fired++ })
	d.Fire()
	d.Fire()
	c.Assert(fired, Equals, 2)
	c.Assert(d.acked, Equals, 2)
}

func (s *ManagerSuite) TestWaitNoSchedulerReturns(c *C) {
	var m timer.Manager
	m.WaitNoScheduler(1) // 1ns: must return promptly via the host-clock fallback
}

// spec.md §8 scenario 3: IRQ masking nesting.
func (s *ManagerSuite) TestIRQNesting(c *C) {
	d := newFakeDriver(0, 10, 100, 50)
	c.Assert(d.DisableCount(), Equals, int32(1))
	c.Assert(d.masked, Equals, true)

	d.Enable()
	c.Assert(d.masked, Equals, false)

	d.Disable()
	d.Disable()
	c.Assert(d.masked, Equals, true)

	d.Enable()
	c.Assert(d.masked, Equals, true)

	d.Enable()
	c.Assert(d.masked, Equals, false)
}

func (s *ManagerSuite) TestSetFrequencyBoundaries(c *C) {
	d := newFakeDriver(0, 10, 100, 50)
	c.Assert(d.SetFrequency(10), Equals, common.Err_t(0))
	c.Assert(d.SetFrequency(100), Equals, common.Err_t(0))
	c.Assert(d.SetFrequency(9), Equals, common.EINVAL)
	c.Assert(d.SetFrequency(101), Equals, common.EINVAL)
}

func (s *ManagerSuite) TestSetHandlerRejectsNil(c *C) {
	d := newFakeDriver(0, 10, 100, 50)
	c.Assert(d.SetHandler(nil), Equals, common.EFAULT)
}
