package rtc_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/dtree"
	"github.com/justanotherdot/nanokern/timer/rtc"
)

func Test(t *testing.T) { TestingT(t) }

type RTCSuite struct{}

var _ = Suite(&RTCSuite{})

type fakePort struct {
	regs     map[uint8]uint8
	selected uint8
	reads    int
}

func newFakePort() *fakePort { return &fakePort{regs: map[uint8]uint8{}} }

func (p *fakePort) Out8(port uint16, v uint8) {
	if port == 0x70 {
		p.selected = v &^ 0x80
		return
	}
	p.regs[p.selected] = v
}

func (p *fakePort) In8(port uint16) uint8 {
	if port == 0x71 {
		if p.selected == 0x0c {
			p.reads++
		}
		return p.regs[p.selected]
	}
	return 0
}

func fixtureNode(freq uint32) dtree.MapNode {
	n := dtree.MapNode{}
	dtree.PutCell32Pair(n, "interrupts", 0, 40)
	dtree.PutCell32Pair(n, "comm", 0x70, 0x71)
	dtree.PutCell32(n, "freq", freq)
	return n
}

func (s *RTCSuite) TestAttachSelectsSmallestSufficientRate(c *C) {
	port := newFakePort()
	d, err := rtc.Attach(fixtureNode(100), port, nil)
	c.Assert(err, Equals, common.Err_t(0))
	c.Assert(d.GetFrequency(), Equals, uint64(100))
	// register A low nibble holds the chosen rate code
	c.Assert(port.regs[0x0a]&0x0f != 0, Equals, true)
}

func (s *RTCSuite) TestEnableWritesRegisterBAndAckReadsRegisterC(c *C) {
	port := newFakePort()
	d, err := rtc.Attach(fixtureNode(2), port, nil)
	c.Assert(err, Equals, common.Err_t(0))

	d.Enable()
	c.Assert(port.regs[0x0b]&0x40, Equals, uint8(0x40))

	d.AckTick()
	c.Assert(port.reads, Equals, 1)
}
