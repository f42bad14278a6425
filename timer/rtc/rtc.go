// Package rtc implements the MC146818 CMOS real-time clock as a
// timer.Driver (spec.md §4.E). Grounded on the same port-I/O seam as
// timer/pit, generalized from biscuit's direct register access.
package rtc

import (
	"sort"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/dtree"
	"github.com/justanotherdot/nanokern/timer"
)

const (
	regA = 0x0a
	regB = 0x0b
	regC = 0x0c

	regBPeriodic = 1 << 6
	nmiDisable   = 1 << 7
)

// rate is one of the 14 discrete CMOS periodic-interrupt rates
// (register A bits 0-3 == 2..15), each halving the frequency of the
// previous (spec.md §4.E).
type rate struct {
	code uint8
	freq uint64
}

var rates = func() []rate {
	rs := make([]rate, 0, 14)
	for code := uint8(2); code <= 15; code++ {
		rs = append(rs, rate{code: code, freq: 32768 >> (code - 1)})
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].freq < rs[j].freq })
	return rs
}()

// Driver is an RTC tick source.
type Driver struct {
	timer.Base
	port            common.PortIO
	indexPort, data uint16
	irqMask         func(masked bool)
	enabled         bool
}

// Attach reads irq/comm/freq/freq-range from node. irqMask is the
// interrupt manager's IO-APIC mask hook for this IRQ (RTC additionally
// gates its own periodic interrupt through register B, composed with
// irqMask in the Hooks.Mask callback below).
func Attach(node dtree.Node, port common.PortIO, irqMask func(masked bool)) (*Driver, common.Err_t) {
	irq, _, ok := dtree.Cell32Pair(node, "interrupts")
	if !ok {
		return nil, common.EINVAL
	}
	indexPort, dataPort, ok := dtree.Cell32Pair(node, "comm")
	if !ok {
		return nil, common.EINVAL
	}
	freq, ok := dtree.Cell32(node, "freq")
	if !ok {
		return nil, common.EINVAL
	}
	low, high, ok := dtree.Cell32Pair(node, "freq-range")
	if !ok {
		low, high = uint32(rates[0].freq), uint32(rates[len(rates)-1].freq)
	}

	d := &Driver{port: port, indexPort: uint16(indexPort), data: uint16(dataPort), irqMask: irqMask}
	d.Init(irq, uint64(low), uint64(high), uint64(freq), timer.Hooks{
		Mask:    d.mask,
		Program: d.program,
		Ack:     d.ack,
	})
	if irqMask != nil {
		irqMask(true)
	}
	if err := d.program(uint64(freq)); err != common.Err_t(0) {
		return nil, err
	}
	return d, 0
}

// program picks the smallest table frequency >= hz and writes its rate
// code into register A (spec.md §4.E).
func (d *Driver) program(hz uint64) common.Err_t {
	var chosen *rate
	for i := range rates {
		if rates[i].freq >= hz {
			chosen = &rates[i]
			break
		}
	}
	if chosen == nil {
		return common.EINVAL
	}
	d.port.Out8(d.indexPort, nmiDisable|regA)
	cur := d.port.In8(d.data)
	d.port.Out8(d.indexPort, nmiDisable|regA)
	d.port.Out8(d.data, (cur&^0x0f)|chosen.code)
	return 0
}

func (d *Driver) mask(masked bool) {
	d.port.Out8(d.indexPort, nmiDisable|regB)
	cur := d.port.In8(d.data)
	if masked {
		cur &^= regBPeriodic
	} else {
		cur |= regBPeriodic
	}
	d.port.Out8(d.indexPort, nmiDisable|regB)
	d.port.Out8(d.data, cur)
	d.enabled = !masked
	if d.irqMask != nil {
		d.irqMask(masked)
	}
}

// ack reads register C, which the RTC requires before it will raise
// its next periodic interrupt (spec.md §4.E — omitting this "ack_tick"
// permanently mutes the source per spec.md §4.C).
func (d *Driver) ack() {
	d.port.Out8(d.indexPort, regC)
	d.port.In8(d.data)
}
