// Package pit implements the 8253/8254 Programmable Interval Timer as
// a timer.Driver (spec.md §4.E). Grounded on biscuit's own port-I/O
// style hardware glue in src/kernel/main.go (direct register writes
// gated by a device-tree-supplied configuration) generalized behind
// the common.PortIO seam instead of inline assembly.
package pit

import (
	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/dtree"
	"github.com/justanotherdot/nanokern/timer"
)

// mode 3 (square wave), channel 0, lobyte/hibyte access
const mode3Cmd = 0x36

// Driver is a PIT tick source. disableCount is global to the PIT
// (spec.md §9 open question (c): PIT's count is global, not per-CPU).
type Driver struct {
	timer.Base
	port               common.PortIO
	cmdPort, dataPort  uint16
	quartz             uint64
}

// Attach reads irq/comm/quartz-freq/freq/freq-range from node and
// constructs a PIT driver, masked (disableCount == 1) until the first
// Enable (spec.md §4.E state machine). mask is the interrupt
// manager's IRQ mask hook, since the PIT itself has no per-line mask
// register — that lives on the IO-APIC/PIC the interrupt manager
// owns.
func Attach(node dtree.Node, port common.PortIO, mask func(masked bool)) (*Driver, common.Err_t) {
	irq, _, ok := dtree.Cell32Pair(node, "interrupts")
	if !ok {
		return nil, common.EINVAL
	}
	cmdPort, dataPort, ok := dtree.Cell32Pair(node, "comm")
	if !ok {
		return nil, common.EINVAL
	}
	quartz, ok := dtree.Cell32(node, "quartz-freq")
	if !ok || quartz == 0 {
		return nil, common.EINVAL
	}
	freq, ok := dtree.Cell32(node, "freq")
	if !ok {
		return nil, common.EINVAL
	}
	low, high, ok := dtree.Cell32Pair(node, "freq-range")
	if !ok {
		return nil, common.EINVAL
	}

	d := &Driver{
		port:     port,
		cmdPort:  uint16(cmdPort),
		dataPort: uint16(dataPort),
		quartz:   uint64(quartz),
	}
	d.Init(irq, uint64(low), uint64(high), uint64(freq), timer.Hooks{
		Mask:    mask,
		Program: d.program,
		Ack:     func() {}, // edge-triggered through the IO-APIC; nothing device-side to re-arm
	})
	if mask != nil {
		mask(true) // attach masks the IRQ (spec.md §4.E: attach fills config and masks)
	}
	if err := d.program(uint64(freq)); err != common.Err_t(0) {
		return nil, err
	}
	return d, 0
}

func (d *Driver) program(hz uint64) common.Err_t {
	if hz == 0 {
		return common.EINVAL
	}
	divider := d.quartz / hz
	if divider == 0 || divider > 0xffff {
		return common.EINVAL
	}
	d.port.Out8(d.cmdPort, mode3Cmd)
	d.port.Out8(d.dataPort, uint8(divider&0xff))
	d.port.Out8(d.dataPort, uint8((divider>>8)&0xff))
	return 0
}
