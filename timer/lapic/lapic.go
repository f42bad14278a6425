// Package lapic implements the per-CPU LAPIC timer as a timer.Driver
// (spec.md §4.E). One Driver is constructed per CPU (via Attach,
// called again on each AP's bring-up) since both disableCount (via
// timer.Base) and the calibrated internalFreq are per-CPU state
// (spec.md §9 open question (c)).
package lapic

import (
	"golang.org/x/sys/cpu"

	"github.com/justanotherdot/nanokern/common"
	"github.com/justanotherdot/nanokern/dtree"
	"github.com/justanotherdot/nanokern/timer"
)

const (
	regLVTTimer = 0x320 / 4
	regInitCnt  = 0x380 / 4
	regCurCnt   = 0x390 / 4
	regDivCfg   = 0x3e0 / 4

	lvtMasked   = 1 << 16
	lvtPeriodic = 1 << 17

	// CalDelayNS is the calibration window spec.md §4.E names (10ms).
	CalDelayNS = 10 * 1000 * 1000
)

// dividers are the LAPIC timer's legal divide values, in the fixed
// order spec.md §4.E lists them.
var dividers = []struct {
	code uint32
	div  uint64
}{
	{0b1011, 1}, {0b0000, 2}, {0b0001, 4}, {0b0010, 8},
	{0b0011, 16}, {0b1000, 32}, {0b1001, 64}, {0b1010, 128},
}

// Driver is one CPU's LAPIC timer. _pad keeps per-CPU Driver instances
// on separate cache lines: each AP writes its own internalFreq/divCode
// during bring-up concurrently with every other AP doing the same, and
// false sharing between those writes would show up as calibration
// jitter. Grounded on canonical-snapd's go.mod carrying
// golang.org/x/sys for exactly this kind of low-level CPU
// introspection; x/sys/cpu.CacheLinePad is its stated use for padding
// per-CPU structs.
type Driver struct {
	timer.Base
	mmio         common.MMIO
	vector       uint32
	internalFreq uint64
	divCode      uint32
	_pad         cpu.CacheLinePad
}

// Attach calibrates the LAPIC timer against base (spec.md §4.E):
// programs a one-shot count of 0xFFFFFFFF, busy-waits CalDelayNS as
// measured by base.GetTimeNS, then derives internalFreq from how far
// the count fell. base must support GetTimeNS; attaching against a
// driver that doesn't is NotSupported.
func Attach(node dtree.Node, mmio common.MMIO, base timer.Driver, mask func(bool)) (*Driver, common.Err_t) {
	vector, ok := dtree.Cell32(node, "interrupts")
	if !ok {
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

	start, ok := base.GetTimeNS()
	if !ok {
		return nil, common.ENOSYS
	}

	d := &Driver{mmio: mmio, vector: vector}

	mmio.Write32(regDivCfg, dividers[0].code)
	mmio.Write32(regLVTTimer, vector|lvtMasked)
	mmio.Write32(regInitCnt, 0xffffffff)

	var now uint64
	for {
		now, ok = base.GetTimeNS()
		if ok && now-start >= CalDelayNS {
			break
		}
	}

	remaining := mmio.Read32(regCurCnt)
	elapsedCount := uint64(0xffffffff - remaining)
	elapsedNS := now - start
	if elapsedNS == 0 || elapsedCount == 0 {
		return nil, common.ERANGE
	}
	d.internalFreq = elapsedCount * 1000000000 / elapsedNS

	d.Init(vector, uint64(low), uint64(high), uint64(freq), timer.Hooks{
		Mask:    d.mask,
		Program: d.program,
		Ack:     d.ack,
	})
	if mask != nil {
		mask(true)
	}
	if err := d.program(uint64(freq)); err != common.Err_t(0) {
		return nil, err
	}
	return d, 0
}

// program picks the smallest divider (spec.md §4.E's fixed set) that
// keeps the resulting initial count within 32 bits, then arms periodic
// mode, leaving the LVT mask bit as it was.
func (d *Driver) program(hz uint64) common.Err_t {
	if hz == 0 {
		return common.EINVAL
	}
	for _, dv := range dividers {
		count := d.internalFreq / (hz * dv.div)
		if count > 0 && count <= 0xffffffff {
			masked := d.mmio.Read32(regLVTTimer) & lvtMasked
			d.divCode = dv.code
			d.mmio.Write32(regDivCfg, dv.code)
			d.mmio.Write32(regLVTTimer, d.vector|lvtPeriodic|masked)
			d.mmio.Write32(regInitCnt, uint32(count))
			return 0
		}
	}
	return common.ERANGE
}

func (d *Driver) mask(masked bool) {
	cur := d.mmio.Read32(regLVTTimer)
	if masked {
		cur |= lvtMasked
	} else {
		cur &^= lvtMasked
	}
	d.mmio.Write32(regLVTTimer, cur)
}

// ack writes the LAPIC's end-of-interrupt register so the next tick
// can be delivered (spec.md §4.C).
func (d *Driver) ack() {
	const regEOI = 0xb0 / 4
	d.mmio.Write32(regEOI, 0)
}

// InternalFreq returns the calibrated internal frequency the LAPIC
// timer counts at, for tests and introspection.
func (d *Driver) InternalFreq() uint64 { return d.internalFreq }
