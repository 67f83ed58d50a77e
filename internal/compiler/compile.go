// Package compiler lowers a circuit into a sequencer program for one
// hardware profile.
//
// Lowering happens in two passes: every gate becomes a list of abstract
// operations (label, channel pattern, counters, duration, optional phase),
// and each abstract operation is then turned into timed instructions.
package compiler

import (
	"sort"

	"github.com/pkg/errors"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

// MaxEnabledCounters is how many distinct counters one program may read.
const MaxEnabledCounters = sequencer.MaxCounterID

const (
	// Instructions already issued before the wait of a phase change.
	phaseHeadCycles = 1
	// Instructions already issued before the wait of a pulse.
	pulseHeadCycles = 2
)

// Compile builds the sequencer program for c on p.
func Compile(c models.Circuit, p *profile.Profile) (*sequencer.Program, error) {
	if err := checkCircuit(c, p); err != nil {
		return nil, err
	}
	ops, err := abstractOperations(c, p)
	if err != nil {
		return nil, err
	}
	if err := checkCounters(ops, p); err != nil {
		return nil, err
	}

	l := &lowering{profile: p, prog: sequencer.NewProgram()}
	for reg := 0; reg < sequencer.NumRegisters; reg++ {
		l.prog.LoadImmediate(uint8(reg), 0)
	}
	if err := l.lower(ops[0]); err != nil {
		return nil, err
	}
	entry := l.prog.Len()
	for _, op := range ops[1:] {
		if err := l.lower(op); err != nil {
			return nil, err
		}
		if l.prog.Len() > sequencer.MaxInstructions {
			return nil, apperr.Newf(apperr.ProgramTooLarge, "program exceeds %d instructions at %s", sequencer.MaxInstructions, op.label)
		}
	}
	if c.Shots > 1 {
		l.prog.Add(sequencer.ShotRegister, sequencer.ShotRegister, 1)
		l.prog.BranchIfLessThan(entry, sequencer.ShotRegister, uint32(c.Shots))
	}
	l.prog.Stop()
	l.prog.FIFOWrites = l.fifoWrites
	return l.prog, nil
}

func checkCircuit(c models.Circuit, p *profile.Profile) error {
	if c.Shots < 1 {
		return apperr.Newf(apperr.InvalidCircuit, "shots must be at least 1, got %d", c.Shots)
	}
	if c.Shots > p.MaxShots {
		return apperr.Newf(apperr.InvalidCircuit, "%d shots exceed the %s limit of %d", c.Shots, p.Name, p.MaxShots)
	}
	if c.NumQubits < 1 {
		return apperr.Newf(apperr.InvalidCircuit, "num_qubits must be at least 1, got %d", c.NumQubits)
	}
	for i, layer := range c.Layers {
		for _, g := range layer {
			for _, q := range g.Qargs {
				if q < 0 || q >= c.NumQubits {
					return apperr.Newf(apperr.InvalidCircuit, "layer %d: %s acts on qubit %d outside 0..%d", i, g.Op, q, c.NumQubits-1)
				}
			}
		}
	}
	return nil
}

// abstractOperations returns the whole body in program order, starting with
// the one-time sequencer initialization.
func abstractOperations(c models.Circuit, p *profile.Profile) ([]operation, error) {
	ops := []operation{sequencerInitialize(p), cooling(p), qubitInitialize(p)}
	for i, layer := range c.Layers {
		groups := make([][]operation, 0, len(layer))
		for _, g := range layer {
			gops, err := gateOperations(p, g)
			if err != nil {
				return nil, errors.WithMessagef(err, "layer %d", i)
			}
			groups = append(groups, gops)
		}
		ops = append(ops, mergeLayer(groups...)...)
	}
	return append(ops, sequencerEnd(p)), nil
}

func checkCounters(ops []operation, p *profile.Profile) error {
	distinct := make(map[string]struct{})
	for _, op := range ops {
		for _, name := range op.enabledCounters() {
			if _, ok := p.Counters[name]; !ok {
				return apperr.Newf(apperr.InvalidProfile, "%s: unknown counter %q", op.label, name)
			}
			distinct[name] = struct{}{}
		}
	}
	if len(distinct) > MaxEnabledCounters {
		return apperr.Newf(apperr.TooManyCounters, "%d distinct counters enabled, at most %d supported", len(distinct), MaxEnabledCounters)
	}
	return nil
}

type lowering struct {
	profile    *profile.Profile
	prog       *sequencer.Program
	fifoWrites int
}

func (l *lowering) lower(op operation) error {
	l.prog.Mark(op.label, l.prog.Len())
	if op.labelOnly {
		return nil
	}
	if op.phase != nil {
		if err := l.setPhase(*op.phase); err != nil {
			return errors.WithMessage(err, op.label)
		}
	}
	var err error
	if enabled := op.enabledCounters(); len(enabled) > 0 {
		err = l.countedPulse(op, enabled)
	} else {
		err = l.pulse(op)
	}
	return errors.WithMessage(err, op.label)
}

func (l *lowering) setPhase(deg float64) error {
	p := l.profile
	switch p.Phase.Mode {
	case profile.PhaseShifter:
		value, mask, err := p.ChannelWord(p.Phase.Idle)
		if err != nil {
			return err
		}
		l.prog.SetOutputPort(p.Ports.ExternalControl, value, mask)
		l.prog.SetOutputPort(*p.Ports.PhaseShifter, sequencer.PhaseWord(deg), 0xFFFF)
	case profile.PhaseToggle:
		// Only the x and y phases exist on a toggle; other angles just settle.
		on := -1
		switch deg {
		case p.Timing.YPhase:
			on = 1
		case p.Timing.XPhase:
			on = 0
		}
		if on >= 0 {
			pattern := make(map[string]int, len(p.Channels))
			for name := range p.Channels {
				pattern[name] = 0
			}
			pattern[p.Phase.Channel] = on
			value, mask, err := p.ChannelWord(pattern)
			if err != nil {
				return err
			}
			l.prog.SetOutputPort(p.Ports.ExternalControl, value, mask)
		}
	default:
		return apperr.Newf(apperr.InvalidProfile, "unknown phase mode %q", p.Phase.Mode)
	}
	return l.prog.WaitMicroseconds(p.Timing.PhaseSettle, phaseHeadCycles)
}

// counterWord returns the counter_control value and mask for pattern. A nil
// pattern disables every declared counter.
func (l *lowering) counterWord(pattern map[string]int) (value, mask uint32) {
	if pattern == nil {
		for _, c := range l.profile.Counters {
			mask |= 1 << c.Enable
		}
		return 0, mask
	}
	for name, on := range pattern {
		c := l.profile.Counters[name]
		mask |= 1 << c.Enable
		if on != 0 {
			value |= 1 << c.Enable
		}
	}
	return value, mask
}

// pulse holds a channel pattern for the operation's duration with every
// counter it names left as specified.
func (l *lowering) pulse(op operation) error {
	p := l.profile
	value, mask, err := p.ChannelWord(op.outputs)
	if err != nil {
		return err
	}
	cvalue, cmask := l.counterWord(op.counters)
	l.prog.SetOutputPort(p.Ports.ExternalControl, value, mask)
	l.prog.SetOutputPort(p.Ports.CounterControl, cvalue, cmask)
	return l.prog.WaitMicroseconds(op.duration, pulseHeadCycles)
}

// countedPulse gates the enabled counters around the pulse, reads them back
// and pushes them to the FIFO three at a time.
func (l *lowering) countedPulse(op operation, enabled []string) error {
	p := l.profile
	value, mask, err := p.ChannelWord(op.outputs)
	if err != nil {
		return err
	}
	cvalue, cmask := l.counterWord(op.counters)
	var resetMask, enableMask uint32
	ids := make([]int, len(enabled))
	for i, name := range enabled {
		c := p.Counters[name]
		resetMask |= 1 << c.Reset
		enableMask |= 1 << c.Enable
		ids[i] = int(c.Result)
	}

	l.prog.SetOutputPort(p.Ports.CounterControl, cvalue, cmask)
	l.prog.SetOutputPort(p.Ports.ExternalControl, value, mask)
	l.prog.TriggerOut(resetMask)
	if err := l.prog.WaitMicroseconds(op.duration, pulseHeadCycles); err != nil {
		return err
	}
	l.prog.SetOutputPort(p.Ports.CounterControl, 0, enableMask)

	for i, id := range ids {
		l.prog.ReadCounter(uint8(i), uint8(id))
	}
	for start := 0; start < len(ids); start += 3 {
		var regs [3]uint8
		var group [3]int
		for k := 0; k < 3; k++ {
			i := start + k
			if i >= len(ids) {
				i = len(ids) - 1
			}
			regs[k] = uint8(i)
			group[k] = ids[i]
		}
		label, err := sequencer.EncodeEventLabel(l.fifoWrites, group[0], group[1], group[2])
		if err != nil {
			return err
		}
		l.prog.WriteFIFO(regs[0], regs[1], regs[2], label)
		l.fifoWrites++
	}
	return nil
}

func sortedCopy(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
