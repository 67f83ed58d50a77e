package sequencer

import (
	"math"

	"quiqcl-server/internal/apperr"
)

const (
	// CyclesPerMicrosecond is the sequencer clock rate (100 MHz).
	CyclesPerMicrosecond = 100
	// MaxWaitCount is the largest count a single wait_n_clocks accepts.
	MaxWaitCount = 0xFFFF
	// WaitOverhead is the fixed cost of wait_n_clocks on top of its count.
	WaitOverhead = 3
	// MaxWaitMicroseconds bounds a single wait to one second.
	MaxWaitMicroseconds = 1e6
)

// WaitMicroseconds appends instructions that stall for duration microseconds,
// minus headCycles already spent by the instructions just before the wait.
//
// Nothing is emitted when fewer than one cycle remains. Long waits are split
// into maximum-length chunks; a remainder of more than WaitOverhead cycles
// becomes one wait_n_clocks, a shorter one becomes single-cycle nops because
// wait_n_clocks cannot express fewer than WaitOverhead+1 cycles.
// Durations above MaxWaitMicroseconds, and NaN, are ProgramTooLarge.
func (p *Program) WaitMicroseconds(duration float64, headCycles int) error {
	ins, err := WaitInstructions(duration, headCycles)
	if err != nil {
		return err
	}
	for _, in := range ins {
		p.emit(in)
	}
	return nil
}

// WaitInstructions is the pure form of WaitMicroseconds.
func WaitInstructions(duration float64, headCycles int) ([]Instruction, error) {
	if !(duration <= MaxWaitMicroseconds) {
		return nil, apperr.Newf(apperr.ProgramTooLarge, "wait of %g us exceeds the %g us limit", duration, float64(MaxWaitMicroseconds))
	}
	cycles := duration*CyclesPerMicrosecond - float64(headCycles)
	if cycles < 1 {
		return nil, nil
	}
	total := int64(math.RoundToEven(cycles))
	chunk := int64(MaxWaitCount + WaitOverhead)
	long, rem := total/chunk, total%chunk

	out := make([]Instruction, 0, long+WaitOverhead)
	for i := int64(0); i < long; i++ {
		out = append(out, Instruction{Op: OpWaitNClocks, Value: MaxWaitCount})
	}
	if rem > WaitOverhead {
		out = append(out, Instruction{Op: OpWaitNClocks, Value: uint32(rem - WaitOverhead)})
	} else {
		for i := int64(0); i < rem; i++ {
			out = append(out, Instruction{Op: OpNop})
		}
	}
	return out, nil
}

// TotalCycles sums the cycles of a straight-line instruction slice.
func TotalCycles(ins []Instruction) int {
	n := 0
	for _, in := range ins {
		n += in.Cycles()
	}
	return n
}
