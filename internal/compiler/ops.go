package compiler

import (
	"math"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
)

// operation is one abstract step between the circuit and the instruction stream.
type operation struct {
	label    string
	outputs  map[string]int
	counters map[string]int
	duration float64
	phase    *float64
	clbit    int
	// labelOnly operations only mark their position in the program.
	labelOnly bool
}

func (o operation) enabledCounters() []string {
	var names []string
	for name, on := range o.counters {
		if on != 0 {
			names = append(names, name)
		}
	}
	return sortedCopy(names)
}

func phase(deg float64) *float64 { return &deg }

func block(p *profile.Profile, name, label string, duration float64) operation {
	b := p.Blocks[name]
	return operation{
		label:    label,
		outputs:  b.Outputs,
		counters: b.Counters,
		duration: duration,
		clbit:    -1,
	}
}

func sequencerInitialize(p *profile.Profile) operation {
	op := block(p, profile.BlockSequencerInitialize, profile.BlockSequencerInitialize, 0)
	op.phase = phase(0)
	return op
}

func cooling(p *profile.Profile) operation {
	return block(p, profile.BlockCooling, profile.BlockCooling, p.Timing.Cooling)
}

func qubitInitialize(p *profile.Profile) operation {
	op := block(p, profile.BlockQubitInitialize, profile.BlockQubitInitialize, p.Timing.Initialize)
	op.phase = phase(0)
	return op
}

func sequencerEnd(p *profile.Profile) operation {
	op := block(p, profile.BlockSequencerEnd, profile.BlockSequencerEnd, p.Timing.End)
	op.phase = phase(0)
	return op
}

// rotationDuration scales angle so that pi takes full microseconds.
func rotationDuration(p *profile.Profile, angle, full float64) float64 {
	if p.PositiveRotation && angle <= 0 {
		angle = math.Mod(angle, 2*math.Pi)
		if angle <= 0 {
			angle += 2 * math.Pi
		}
	}
	return angle / math.Pi * full
}

func xRotation(p *profile.Profile, angle float64) operation {
	op := block(p, profile.BlockXGate, "x_gate", rotationDuration(p, angle, p.Timing.XDuration))
	op.phase = phase(p.Timing.XPhase)
	return op
}

func yRotation(p *profile.Profile, angle float64) operation {
	op := block(p, profile.BlockYGate, "y_gate", rotationDuration(p, angle, p.Timing.YDuration))
	op.phase = phase(p.Timing.YPhase)
	return op
}

// xxRotation has no pulse sequence yet; it only reserves a label.
func xxRotation() operation {
	return operation{label: "xx_gate", clbit: -1, labelOnly: true}
}

func identity(p *profile.Profile) operation {
	return block(p, profile.BlockIDGate, "id_gate", p.Timing.IDDuration)
}

func measure(p *profile.Profile, clbit int) operation {
	op := block(p, profile.BlockMeasure, "measure", p.Timing.Detect)
	op.clbit = clbit
	return op
}

func barrier() operation {
	return operation{label: "barrier", clbit: -1, labelOnly: true}
}

// gateOperations maps one IR gate to its abstract operations.
func gateOperations(p *profile.Profile, g models.GateOp) ([]operation, error) {
	switch g.Op {
	case models.OpRX:
		angle, err := firstParam(g)
		if err != nil {
			return nil, err
		}
		return []operation{xRotation(p, angle)}, nil
	case models.OpRY:
		angle, err := firstParam(g)
		if err != nil {
			return nil, err
		}
		return []operation{yRotation(p, angle)}, nil
	case models.OpRXX:
		if _, err := firstParam(g); err != nil {
			return nil, err
		}
		return []operation{xxRotation()}, nil
	case models.OpID:
		return []operation{identity(p)}, nil
	case models.OpMeasure, models.OpDetect:
		if len(g.Cargs) == 0 {
			return nil, apperr.Newf(apperr.UnsupportedGate, "%s needs a classical bit", g.Op)
		}
		return []operation{measure(p, g.Cargs[0])}, nil
	case models.OpBarrier:
		return []operation{barrier()}, nil
	default:
		return nil, apperr.Newf(apperr.UnsupportedGate, "operation %q is not supported by %s", g.Op, p.Name)
	}
}

func firstParam(g models.GateOp) (float64, error) {
	if len(g.Params) == 0 {
		return 0, apperr.Newf(apperr.UnsupportedGate, "%s needs a rotation angle", g.Op)
	}
	return g.Params[0], nil
}

// mergeLayer concatenates the operations of one layer. Gates in a layer are
// not scheduled in parallel; they run one after another.
func mergeLayer(groups ...[]operation) []operation {
	var out []operation
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
