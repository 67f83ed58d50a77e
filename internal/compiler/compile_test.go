package compiler

import (
	"fmt"
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

func builtin(t *testing.T, name string) *profile.Profile {
	t.Helper()
	r, err := profile.Builtin()
	require.NoError(t, err)
	p, ok := r.Get(name)
	require.True(t, ok)
	return p
}

func circuit(shots int, layers ...models.Layer) models.Circuit {
	return models.Circuit{Layers: layers, Shots: shots, NumQubits: 1}
}

func measureLayer() models.Layer {
	return models.Layer{{Op: models.OpMeasure, Qargs: []int{0}, Cargs: []int{0}}}
}

func TestMeasureOnlyProgram(t *testing.T) {
	prog, err := Compile(circuit(1, measureLayer()), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)

	assert.Len(t, prog.Labels, 5)
	for _, name := range []string{"sequencer_initialize_0", "cooling_0", "qubit_initialize_0", "measure_0", "sequencer_end_0"} {
		assert.Contains(t, prog.Labels, name)
	}
	assert.Equal(t, sequencer.NumRegisters, prog.Labels["sequencer_initialize_0"])
	assert.Zero(t, prog.Count(sequencer.OpBranchIfLessThan))
	assert.Zero(t, prog.Count(sequencer.OpAdd))
	assert.Equal(t, 1, prog.Count(sequencer.OpWriteFIFO))
	assert.Equal(t, 1, prog.FIFOWrites)
	assert.Equal(t, sequencer.OpStop, prog.Instructions[prog.Len()-1].Op)
}

func TestGoldenListing(t *testing.T) {
	prog, err := Compile(circuit(1, measureLayer()), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)
	g := goldie.New(t)
	g.Assert(t, "chip_measure", []byte(prog.Listing()))
}

func TestShotLoopBranchesToBodyEntry(t *testing.T) {
	prog, err := Compile(circuit(5, measureLayer()), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)

	require.Equal(t, 1, prog.Count(sequencer.OpAdd))
	require.Equal(t, 1, prog.Count(sequencer.OpBranchIfLessThan))
	n := prog.Len()
	add, branch := prog.Instructions[n-3], prog.Instructions[n-2]
	assert.Equal(t, sequencer.Instruction{Op: sequencer.OpAdd, Reg: sequencer.ShotRegister, Src: sequencer.ShotRegister, Value: 1}, add)
	assert.Equal(t, sequencer.OpBranchIfLessThan, branch.Op)
	assert.Equal(t, prog.Labels["cooling_0"], branch.Target)
	assert.Equal(t, uint8(sequencer.ShotRegister), branch.Reg)
	assert.Equal(t, uint32(5), branch.Value)
	assert.Equal(t, sequencer.OpStop, prog.Instructions[n-1].Op)
}

func blockOf(prog *sequencer.Program, label string) []sequencer.Instruction {
	start := prog.Labels[label]
	end := prog.Len()
	for _, idx := range prog.Labels {
		if idx > start && idx < end {
			end = idx
		}
	}
	return prog.Instructions[start:end]
}

func TestBladeRotationIsNormalized(t *testing.T) {
	layer := models.Layer{{Op: models.OpRX, Params: []float64{-math.Pi / 2}, Qargs: []int{0}}}
	prog, err := Compile(circuit(1, layer, measureLayer()), builtin(t, "quiqcl_blade_trap"))
	require.NoError(t, err)

	// -pi/2 becomes 3pi/2, so 1.5 * 64us of pulse.
	assert.Equal(t, []sequencer.Instruction{
		{Op: sequencer.OpSetOutputPort, Port: 0, Value: 0x00, Mask: 0x1f},
		{Op: sequencer.OpWaitNClocks, Value: 996},
		{Op: sequencer.OpSetOutputPort, Port: 0, Value: 0x08, Mask: 0x0f},
		{Op: sequencer.OpSetOutputPort, Port: 1, Value: 0x00, Mask: 0x01},
		{Op: sequencer.OpWaitNClocks, Value: 9595},
	}, blockOf(prog, "x_gate_0"))
}

func TestBladeYPhaseTogglesChannel(t *testing.T) {
	layer := models.Layer{{Op: models.OpRY, Params: []float64{math.Pi}, Qargs: []int{0}}}
	prog, err := Compile(circuit(1, layer, measureLayer()), builtin(t, "quiqcl_blade_trap"))
	require.NoError(t, err)

	ins := blockOf(prog, "y_gate_0")
	require.NotEmpty(t, ins)
	assert.Equal(t, sequencer.Instruction{Op: sequencer.OpSetOutputPort, Port: 0, Value: 0x10, Mask: 0x1f}, ins[0])
	// 68us minus two head cycles.
	assert.Equal(t, sequencer.Instruction{Op: sequencer.OpWaitNClocks, Value: 6795}, ins[len(ins)-1])
}

func TestChipNegativeRotationHasNoPulse(t *testing.T) {
	layer := models.Layer{{Op: models.OpRX, Params: []float64{-1}, Qargs: []int{0}}}
	prog, err := Compile(circuit(1, layer), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)

	ins := blockOf(prog, "x_gate_0")
	require.NotEmpty(t, ins)
	assert.Equal(t, sequencer.OpSetOutputPort, ins[len(ins)-1].Op)
}

func TestChipPhaseShifterWord(t *testing.T) {
	layer := models.Layer{{Op: models.OpRY, Params: []float64{math.Pi / 2}, Qargs: []int{0}}}
	prog, err := Compile(circuit(1, layer), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)

	ins := blockOf(prog, "y_gate_0")
	require.True(t, len(ins) > 2)
	assert.Equal(t, sequencer.Instruction{Op: sequencer.OpSetOutputPort, Port: 0, Value: 0x0c, Mask: 0x0f}, ins[0])
	assert.Equal(t, sequencer.Instruction{Op: sequencer.OpSetOutputPort, Port: 2, Value: 2048, Mask: 0xffff}, ins[1])
	assert.Equal(t, sequencer.Instruction{Op: sequencer.OpWaitNClocks, Value: 9996}, ins[2])
}

func TestLabelOnlyOperations(t *testing.T) {
	layer := models.Layer{
		{Op: models.OpRXX, Params: []float64{0.5}, Qargs: []int{0}},
		{Op: models.OpBarrier, Qargs: []int{0}},
	}
	prog, err := Compile(circuit(1, layer, measureLayer()), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)

	at := prog.Labels["measure_0"]
	assert.Equal(t, at, prog.Labels["xx_gate_0"])
	assert.Equal(t, at, prog.Labels["barrier_0"])
}

func TestRepeatedBlocksAreNumbered(t *testing.T) {
	id := models.Layer{{Op: models.OpID, Qargs: []int{0}}}
	prog, err := Compile(circuit(1, id, id, measureLayer(), measureLayer()), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)

	assert.Less(t, prog.Labels["id_gate_0"], prog.Labels["id_gate_1"])
	assert.Less(t, prog.Labels["measure_0"], prog.Labels["measure_1"])
	assert.Equal(t, 2, prog.FIFOWrites)

	last := blockOf(prog, "measure_1")
	label := last[len(last)-1].Value
	seq, a, b, c := sequencer.DecodeEventLabel(label)
	assert.Equal(t, []int{1, 1, 1, 1}, []int{seq, a, b, c})
}

func TestDetectIsMeasure(t *testing.T) {
	layer := models.Layer{{Op: models.OpDetect, Qargs: []int{0}, Cargs: []int{0}}}
	prog, err := Compile(circuit(1, layer), builtin(t, "quiqcl_chip_trap"))
	require.NoError(t, err)
	assert.Contains(t, prog.Labels, "measure_0")
}

func TestUnsupportedGateFailsClosed(t *testing.T) {
	layer := models.Layer{{Op: "cz", Qargs: []int{0}}}
	_, err := Compile(circuit(1, layer), builtin(t, "quiqcl_chip_trap"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.UnsupportedGate))

	_, err = Compile(circuit(1, models.Layer{{Op: models.OpRX, Qargs: []int{0}}}), builtin(t, "quiqcl_chip_trap"))
	assert.True(t, apperr.IsKind(err, apperr.UnsupportedGate))
}

func TestCircuitChecks(t *testing.T) {
	chip := builtin(t, "quiqcl_chip_trap")
	cases := map[string]models.Circuit{
		"zero shots":         circuit(0, measureLayer()),
		"too many shots":     circuit(chip.MaxShots+1, measureLayer()),
		"no qubits":          {Layers: []models.Layer{measureLayer()}, Shots: 1},
		"qubit out of range": circuit(1, models.Layer{{Op: models.OpID, Qargs: []int{3}}}),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(c, chip)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.InvalidCircuit), err.Error())
		})
	}
}

func TestOverlongRotationIsRejected(t *testing.T) {
	chip := builtin(t, "quiqcl_chip_trap")
	for _, angle := range []float64{1e12, 1e300, -1e300} {
		for _, op := range []string{models.OpRX, models.OpRY} {
			layer := models.Layer{{Op: op, Params: []float64{angle}, Qargs: []int{0}}}
			_, err := Compile(circuit(1, layer, measureLayer()), chip)
			if angle < 0 {
				// Negative angles on a signed profile produce no pulse at all.
				require.NoError(t, err)
				continue
			}
			require.Error(t, err, "%s(%g)", op, angle)
			assert.True(t, apperr.IsKind(err, apperr.ProgramTooLarge))
		}
	}

	// Positive-rotation profiles fold huge negative angles into one turn.
	blade := builtin(t, "quiqcl_blade_trap")
	layer := models.Layer{{Op: models.OpRX, Params: []float64{-1e300}, Qargs: []int{0}}}
	_, err := Compile(circuit(1, layer, measureLayer()), blade)
	require.NoError(t, err)
}

func TestProgramLengthIsCapped(t *testing.T) {
	// Each gate is just under the single-wait limit, so only the total is too long.
	angle := math.Pi * 0.9 * sequencer.MaxWaitMicroseconds / 100
	layers := make([]models.Layer, 0, 801)
	for i := 0; i < 800; i++ {
		layers = append(layers, models.Layer{{Op: models.OpRX, Params: []float64{angle}, Qargs: []int{0}}})
	}
	layers = append(layers, measureLayer())
	_, err := Compile(circuit(1, layers...), builtin(t, "quiqcl_chip_trap"))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.ProgramTooLarge))
}

// withCounters returns a copy of base whose measure block enables n counters
// with result addresses 1..n.
func withCounters(base *profile.Profile, n int) *profile.Profile {
	p := *base
	p.Counters = make(map[string]profile.Counter, n)
	enabled := make(map[string]int, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("PMT%02d", i+1)
		p.Counters[name] = profile.Counter{Enable: uint8(i), Reset: uint8(i), Result: uint8((i + 1) % 32)}
		enabled[name] = 1
	}
	p.Blocks = make(map[string]profile.Block, len(base.Blocks))
	for name, b := range base.Blocks {
		p.Blocks[name] = profile.Block{Outputs: b.Outputs}
	}
	p.Blocks[profile.BlockMeasure] = profile.Block{Outputs: base.Blocks[profile.BlockMeasure].Outputs, Counters: enabled}
	return &p
}

func TestFIFOWritesGroupCountersInThrees(t *testing.T) {
	p := withCounters(builtin(t, "quiqcl_chip_trap"), 4)
	prog, err := Compile(circuit(1, measureLayer()), p)
	require.NoError(t, err)

	var writes []sequencer.Instruction
	for _, in := range blockOf(prog, "measure_0") {
		if in.Op == sequencer.OpWriteFIFO {
			writes = append(writes, in)
		}
	}
	require.Len(t, writes, 2)
	assert.Equal(t, [3]uint8{0, 1, 2}, writes[0].FIFORegs)
	assert.Equal(t, [3]uint8{3, 3, 3}, writes[1].FIFORegs)

	seq, a, b, c := sequencer.DecodeEventLabel(writes[0].Value)
	assert.Equal(t, []int{0, 1, 2, 3}, []int{seq, a, b, c})
	seq, a, b, c = sequencer.DecodeEventLabel(writes[1].Value)
	assert.Equal(t, []int{1, 4, 4, 4}, []int{seq, a, b, c})
	assert.Equal(t, 2, prog.FIFOWrites)
}

func TestTooManyCounters(t *testing.T) {
	p := withCounters(builtin(t, "quiqcl_chip_trap"), 32)
	_, err := Compile(circuit(1, measureLayer()), p)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.TooManyCounters))
}

func TestProfileReferenceErrors(t *testing.T) {
	chip := builtin(t, "quiqcl_chip_trap")
	p := *chip
	p.Blocks = make(map[string]profile.Block, len(chip.Blocks))
	for name, b := range chip.Blocks {
		p.Blocks[name] = b
	}
	p.Blocks[profile.BlockMeasure] = profile.Block{
		Outputs:  chip.Blocks[profile.BlockMeasure].Outputs,
		Counters: map[string]int{"PMT9": 1},
	}
	_, err := Compile(circuit(1, measureLayer()), &p)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.InvalidProfile))

	p = *chip
	p.Phase.Mode = "analog"
	layer := models.Layer{{Op: models.OpRX, Params: []float64{1}, Qargs: []int{0}}}
	_, err = Compile(circuit(1, layer, measureLayer()), &p)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.InvalidProfile))
}
