package hardware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/compiler"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

func chip(t *testing.T) *profile.Profile {
	t.Helper()
	r, err := profile.Builtin()
	require.NoError(t, err)
	p, ok := r.Get("quiqcl_chip_trap")
	require.True(t, ok)
	return p
}

func twoCounters(t *testing.T) *profile.Profile {
	p := *chip(t)
	p.Counters = map[string]profile.Counter{
		"PMT1": {Enable: 0, Reset: 0, Result: 1},
		"PMT2": {Enable: 1, Reset: 1, Result: 2},
	}
	return &p
}

func word(t *testing.T, seq, a, b, c int, values ...uint32) FIFOWord {
	t.Helper()
	label, err := sequencer.EncodeEventLabel(seq, a, b, c)
	require.NoError(t, err)
	return FIFOWord{values[0], values[1], values[2], label}
}

func TestDecodeSkipsPaddedCounters(t *testing.T) {
	p := twoCounters(t)
	res, err := Decode(p, []FIFOWord{
		word(t, 0, 1, 2, 2, 5, 1, 1),
		word(t, 1, 1, 1, 1, 0, 0, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 0, 0}, res.Samples)
	assert.Equal(t, map[string]map[uint32]int{
		"PMT1": {5: 1, 0: 1},
		"PMT2": {1: 1},
	}, res.Rabi)
}

func TestDecodeEmptyHasEveryCounter(t *testing.T) {
	res, err := Decode(twoCounters(t), nil)
	require.NoError(t, err)
	assert.NotNil(t, res.Samples)
	assert.Empty(t, res.Samples)
	assert.Contains(t, res.Rabi, "PMT1")
	assert.Contains(t, res.Rabi, "PMT2")
}

func TestDecodeUnknownCounterIsHardwareFault(t *testing.T) {
	_, err := Decode(chip(t), []FIFOWord{word(t, 0, 9, 9, 9, 1, 1, 1)})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.HardwareFault))
}

func TestParsePacket(t *testing.T) {
	pkt := ParsePacket(word(t, 7, 3, 4, 5, 10, 20, 30))
	assert.Equal(t, RawEventPacket{Sequence: 7, Counters: [3]int{3, 4, 5}, Values: [3]uint32{10, 20, 30}}, pkt)
}

func emulatorOpener(src CounterSource, maxSteps int) Opener {
	return func(p *profile.Profile, logger *zap.Logger) (Device, error) {
		em := NewEmulator(p, src, logger)
		if maxSteps > 0 {
			em.MaxSteps = maxSteps
		}
		return em, nil
	}
}

func TestEmulatedMeasureLoop(t *testing.T) {
	p := chip(t)
	c := models.Circuit{
		Layers:    []models.Layer{{{Op: models.OpMeasure, Qargs: []int{0}, Cargs: []int{0}}}},
		Shots:     5,
		NumQubits: 1,
	}
	prog, err := compiler.Compile(c, p)
	require.NoError(t, err)

	var gates []int64
	src := CounterFunc(func(result uint8, gated int64) uint32 {
		assert.Equal(t, uint8(1), result)
		gates = append(gates, gated)
		return uint32(gated / 10000)
	})
	ex := NewExecutor(zap.NewNop(), emulatorOpener(src, 0), time.Millisecond)
	res, err := ex.Run(context.Background(), p, prog)
	require.NoError(t, err)

	// The reset trigger cycle plus 1000us minus the two head cycles.
	assert.Equal(t, []int64{99999, 99999, 99999, 99999, 99999}, gates)
	assert.Equal(t, []int{1, 1, 1, 1, 1}, res.Samples)
	assert.Equal(t, map[uint32]int{9: 5}, res.Rabi["PMT1"])
}

func TestEmulatorStepLimitIsHardwareFault(t *testing.T) {
	prog := sequencer.NewProgram()
	prog.BranchIfLessThan(0, 0, 1)

	ex := NewExecutor(nil, emulatorOpener(CounterFunc(func(uint8, int64) uint32 { return 0 }), 100), time.Millisecond)
	_, err := ex.Execute(context.Background(), chip(t), prog)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.HardwareFault))
}

func TestEmulatorRejectsBadBranch(t *testing.T) {
	prog := sequencer.NewProgram()
	prog.BranchIfLessThan(5, 0, 1)
	em := NewEmulator(chip(t), NewPoissonCounts(1), nil)
	require.Error(t, em.Upload(prog))
	require.Error(t, em.Start())
}

type scriptedDevice struct {
	pending []FIFOWord
	polls   int
	closed  bool
	failOn  string
}

func (d *scriptedDevice) Upload(*sequencer.Program) error {
	return d.fail("upload")
}

func (d *scriptedDevice) Start() error {
	return d.fail("start")
}

func (d *scriptedDevice) Running() (bool, error) {
	d.polls++
	return d.polls < 3, d.fail("running")
}

func (d *scriptedDevice) FIFOLength() (int, error) {
	// Words only show up once the program has halted.
	if d.polls < 3 {
		return 0, nil
	}
	return len(d.pending), nil
}

func (d *scriptedDevice) ReadFIFO(n int) ([]FIFOWord, error) {
	out := d.pending[:n]
	d.pending = d.pending[n:]
	return out, nil
}

func (d *scriptedDevice) Close() error {
	d.closed = true
	return nil
}

func (d *scriptedDevice) fail(step string) error {
	if d.failOn == step {
		return errors.New(step + " failed")
	}
	return nil
}

func TestExecuteDrainsAfterHalt(t *testing.T) {
	dev := &scriptedDevice{pending: []FIFOWord{{1}, {2}, {3}}}
	ex := NewExecutor(nil, func(*profile.Profile, *zap.Logger) (Device, error) { return dev, nil }, time.Millisecond)
	words, err := ex.Execute(context.Background(), chip(t), sequencer.NewProgram())
	require.NoError(t, err)
	assert.Equal(t, []FIFOWord{{1}, {2}, {3}}, words)
	assert.True(t, dev.closed)
}

func TestExecuteWrapsDeviceErrors(t *testing.T) {
	for _, step := range []string{"upload", "start", "running"} {
		t.Run(step, func(t *testing.T) {
			dev := &scriptedDevice{failOn: step}
			ex := NewExecutor(nil, func(*profile.Profile, *zap.Logger) (Device, error) { return dev, nil }, time.Millisecond)
			_, err := ex.Execute(context.Background(), chip(t), sequencer.NewProgram())
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.HardwareFault))
			assert.True(t, dev.closed)
		})
	}

	ex := NewExecutor(nil, func(*profile.Profile, *zap.Logger) (Device, error) { return nil, errors.New("no port") }, 0)
	_, err := ex.Execute(context.Background(), chip(t), sequencer.NewProgram())
	assert.True(t, apperr.IsKind(err, apperr.HardwareFault))
}

func TestDriverRegistry(t *testing.T) {
	assert.Contains(t, Drivers(), EmulatorDriver)

	p := *chip(t)
	dev, err := Open(&p, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	p.Device.Driver = "artys7"
	_, err = Open(&p, zap.NewNop())
	require.Error(t, err)
}

func TestPoissonCountsZeroGate(t *testing.T) {
	src := NewPoissonCounts(1)
	assert.Zero(t, src.Count(1, 0))
}
