package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinProfiles(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	assert.Equal(t, []string{"quiqcl_blade_trap", "quiqcl_chip_trap"}, r.Names())

	chip, ok := r.Get("quiqcl_chip_trap")
	require.True(t, ok)
	assert.Equal(t, PhaseShifter, chip.Phase.Mode)
	require.NotNil(t, chip.Ports.PhaseShifter)
	assert.Equal(t, 1.5, chip.ZeroThreshold)
	assert.False(t, chip.PositiveRotation)

	blade, ok := r.Get("quiqcl_blade_trap")
	require.True(t, ok)
	assert.Equal(t, PhaseToggle, blade.Phase.Mode)
	assert.Nil(t, blade.Ports.PhaseShifter)
	assert.True(t, blade.PositiveRotation)
	assert.Equal(t, 3000.0, blade.Timing.Detect)

	name, ok := blade.CounterByResult(1)
	require.True(t, ok)
	assert.Equal(t, "PMT1", name)
	_, ok = blade.CounterByResult(9)
	assert.False(t, ok)
}

func TestChannelWord(t *testing.T) {
	r, err := Builtin()
	require.NoError(t, err)
	chip, _ := r.Get("quiqcl_chip_trap")

	value, mask, err := chip.ChannelWord(chip.Blocks[BlockCooling].Outputs)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b1110), value)
	assert.Equal(t, uint32(0b1111), mask)

	_, _, err = chip.ChannelWord(map[string]int{"nope": 1})
	require.Error(t, err)
}

func TestLoadOverridesAndValidates(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
profiles:
  - name: quiqcl_chip_trap
    device: {driver: emulator, address: lab}
    ports: {external_control: 0, counter_control: 1, phase_shifter: 2}
    channels: {A: 0}
    counters: {PMT1: {enable: 0, reset: 0, result: 2}}
    phase: {mode: shifter, idle: {A: 0}}
    timing: {cooling: 1, initialize: 1, x_duration: 10, y_duration: 10, id_duration: 1, phase_settle: 1, detect: 5}
    zero_threshold: 2
    max_shots: 5
    blocks:
      sequencer_initialize: {outputs: {A: 0}, counters: {PMT1: 0}}
      cooling: {outputs: {A: 1}}
      qubit_initialize: {outputs: {A: 0}}
      x_gate: {outputs: {A: 1}}
      y_gate: {outputs: {A: 1}}
      id_gate: {outputs: {A: 0}}
      measure: {outputs: {A: 0}, counters: {PMT1: 1}}
      sequencer_end: {outputs: {A: 0}, counters: {PMT1: 0}}
`), 0o644))

	r, err := Load(good)
	require.NoError(t, err)
	chip, ok := r.Get("quiqcl_chip_trap")
	require.True(t, ok)
	assert.Equal(t, "lab", chip.Device.Address)
	assert.Equal(t, 5, chip.MaxShots)
	_, ok = r.Get("quiqcl_blade_trap")
	assert.True(t, ok)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
profiles:
  - name: broken
    channels: {A: 0}
    counters: {PMT1: {enable: 0, reset: 0, result: 1}}
    blocks:
      cooling: {outputs: {B: 1}}
`), 0o644))
	_, err = Load(bad)
	require.Error(t, err)

	shared := filepath.Join(dir, "shared.yaml")
	body, err := os.ReadFile(good)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(shared, []byte(strings.Replace(string(body),
		"counters: {PMT1: {enable: 0, reset: 0, result: 2}}",
		"counters: {PMT1: {enable: 0, reset: 0, result: 2}, PMT2: {enable: 1, reset: 1, result: 2}}", 1)), 0o644))
	_, err = Load(shared)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share result 2")

	for field, second := range map[string]Counter{
		"enable": {Enable: 0, Reset: 1, Result: 3},
		"reset":  {Enable: 1, Reset: 0, Result: 3},
		"result": {Enable: 1, Reset: 1, Result: 2},
	} {
		p := *chip
		p.Counters = map[string]Counter{"PMT1": chip.Counters["PMT1"], "PMT2": second}
		err := p.Validate()
		require.Error(t, err, field)
		assert.Contains(t, err.Error(), "counters PMT1 and PMT2 share "+field)
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("profiles:\n  - name: x\n    colour: red\n"), 0o644))
	_, err = Load(unknown)
	require.Error(t, err)
}
