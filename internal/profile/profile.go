// Package profile holds the declarative description of each target device:
// channels, counters, phase control and timing constants. Device variants
// are data, loaded from YAML; the compiler has no per-device code.
package profile

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/sequencer"
)

// Block names every profile must define.
const (
	BlockSequencerInitialize = "sequencer_initialize"
	BlockCooling             = "cooling"
	BlockQubitInitialize     = "qubit_initialize"
	BlockXGate               = "x_gate"
	BlockYGate               = "y_gate"
	BlockIDGate              = "id_gate"
	BlockMeasure             = "measure"
	BlockSequencerEnd        = "sequencer_end"
)

var requiredBlocks = []string{
	BlockSequencerInitialize,
	BlockCooling,
	BlockQubitInitialize,
	BlockXGate,
	BlockYGate,
	BlockIDGate,
	BlockMeasure,
	BlockSequencerEnd,
}

// Phase control modes.
const (
	// PhaseShifter writes the angle to a dedicated phase shifter port.
	PhaseShifter = "shifter"
	// PhaseToggle drives an auxiliary channel high for the Y phase and low for the X phase.
	PhaseToggle = "toggle"
)

// Profile describes one target device.
type Profile struct {
	Name             string             `yaml:"name"`
	Device           Device             `yaml:"device"`
	Ports            Ports              `yaml:"ports"`
	Channels         map[string]uint8   `yaml:"channels"`
	Counters         map[string]Counter `yaml:"counters"`
	Phase            Phase              `yaml:"phase"`
	Timing           Timing             `yaml:"timing"`
	ZeroThreshold    float64            `yaml:"zero_threshold"`
	PositiveRotation bool               `yaml:"positive_rotation"`
	MaxShots         int                `yaml:"max_shots"`
	Blocks           map[string]Block   `yaml:"blocks"`
}

// Device selects the driver that talks to the hardware.
type Device struct {
	Driver  string `yaml:"driver"`
	Address string `yaml:"address"`
}

// Ports are physical output port addresses.
type Ports struct {
	ExternalControl uint8  `yaml:"external_control"`
	CounterControl  uint8  `yaml:"counter_control"`
	PhaseShifter    *uint8 `yaml:"phase_shifter"`
}

// Counter maps a named counter to its enable bit, reset trigger line and
// result address.
type Counter struct {
	Enable uint8 `yaml:"enable"`
	Reset  uint8 `yaml:"reset"`
	Result uint8 `yaml:"result"`
}

// Phase configures how a phase angle reaches the hardware.
type Phase struct {
	Mode string `yaml:"mode"`
	// Idle is the channel pattern written before the shifter port in shifter mode.
	Idle map[string]int `yaml:"idle"`
	// Channel is the auxiliary channel driven in toggle mode.
	Channel string `yaml:"channel"`
}

// Timing constants, microseconds and degrees.
type Timing struct {
	Cooling     float64 `yaml:"cooling"`
	Initialize  float64 `yaml:"initialize"`
	XDuration   float64 `yaml:"x_duration"`
	XPhase      float64 `yaml:"x_phase"`
	YDuration   float64 `yaml:"y_duration"`
	YPhase      float64 `yaml:"y_phase"`
	IDDuration  float64 `yaml:"id_duration"`
	PhaseSettle float64 `yaml:"phase_settle"`
	Detect      float64 `yaml:"detect"`
	End         float64 `yaml:"end"`
}

// Block is a fixed channel and counter pattern.
type Block struct {
	Outputs  map[string]int `yaml:"outputs"`
	Counters map[string]int `yaml:"counters"`
}

// CounterNames returns the declared counters in a stable order.
func (p *Profile) CounterNames() []string {
	names := make([]string, 0, len(p.Counters))
	for name := range p.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CounterByResult resolves a result address back to its counter name.
func (p *Profile) CounterByResult(addr int) (string, bool) {
	for name, c := range p.Counters {
		if int(c.Result) == addr {
			return name, true
		}
	}
	return "", false
}

// ChannelWord converts a channel pattern into a port value and mask.
func (p *Profile) ChannelWord(pattern map[string]int) (value, mask uint32, err error) {
	for name, on := range pattern {
		bit, ok := p.Channels[name]
		if !ok {
			return 0, 0, apperr.Newf(apperr.InvalidProfile, "profile %s: unknown channel %q", p.Name, name)
		}
		mask |= 1 << bit
		if on != 0 {
			value |= 1 << bit
		}
	}
	return value, mask, nil
}

// Validate checks that every reference in the profile resolves.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	for name, bit := range p.Channels {
		if bit >= 32 {
			return fmt.Errorf("profile %s: channel %s bit %d out of range", p.Name, name, bit)
		}
	}
	if len(p.Counters) == 0 {
		return fmt.Errorf("profile %s: at least one counter is required", p.Name)
	}
	enables := make(map[uint8]string, len(p.Counters))
	resets := make(map[uint8]string, len(p.Counters))
	results := make(map[uint8]string, len(p.Counters))
	for _, name := range p.CounterNames() {
		c := p.Counters[name]
		if c.Enable >= 32 || c.Reset >= 32 {
			return fmt.Errorf("profile %s: counter %s enable/reset bit out of range", p.Name, name)
		}
		if int(c.Result) > sequencer.MaxCounterID {
			return fmt.Errorf("profile %s: counter %s result address %d exceeds %d", p.Name, name, c.Result, sequencer.MaxCounterID)
		}
		for _, u := range []struct {
			field string
			value uint8
			seen  map[uint8]string
		}{
			{"enable", c.Enable, enables},
			{"reset", c.Reset, resets},
			{"result", c.Result, results},
		} {
			if other, dup := u.seen[u.value]; dup {
				return fmt.Errorf("profile %s: counters %s and %s share %s %d", p.Name, other, name, u.field, u.value)
			}
			u.seen[u.value] = name
		}
	}
	for _, name := range requiredBlocks {
		block, ok := p.Blocks[name]
		if !ok {
			return fmt.Errorf("profile %s: block %s is missing", p.Name, name)
		}
		if _, _, err := p.ChannelWord(block.Outputs); err != nil {
			return errors.Wrapf(err, "block %s", name)
		}
		for counter := range block.Counters {
			if _, ok := p.Counters[counter]; !ok {
				return fmt.Errorf("profile %s: block %s references unknown counter %q", p.Name, name, counter)
			}
		}
	}
	switch p.Phase.Mode {
	case PhaseShifter:
		if p.Ports.PhaseShifter == nil {
			return fmt.Errorf("profile %s: shifter phase mode needs ports.phase_shifter", p.Name)
		}
		if _, _, err := p.ChannelWord(p.Phase.Idle); err != nil {
			return errors.Wrap(err, "phase idle pattern")
		}
	case PhaseToggle:
		if _, ok := p.Channels[p.Phase.Channel]; !ok {
			return fmt.Errorf("profile %s: toggle phase channel %q is not a declared channel", p.Name, p.Phase.Channel)
		}
	default:
		return fmt.Errorf("profile %s: unknown phase mode %q", p.Name, p.Phase.Mode)
	}
	if p.Timing.XDuration <= 0 || p.Timing.YDuration <= 0 {
		return fmt.Errorf("profile %s: x/y durations must be positive", p.Name)
	}
	if p.MaxShots <= 0 {
		return fmt.Errorf("profile %s: max_shots must be positive", p.Name)
	}
	return nil
}

type document struct {
	Profiles []*Profile `yaml:"profiles"`
}

//go:embed profiles.yaml
var builtin []byte

// Registry is a read-only set of profiles keyed by backend name.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// Builtin returns a registry holding the embedded profiles.
func Builtin() (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile)}
	if err := r.add(builtin); err != nil {
		return nil, errors.Wrap(err, "load builtin profiles")
	}
	return r, nil
}

// Load returns the built-in profiles plus those in path. Profiles in path
// replace built-ins of the same name. An empty path loads built-ins only.
func Load(path string) (*Registry, error) {
	r, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read profiles file")
	}
	if err := r.add(raw); err != nil {
		return nil, errors.Wrapf(err, "load profiles from %s", path)
	}
	return r, nil
}

func (r *Registry) add(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return errors.Wrap(err, "decode yaml")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range doc.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		r.profiles[p.Name] = p
	}
	return nil
}

// Get returns the profile for a backend name.
func (r *Registry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Names lists profile names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
