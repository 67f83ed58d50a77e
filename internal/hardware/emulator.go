package hardware

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

// EmulatorDriver is the name of the in-process sequencer driver.
const EmulatorDriver = "emulator"

// DefaultMaxSteps bounds how many instructions one emulated run may execute.
const DefaultMaxSteps = 1 << 28

func init() {
	RegisterDriver(EmulatorDriver, func(p *profile.Profile, logger *zap.Logger) (Device, error) {
		return NewEmulator(p, NewPoissonCounts(time.Now().UnixNano()), logger), nil
	})
}

// CounterSource produces the photon count a counter accumulated while it was
// gated open for the given number of cycles.
type CounterSource interface {
	Count(result uint8, gatedCycles int64) uint32
}

// CounterFunc adapts a function to CounterSource.
type CounterFunc func(result uint8, gatedCycles int64) uint32

func (f CounterFunc) Count(result uint8, gatedCycles int64) uint32 { return f(result, gatedCycles) }

// PoissonCounts draws counts from a bright or dark ion with equal probability.
type PoissonCounts struct {
	// Rates are mean counts per microsecond of gate time.
	BrightRate float64
	DarkRate   float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPoissonCounts returns a source whose rates separate well at the
// built-in profiles' detection times and thresholds.
func NewPoissonCounts(seed int64) *PoissonCounts {
	return &PoissonCounts{
		BrightRate: 0.01,
		DarkRate:   0.0002,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (s *PoissonCounts) Count(_ uint8, gatedCycles int64) uint32 {
	us := float64(gatedCycles) / sequencer.CyclesPerMicrosecond
	s.mu.Lock()
	defer s.mu.Unlock()
	rate := s.DarkRate
	if s.rng.Intn(2) == 1 {
		rate = s.BrightRate
	}
	return s.poisson(rate * us)
}

func (s *PoissonCounts) poisson(mean float64) uint32 {
	if mean <= 0 {
		return 0
	}
	if mean > 30 {
		v := math.Round(s.rng.NormFloat64()*math.Sqrt(mean) + mean)
		if v < 0 {
			return 0
		}
		return uint32(v)
	}
	limit, k, p := math.Exp(-mean), uint32(0), 1.0
	for {
		p *= s.rng.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}

type counterState struct {
	counter profile.Counter
	enabled bool
	since   int64
	gated   int64
}

// Emulator interprets sequencer programs in-process. It counts cycles but
// does not sleep, so a run completes as fast as the host allows.
type Emulator struct {
	profile  *profile.Profile
	source   CounterSource
	logger   *zap.Logger
	MaxSteps int

	mu      sync.Mutex
	prog    *sequencer.Program
	running bool
	closed  bool
	fault   error
	fifo    []FIFOWord
	cycles  int64
	done    chan struct{}
}

// NewEmulator builds an emulator for p's ports and counters.
func NewEmulator(p *profile.Profile, source CounterSource, logger *zap.Logger) *Emulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emulator{
		profile:  p,
		source:   source,
		logger:   logger,
		MaxSteps: DefaultMaxSteps,
	}
}

func (e *Emulator) Upload(prog *sequencer.Program) error {
	for i, in := range prog.Instructions {
		if in.Op == sequencer.OpBranchIfLessThan && (in.Target < 0 || in.Target >= len(prog.Instructions)) {
			return fmt.Errorf("instruction %d: branch target %d out of range", i, in.Target)
		}
		if int(in.Reg) >= sequencer.NumRegisters || int(in.Src) >= sequencer.NumRegisters {
			return fmt.Errorf("instruction %d: register out of range", i)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("emulator is closed")
	}
	if e.running {
		return errors.New("cannot upload while running")
	}
	e.prog = prog
	return nil
}

func (e *Emulator) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return errors.New("emulator is closed")
	case e.prog == nil:
		return errors.New("no program uploaded")
	case e.running:
		return errors.New("already running")
	}
	e.running = true
	e.fault = nil
	e.fifo = nil
	e.cycles = 0
	e.done = make(chan struct{})
	go e.run(e.prog, e.done)
	return nil
}

func (e *Emulator) Running() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fault != nil {
		return false, e.fault
	}
	return e.running, nil
}

func (e *Emulator) FIFOLength() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fifo), nil
}

func (e *Emulator) ReadFIFO(n int) ([]FIFOWord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > len(e.fifo) {
		n = len(e.fifo)
	}
	out := append([]FIFOWord(nil), e.fifo[:n]...)
	e.fifo = e.fifo[n:]
	return out, nil
}

// Cycles is the clock time the last run took.
func (e *Emulator) Cycles() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

func (e *Emulator) Close() error {
	e.mu.Lock()
	e.closed = true
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

func (e *Emulator) push(w FIFOWord) {
	e.mu.Lock()
	e.fifo = append(e.fifo, w)
	e.mu.Unlock()
}

func (e *Emulator) run(prog *sequencer.Program, done chan struct{}) {
	defer close(done)
	cycles, err := e.execute(prog)

	e.mu.Lock()
	e.running = false
	e.cycles = cycles
	e.fault = err
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("emulated program faulted", zap.Error(err))
		return
	}
	e.logger.Debug("emulated program halted",
		zap.Int64("cycles", cycles),
		zap.Duration("device_time", time.Duration(cycles)*10*time.Nanosecond),
	)
}

func (e *Emulator) execute(prog *sequencer.Program) (int64, error) {
	var (
		regs   [sequencer.NumRegisters]uint32
		ports  = make(map[uint8]uint32)
		cycle  int64
		states = make(map[uint8]*counterState, len(e.profile.Counters))
	)
	for _, c := range e.profile.Counters {
		states[c.Result] = &counterState{counter: c}
	}
	ctrPort := e.profile.Ports.CounterControl

	pc, steps := 0, 0
	for pc < len(prog.Instructions) {
		if steps >= e.MaxSteps {
			return cycle, fmt.Errorf("step limit %d reached at instruction %d", e.MaxSteps, pc)
		}
		steps++
		in := prog.Instructions[pc]
		next := pc + 1
		switch in.Op {
		case sequencer.OpLoadImmediate:
			regs[in.Reg] = in.Value
		case sequencer.OpSetOutputPort:
			ports[in.Port] = ports[in.Port]&^in.Mask | in.Value&in.Mask
			if in.Port == ctrPort {
				for _, s := range states {
					on := ports[ctrPort]&(1<<s.counter.Enable) != 0
					switch {
					case on && !s.enabled:
						s.since = cycle
					case !on && s.enabled:
						s.gated += cycle - s.since
					}
					s.enabled = on
				}
			}
		case sequencer.OpWaitNClocks, sequencer.OpNop:
		case sequencer.OpTriggerOut:
			for _, s := range states {
				if in.Value&(1<<s.counter.Reset) != 0 {
					s.gated = 0
					s.since = cycle
				}
			}
		case sequencer.OpReadCounter:
			s, ok := states[in.Port]
			if !ok {
				return cycle, fmt.Errorf("instruction %d: no counter at address %d", pc, in.Port)
			}
			gated := s.gated
			if s.enabled {
				gated += cycle - s.since
			}
			regs[in.Reg] = e.source.Count(in.Port, gated)
		case sequencer.OpWriteFIFO:
			e.push(FIFOWord{regs[in.FIFORegs[0]], regs[in.FIFORegs[1]], regs[in.FIFORegs[2]], in.Value})
		case sequencer.OpAdd:
			regs[in.Reg] = regs[in.Src] + in.Value
		case sequencer.OpBranchIfLessThan:
			if regs[in.Reg] < in.Value {
				next = in.Target
			}
		case sequencer.OpStop:
			return cycle + 1, nil
		default:
			return cycle, fmt.Errorf("instruction %d: unknown opcode %s", pc, in.Op)
		}
		cycle += int64(in.Cycles())
		pc = next
	}
	return cycle, nil
}
