package hardware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
)

// DefaultPollInterval is how long the executor sleeps when the FIFO is empty
// and the program is still running.
const DefaultPollInterval = 5 * time.Millisecond

// Opener connects to the device for a profile.
type Opener func(p *profile.Profile, logger *zap.Logger) (Device, error)

// Executor uploads programs, streams their FIFO output and decodes it.
type Executor struct {
	logger       *zap.Logger
	open         Opener
	pollInterval time.Duration
}

// NewExecutor returns an executor that opens devices through the driver
// registry. A nil opener selects Open.
func NewExecutor(logger *zap.Logger, open Opener, pollInterval time.Duration) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if open == nil {
		open = Open
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Executor{logger: logger, open: open, pollInterval: pollInterval}
}

// Execute runs prog to completion and returns every FIFO word it produced.
// Any device failure is reported as apperr.HardwareFault. Cancelling ctx only
// stops the host from waiting; it is meant for process shutdown.
func (e *Executor) Execute(ctx context.Context, p *profile.Profile, prog *sequencer.Program) (words []FIFOWord, err error) {
	dev, err := e.open(p, e.logger)
	if err != nil {
		return nil, apperr.Wrap(apperr.HardwareFault, err, "open device "+p.Device.Driver)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = apperr.Wrap(apperr.HardwareFault, cerr, "close device")
		}
	}()

	if err := dev.Upload(prog); err != nil {
		return nil, apperr.Wrap(apperr.HardwareFault, err, "upload program")
	}
	if err := dev.Start(); err != nil {
		return nil, apperr.Wrap(apperr.HardwareFault, err, "start sequencer")
	}
	started := time.Now()

	for {
		running, err := dev.Running()
		if err != nil {
			return nil, apperr.Wrap(apperr.HardwareFault, err, "poll sequencer status")
		}
		if !running {
			break
		}
		n, err := e.read(dev, &words)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.HardwareFault, ctx.Err(), "waiting for sequencer")
		case <-time.After(e.pollInterval):
		}
	}
	// Drain whatever arrived between the last read and the halt.
	for {
		n, err := e.read(dev, &words)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}
	e.logger.Debug("sequencer run complete",
		zap.String("profile", p.Name),
		zap.Int("instructions", prog.Len()),
		zap.Int("fifo_words", len(words)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return words, nil
}

func (e *Executor) read(dev Device, words *[]FIFOWord) (int, error) {
	n, err := dev.FIFOLength()
	if err != nil {
		return 0, apperr.Wrap(apperr.HardwareFault, err, "read fifo length")
	}
	if n == 0 {
		return 0, nil
	}
	got, err := dev.ReadFIFO(n)
	if err != nil {
		return 0, apperr.Wrap(apperr.HardwareFault, err, "read fifo")
	}
	*words = append(*words, got...)
	return len(got), nil
}

// Run executes prog and decodes the result with p.
func (e *Executor) Run(ctx context.Context, p *profile.Profile, prog *sequencer.Program) (*models.ExecutionResult, error) {
	words, err := e.Execute(ctx, p, prog)
	if err != nil {
		return nil, err
	}
	return Decode(p, words)
}
