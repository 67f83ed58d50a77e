package runner

import (
	"context"

	"go.uber.org/zap"

	"quiqcl-server/internal/compiler"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/sequencer"
	"quiqcl-server/internal/simulator"
)

// Executor runs a compiled program on a profile's device and decodes the
// result.
type Executor interface {
	Run(ctx context.Context, p *profile.Profile, prog *sequencer.Program) (*models.ExecutionResult, error)
}

// HardwareHandler compiles each circuit for p and executes it.
func HardwareHandler(p *profile.Profile, exec Executor, logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, job models.Job) (*models.ExecutionResult, error) {
		prog, err := compiler.Compile(job.Submission.Circuit, p)
		if err != nil {
			return nil, err
		}
		logger.Debug("program compiled",
			zap.String("job_id", job.ID),
			zap.Int("instructions", prog.Len()),
			zap.Int("fifo_writes", prog.FIFOWrites),
		)
		return exec.Run(ctx, p, prog)
	}
}

// SimulatorHandler forwards circuits to the external simulator.
func SimulatorHandler(c *simulator.Client) Handler {
	return func(ctx context.Context, job models.Job) (*models.ExecutionResult, error) {
		return c.Run(ctx, job.Submission.Circuit)
	}
}

// RegisterProfiles binds every profile in reg to a hardware handler.
func (r *Runner) RegisterProfiles(reg *profile.Registry, exec Executor) {
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		r.RegisterHandler(name, HardwareHandler(p, exec, r.logger))
	}
}
