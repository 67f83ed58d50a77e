// Package runner drains the job queue one job at a time and records each
// outcome in the job table.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"

	"quiqcl-server/internal/models"
	"quiqcl-server/internal/queue"
	"quiqcl-server/internal/store"
	"quiqcl-server/internal/telemetry"
)

// Handler executes a job for one backend.
type Handler func(ctx context.Context, job models.Job) (*models.ExecutionResult, error)

// Archiver persists finished records outside the process.
type Archiver interface {
	SaveJob(ctx context.Context, rec models.JobRecord, sub models.Submission) error
}

// Publisher uploads finished records as artifacts.
type Publisher interface {
	Publish(ctx context.Context, rec models.JobRecord) ([]string, error)
}

// Options wire optional collaborators. The zero value is usable.
type Options struct {
	Logger    *zap.Logger
	Archive   Archiver
	Publisher Publisher
}

// Runner is the single consumer of the job queue.
type Runner struct {
	logger    *zap.Logger
	jobs      *store.Jobs
	queue     *queue.FIFO[models.Job]
	handlers  map[string]Handler
	archive   Archiver
	publisher Publisher
}

// New creates a runner with no handlers registered.
func New(jobs *store.Jobs, q *queue.FIFO[models.Job], opts Options) *Runner {
	r := &Runner{
		logger:    opts.Logger,
		jobs:      jobs,
		queue:     q,
		handlers:  make(map[string]Handler),
		archive:   opts.Archive,
		publisher: opts.Publisher,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// RegisterHandler binds a handler to a backend name.
func (r *Runner) RegisterHandler(backend string, handler Handler) {
	if backend == "" || handler == nil {
		return
	}
	r.handlers[backend] = handler
}

// Backends lists the registered backend names.
func (r *Runner) Backends() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run processes jobs in submission order until ctx is cancelled. A job that
// is executing when ctx is cancelled still gets a final state.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", zap.Strings("backends", r.Backends()))
	for {
		job, err := r.queue.Pop(ctx)
		if err != nil {
			return ctx.Err()
		}
		telemetry.QueueDepthGauge.Set(float64(r.queue.Len()))
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job models.Job) {
	backend := job.Submission.Backend
	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("backend", backend))

	if _, err := r.jobs.MarkRunning(job.ID); err != nil {
		logger.Error("mark running", zap.Error(err))
		return
	}
	telemetry.RunnerBusy.Set(1)
	defer telemetry.RunnerBusy.Set(0)

	start := time.Now()
	result, err := r.runJob(ctx, job)
	elapsed := time.Since(start)
	telemetry.ExecuteDuration.WithLabelValues(backend).Observe(elapsed.Seconds())

	var rec models.JobRecord
	if err != nil {
		rec, err = r.jobs.MarkError(job.ID, err.Error())
		if err != nil {
			logger.Error("mark error", zap.Error(err))
			return
		}
		telemetry.JobsFailed.WithLabelValues(backend).Inc()
		logger.Warn("job failed", zap.Duration("elapsed", elapsed), zap.String("error", *rec.Error))
	} else {
		rec, err = r.jobs.MarkDone(job.ID, result)
		if err != nil {
			logger.Error("mark done", zap.Error(err))
			return
		}
		telemetry.JobsCompleted.WithLabelValues(backend).Inc()
		logger.Info("job done", zap.Duration("elapsed", elapsed), zap.Int("samples", len(result.Samples)))
	}
	r.finish(ctx, logger, rec, job.Submission)
}

// runJob calls the backend handler. Panics become errors so one bad job
// cannot stop the loop.
func (r *Runner) runJob(ctx context.Context, job models.Job) (result *models.ExecutionResult, err error) {
	handler, ok := r.handlers[job.Submission.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", job.Submission.Backend)
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			result, err = nil, fmt.Errorf("backend %s panicked: %v", job.Submission.Backend, p)
		}
	}()
	result, err = handler(ctx, job)
	if err == nil && result == nil {
		err = fmt.Errorf("backend %s returned no result", job.Submission.Backend)
	}
	return result, err
}

// finish hands a final record to the archive and publisher. Their failures
// are logged and never change the record.
func (r *Runner) finish(ctx context.Context, logger *zap.Logger, rec models.JobRecord, sub models.Submission) {
	if r.archive != nil {
		if err := r.archive.SaveJob(ctx, rec, sub); err != nil {
			logger.Warn("archive job", zap.Error(err))
		}
	}
	if r.publisher != nil {
		locations, err := r.publisher.Publish(ctx, rec)
		if err != nil {
			logger.Warn("publish artifacts", zap.Error(err))
		}
		if len(locations) > 0 {
			logger.Debug("artifacts published", zap.Strings("locations", locations))
		}
	}
}
