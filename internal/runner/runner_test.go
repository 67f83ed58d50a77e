package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quiqcl-server/internal/hardware"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/profile"
	"quiqcl-server/internal/queue"
	"quiqcl-server/internal/store"
)

type harness struct {
	jobs   *store.Jobs
	queue  *queue.FIFO[models.Job]
	runner *Runner
}

func newHarness(opts Options) *harness {
	jobs := store.NewJobs()
	q := queue.NewFIFO[models.Job]()
	return &harness{jobs: jobs, queue: q, runner: New(jobs, q, opts)}
}

func (h *harness) submit(t *testing.T, id, backend string, c models.Circuit) {
	t.Helper()
	_, err := h.jobs.Insert(id)
	require.NoError(t, err)
	h.queue.Push(models.Job{ID: id, Submission: models.Submission{Circuit: c, Backend: backend}})
}

// runUntilFinal runs the loop until every id is DONE or ERROR, then stops it.
func (h *harness) runUntilFinal(t *testing.T, ids ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- h.runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			rec, ok := h.jobs.Get(id)
			if !ok || !rec.Status.Final() {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func measureCircuit(shots int) models.Circuit {
	return models.Circuit{
		Layers:    []models.Layer{{{Op: models.OpMeasure, Qargs: []int{0}, Cargs: []int{0}}}},
		Shots:     shots,
		NumQubits: 1,
	}
}

func TestRunsJobsInOrder(t *testing.T) {
	h := newHarness(Options{})
	var mu sync.Mutex
	var order []string
	h.runner.RegisterHandler("fake", func(_ context.Context, job models.Job) (*models.ExecutionResult, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return &models.ExecutionResult{Samples: []int{1}, Rabi: map[string]map[uint32]int{}}, nil
	})
	for _, id := range []string{"a", "b", "c"} {
		h.submit(t, id, "fake", measureCircuit(1))
	}
	h.runUntilFinal(t, "a", "b", "c")

	assert.Equal(t, []string{"a", "b", "c"}, order)
	rec, _ := h.jobs.Get("b")
	assert.Equal(t, models.StatusDone, rec.Status)
	assert.Equal(t, []int{1}, rec.Result.Samples)
	assert.Nil(t, rec.Error)
}

func TestFailuresBecomeErrorRecords(t *testing.T) {
	h := newHarness(Options{})
	h.runner.RegisterHandler("boom", func(context.Context, models.Job) (*models.ExecutionResult, error) {
		return nil, errors.New("counter overflow")
	})
	h.runner.RegisterHandler("panic", func(context.Context, models.Job) (*models.ExecutionResult, error) {
		panic("driver crashed")
	})
	h.runner.RegisterHandler("empty", func(context.Context, models.Job) (*models.ExecutionResult, error) {
		return nil, nil
	})
	h.runner.RegisterHandler("ok", func(context.Context, models.Job) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Samples: []int{}}, nil
	})

	h.submit(t, "1", "boom", measureCircuit(1))
	h.submit(t, "2", "panic", measureCircuit(1))
	h.submit(t, "3", "nowhere", measureCircuit(1))
	h.submit(t, "4", "empty", measureCircuit(1))
	h.submit(t, "5", "ok", measureCircuit(1))
	h.runUntilFinal(t, "1", "2", "3", "4", "5")

	want := map[string]string{
		"1": "counter overflow",
		"2": "backend panic panicked: driver crashed",
		"3": `unknown backend "nowhere"`,
		"4": "backend empty returned no result",
	}
	for id, msg := range want {
		rec, _ := h.jobs.Get(id)
		assert.Equal(t, models.StatusError, rec.Status, id)
		require.NotNil(t, rec.Error, id)
		assert.Equal(t, msg, *rec.Error, id)
		assert.Nil(t, rec.Result, id)
	}
	rec, _ := h.jobs.Get("5")
	assert.Equal(t, models.StatusDone, rec.Status)
}

type recordingArchive struct {
	mu   sync.Mutex
	recs []models.JobRecord
	err  error
}

func (a *recordingArchive) SaveJob(_ context.Context, rec models.JobRecord, _ models.Submission) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return a.err
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, models.JobRecord) ([]string, error) {
	return nil, errors.New("bucket unreachable")
}

func TestFinishHooksDoNotAlterRecord(t *testing.T) {
	archive := &recordingArchive{err: errors.New("database down")}
	h := newHarness(Options{Logger: zap.NewNop(), Archive: archive, Publisher: failingPublisher{}})
	h.runner.RegisterHandler("ok", func(context.Context, models.Job) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Samples: []int{0}}, nil
	})
	h.submit(t, "j", "ok", measureCircuit(1))
	h.runUntilFinal(t, "j")

	rec, _ := h.jobs.Get("j")
	assert.Equal(t, models.StatusDone, rec.Status)

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Len(t, archive.recs, 1)
	assert.Equal(t, "j", archive.recs[0].ID)
	assert.Equal(t, models.StatusDone, archive.recs[0].Status)
}

func TestHardwareBackendOnEmulator(t *testing.T) {
	reg, err := profile.Builtin()
	require.NoError(t, err)

	open := func(p *profile.Profile, logger *zap.Logger) (hardware.Device, error) {
		// Bright on every shot: 20 counts for a full detection window.
		src := hardware.CounterFunc(func(_ uint8, gated int64) uint32 { return uint32(gated / 5000) })
		return hardware.NewEmulator(p, src, logger), nil
	}
	h := newHarness(Options{})
	h.runner.RegisterProfiles(reg, hardware.NewExecutor(nil, open, time.Millisecond))
	assert.Equal(t, reg.Names(), h.runner.Backends())

	h.submit(t, "hw", "quiqcl_chip_trap", measureCircuit(4))
	over := measureCircuit(1)
	over.Shots = 1 << 30
	h.submit(t, "too-many", "quiqcl_chip_trap", over)
	bad := measureCircuit(1)
	bad.Layers = append(bad.Layers, models.Layer{{Op: "cz", Qargs: []int{0}}})
	h.submit(t, "bad-gate", "quiqcl_chip_trap", bad)
	huge := measureCircuit(1)
	huge.Layers = append([]models.Layer{{{Op: models.OpRX, Params: []float64{1e12}, Qargs: []int{0}}}}, huge.Layers...)
	h.submit(t, "huge-angle", "quiqcl_chip_trap", huge)
	h.submit(t, "after", "quiqcl_chip_trap", measureCircuit(2))
	h.runUntilFinal(t, "hw", "too-many", "bad-gate", "huge-angle", "after")

	rec, _ := h.jobs.Get("hw")
	require.Equal(t, models.StatusDone, rec.Status, "%v", rec.Error)
	assert.Equal(t, []int{1, 1, 1, 1}, rec.Result.Samples)
	assert.Equal(t, map[uint32]int{19: 4}, rec.Result.Rabi["PMT1"])

	rec, _ = h.jobs.Get("too-many")
	assert.Equal(t, models.StatusError, rec.Status)
	rec, _ = h.jobs.Get("bad-gate")
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, *rec.Error, "unsupported_gate")
	rec, _ = h.jobs.Get("huge-angle")
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, *rec.Error, "program_too_large")
	rec, _ = h.jobs.Get("after")
	assert.Equal(t, models.StatusDone, rec.Status, "%v", rec.Error)
}
