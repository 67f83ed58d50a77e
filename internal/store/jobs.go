package store

import (
	"fmt"
	"sync"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/models"
)

// Jobs is the in-memory job table shared by the server and the runner.
// Records live for the lifetime of the process.
type Jobs struct {
	mu   sync.Mutex
	jobs map[string]*models.JobRecord
}

// NewJobs returns an empty table.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[string]*models.JobRecord)}
}

// Insert adds a QUEUED record for id.
func (s *Jobs) Insert(id string) (models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return models.JobRecord{}, fmt.Errorf("job %s already exists", id)
	}
	rec := &models.JobRecord{ID: id, Status: models.StatusQueued}
	s.jobs[id] = rec
	return *rec, nil
}

// Get returns a copy of the record for id.
func (s *Jobs) Get(id string) (models.JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.JobRecord{}, false
	}
	return *rec, true
}

// MarkRunning moves id from QUEUED to RUNNING.
func (s *Jobs) MarkRunning(id string) (models.JobRecord, error) {
	return s.transition(id, models.StatusRunning, func(*models.JobRecord) {})
}

// MarkDone stores the result and moves id to DONE.
func (s *Jobs) MarkDone(id string, result *models.ExecutionResult) (models.JobRecord, error) {
	return s.transition(id, models.StatusDone, func(rec *models.JobRecord) {
		rec.Result = result
		rec.Error = nil
	})
}

// MarkError stores msg and moves id to ERROR.
func (s *Jobs) MarkError(id string, msg string) (models.JobRecord, error) {
	return s.transition(id, models.StatusError, func(rec *models.JobRecord) {
		rec.Result = nil
		rec.Error = &msg
	})
}

func (s *Jobs) transition(id string, next models.JobStatus, apply func(*models.JobRecord)) (models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return models.JobRecord{}, apperr.Newf(apperr.JobNotFound, "job %s", id)
	}
	if !rec.Status.CanTransition(next) {
		return *rec, fmt.Errorf("job %s: invalid transition %s -> %s", id, rec.Status, next)
	}
	rec.Status = next
	apply(rec)
	return *rec, nil
}

// Counts returns how many jobs are in each status.
func (s *Jobs) Counts() map[models.JobStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.JobStatus]int, 4)
	for _, rec := range s.jobs {
		out[rec.Status]++
	}
	return out
}
