package models

import (
	"sort"
	"strconv"
)

// JobStatus enumerates lifecycle states kept in the job table.
type JobStatus string

const (
	StatusQueued  JobStatus = "QUEUED"
	StatusRunning JobStatus = "RUNNING"
	StatusDone    JobStatus = "DONE"
	StatusError   JobStatus = "ERROR"
)

// Final reports whether no further transition is possible.
func (s JobStatus) Final() bool {
	return s == StatusDone || s == StatusError
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s JobStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusDone, StatusError:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Final() {
		return false
	}
	return next.rank() > s.rank()
}

// JobRecord is the state a client sees through RETRIEVE JOB.
type JobRecord struct {
	ID     string           `json:"-"`
	Status JobStatus        `json:"status"`
	Result *ExecutionResult `json:"result"`
	Error  *string          `json:"error"`
}

// Submission is the SUBMIT JOB payload.
type Submission struct {
	Circuit Circuit `json:"quiqcl_circuit"`
	Backend string  `json:"backend"`
}

// Job is a queued unit of work handed from the server to the runner.
type Job struct {
	ID         string
	Submission Submission
}

// ExecutionResult is what a finished job carries.
type ExecutionResult struct {
	Samples []int                     `json:"samples"`
	Rabi    map[string]map[uint32]int `json:"rabi"`
	// Counts is filled by backends that report aggregated outcomes directly.
	Counts map[string]int `json:"counts,omitempty"`
}

// CountsFromSamples aggregates per-shot samples into an outcome histogram
// keyed by the sample's decimal string.
func CountsFromSamples(samples []int) map[string]int {
	counts := make(map[string]int)
	for _, s := range samples {
		counts[strconv.Itoa(s)]++
	}
	return counts
}

// SamplesFromCounts expands a histogram of single-bit outcomes back into a
// sample list, in ascending key order. Keys that are not integers are skipped.
func SamplesFromCounts(counts map[string]int) []int {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var samples []int
	for _, k := range keys {
		v, err := strconv.ParseInt(k, 2, 64)
		if err != nil {
			continue
		}
		for i := 0; i < counts[k]; i++ {
			samples = append(samples, int(v))
		}
	}
	return samples
}
