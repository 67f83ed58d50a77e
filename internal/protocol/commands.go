package protocol

// Request texts.
const (
	SubmitJob   = "SUBMIT JOB"
	RetrieveJob = "RETRIEVE JOB"
)

// Response texts.
const (
	JobID   = "JOB ID"
	JobInfo = "JOB INFO"

	// JobNotFound answers a retrieve for an unknown id; the payload echoes the id.
	JobNotFound = "JOB NOT FOUND"

	// RateLimited answers a submit refused by the per-peer limiter.
	RateLimited = "RATE LIMITED"
)
