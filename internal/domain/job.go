package domain

import "time"

// JobStatus enumerates job lifecycle states visible to callers.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusError      JobStatus = "error"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// Stage is the orchestrator state a running job is in.
type Stage string

const (
	StagePreparing  Stage = "created"
	StageUploading  Stage = "uploading"
	StageSubmitting Stage = "submitting"
	StageSubmitted  Stage = "submitted"
	StagePolling    Stage = "polling"
	StageResolving  Stage = "resolving"
)

// Progress is a structured progress report; it is rendered to text per
// locale only when a caller polls.
type Progress struct {
	Stage   Stage
	Current int
	Total   int
	Elapsed time.Duration
}

// VideoResult is the payload of a successfully finished job.
type VideoResult struct {
	Created       int64
	URL           string
	RevisedPrompt string
}
