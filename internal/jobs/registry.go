// Package jobs keeps the in-memory directory of asynchronous generation jobs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
	"github.com/wwwzhouhui/seedance2.0/internal/infra"
)

const (
	DefaultTTL        = 30 * time.Minute
	DefaultRetention  = 5 * time.Minute
	DefaultSweepEvery = time.Minute
)

// Job is a snapshot of one generation job.
type Job struct {
	ID        string
	Status    domain.JobStatus
	Progress  domain.Progress
	StartedAt time.Time
	Result    *domain.VideoResult
	Err       error
}

type entry struct {
	job      Job
	deleteAt time.Time
}

type Options struct {
	TTL        time.Duration
	Retention  time.Duration
	SweepEvery time.Duration
	Now        func() time.Time
	Logger     *infra.Logger
}

// Registry stores jobs until their TTL passes or, once a caller has seen
// them finish, until the retention window closes.
type Registry struct {
	mu         sync.RWMutex
	jobs       map[string]*entry
	counter    uint64
	ttl        time.Duration
	retention  time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	logger     *infra.Logger
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		jobs:       make(map[string]*entry),
		ttl:        opts.TTL,
		retention:  opts.Retention,
		sweepEvery: opts.SweepEvery,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.retention <= 0 {
		r.retention = DefaultRetention
	}
	if r.sweepEvery <= 0 {
		r.sweepEvery = DefaultSweepEvery
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = infra.DiscardLogger()
	}
	return r
}

// Create registers a new processing job and returns its id.
func (r *Registry) Create() string {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	id := fmt.Sprintf("task_%d_%d", r.counter, now.UnixMilli())
	r.jobs[id] = &entry{job: Job{
		ID:        id,
		Status:    domain.JobStatusProcessing,
		Progress:  domain.Progress{Stage: domain.StagePreparing},
		StartedAt: now,
	}}
	return id
}

// Get returns a copy of the job. Expired jobs are reported as missing even
// before the sweeper removes them.
func (r *Registry) Get(id string) (Job, bool) {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok || r.expired(e, now) {
		return Job{}, false
	}
	return e.job, true
}

func (r *Registry) SetProgress(id string, p domain.Progress) bool {
	return r.update(id, func(j *Job) {
		j.Progress = p
	})
}

func (r *Registry) SetResult(id string, res domain.VideoResult) bool {
	return r.update(id, func(j *Job) {
		j.Status = domain.JobStatusDone
		j.Result = &res
		j.Err = nil
	})
}

func (r *Registry) SetError(id string, err error) bool {
	return r.update(id, func(j *Job) {
		j.Status = domain.JobStatusError
		j.Err = err
	})
}

// update applies fn unless the job is missing or already terminal.
func (r *Registry) update(id string, fn func(*Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return false
	}
	fn(&e.job)
	return true
}

// MarkObserved schedules a finished job for deletion after the retention
// window. It has no effect on running jobs or on repeated observations.
func (r *Registry) MarkObserved(id string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok || !e.job.Status.Terminal() || !e.deleteAt.IsZero() {
		return
	}
	e.deleteAt = now.Add(r.retention)
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	if now.Sub(e.job.StartedAt) > r.ttl {
		return true
	}
	return !e.deleteAt.IsZero() && !now.Before(e.deleteAt)
}

// Sweep deletes expired jobs and reports how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.jobs {
		if r.expired(e, now) {
			if e.job.Status == domain.JobStatusProcessing {
				r.logger.Warn().Str("task_id", id).Msg("jobs: dropping stuck job")
			}
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Run sweeps periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug().Int("removed", n).Msg("jobs: swept")
			}
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
