package jobs

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/wwwzhouhui/seedance2.0/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(Options{Now: clock.Now}), clock
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	reg, _ := newTestRegistry()
	pattern := regexp.MustCompile(`^task_\d+_\d+$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := reg.Create()
		if !pattern.MatchString(id) {
			t.Fatalf("id %q has unexpected shape", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	job, ok := reg.Get("task_1_1714564800000")
	if !ok {
		t.Fatalf("first job missing")
	}
	if job.Status != domain.JobStatusProcessing || job.Progress.Stage != domain.StagePreparing {
		t.Fatalf("job = %+v", job)
	}
}

func TestUntouchedJobExpiresAfterTTL(t *testing.T) {
	reg, clock := newTestRegistry()
	id := reg.Create()

	clock.Advance(29 * time.Minute)
	if n := reg.Sweep(clock.Now()); n != 0 {
		t.Fatalf("swept %d jobs before TTL", n)
	}
	clock.Advance(2 * time.Minute)
	if _, ok := reg.Get(id); ok {
		t.Fatalf("job visible at t0+31min")
	}
	if n := reg.Sweep(clock.Now()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not empty")
	}
}

func TestObservedTerminalJobIsRetainedBriefly(t *testing.T) {
	reg, clock := newTestRegistry()
	id := reg.Create()
	clock.Advance(3 * time.Minute)
	reg.SetResult(id, domain.VideoResult{URL: "https://cdn.test/v.mp4"})
	reg.MarkObserved(id)

	clock.Advance(4 * time.Minute)
	reg.MarkObserved(id)
	if _, ok := reg.Get(id); !ok {
		t.Fatalf("job gone before retention elapsed")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := reg.Get(id); ok {
		t.Fatalf("job visible at t1+6min")
	}
	if n := reg.Sweep(clock.Now()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

func TestMarkObservedIgnoresRunningJobs(t *testing.T) {
	reg, clock := newTestRegistry()
	id := reg.Create()
	reg.MarkObserved(id)
	clock.Advance(10 * time.Minute)
	if _, ok := reg.Get(id); !ok {
		t.Fatalf("running job evicted by observation")
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	reg, _ := newTestRegistry()
	id := reg.Create()
	if !reg.SetProgress(id, domain.Progress{Stage: domain.StageUploading, Current: 1, Total: 2}) {
		t.Fatalf("progress rejected")
	}
	if !reg.SetError(id, domain.ErrTimeout) {
		t.Fatalf("error rejected")
	}
	if reg.SetResult(id, domain.VideoResult{URL: "x"}) {
		t.Fatalf("result accepted after error")
	}
	job, _ := reg.Get(id)
	if job.Status != domain.JobStatusError || !errors.Is(job.Err, domain.ErrTimeout) || job.Result != nil {
		t.Fatalf("job = %+v", job)
	}
	if reg.SetProgress("missing", domain.Progress{}) {
		t.Fatalf("update of unknown job succeeded")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := NewRegistry(Options{SweepEvery: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
