package browser

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeTab struct {
	closed   atomic.Bool
	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    atomic.Int32
}

func (t *fakeTab) Fetch(ctx context.Context, req FetchRequest) (json.RawMessage, error) {
	if t.inFlight.Add(1) > 1 {
		t.overlap.Store(true)
	}
	defer t.inFlight.Add(-1)
	t.calls.Add(1)
	time.Sleep(2 * time.Millisecond)
	return json.RawMessage(`{"ret":"0","method":"` + req.Method + `"}`), nil
}

func (t *fakeTab) Close() error {
	t.closed.Store(true)
	return nil
}

type fakeEngine struct {
	mu     sync.Mutex
	tabs   map[string]*fakeTab
	opened atomic.Int32
	closed atomic.Bool
}

func (e *fakeEngine) OpenTab(ctx context.Context, key SessionKey) (Tab, error) {
	e.opened.Add(1)
	time.Sleep(5 * time.Millisecond)
	tab := &fakeTab{}
	e.mu.Lock()
	e.tabs[key.SessionID] = tab
	e.mu.Unlock()
	return tab, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *fakeEngine) tab(id string) *fakeTab {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tabs[id]
}

func newTestPool(t *testing.T) (*Pool, *fakeEngine, *fakeClock, *atomic.Int32) {
	t.Helper()
	engine := &fakeEngine{tabs: map[string]*fakeTab{}}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	var launches atomic.Int32
	pool := NewPool(Options{
		Launcher: func(ctx context.Context) (Engine, error) {
			launches.Add(1)
			return engine, nil
		},
		IdleTimeout: 10 * time.Minute,
		Now:         clock.Now,
	})
	t.Cleanup(func() { _ = pool.Close() })
	return pool, engine, clock, &launches
}

func TestPoolLaunchesEngineLazilyOnce(t *testing.T) {
	pool, engine, _, launches := newTestPool(t)
	if launches.Load() != 0 {
		t.Fatalf("engine launched before first use")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Session(context.Background(), SessionKey{SessionID: "sid-a"}); err != nil {
				t.Errorf("session: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := pool.Session(context.Background(), SessionKey{SessionID: "sid-b"}); err != nil {
		t.Fatalf("session b: %v", err)
	}

	if launches.Load() != 1 {
		t.Fatalf("launches = %d, want 1", launches.Load())
	}
	if engine.opened.Load() != 2 {
		t.Fatalf("tabs opened = %d, want 2", engine.opened.Load())
	}
	if pool.Len() != 2 {
		t.Fatalf("sessions = %d, want 2", pool.Len())
	}
}

func TestPoolEvictsIdleSession(t *testing.T) {
	pool, engine, clock, _ := newTestPool(t)
	start := clock.Now()
	if _, err := pool.Session(context.Background(), SessionKey{SessionID: "sid"}); err != nil {
		t.Fatalf("session: %v", err)
	}

	if n := pool.EvictIdle(start.Add(9 * time.Minute)); n != 0 {
		t.Fatalf("evicted %d sessions before the idle timeout", n)
	}
	if n := pool.EvictIdle(start.Add(10 * time.Minute)); n != 1 {
		t.Fatalf("evicted %d sessions, want 1", n)
	}
	if pool.Len() != 0 {
		t.Fatalf("session still registered after eviction")
	}
	if !engine.tab("sid").closed.Load() {
		t.Fatalf("tab not closed on eviction")
	}
}

func TestPoolUseResetsIdleClock(t *testing.T) {
	pool, _, clock, _ := newTestPool(t)
	start := clock.Now()
	key := SessionKey{SessionID: "sid"}
	if _, err := pool.Session(context.Background(), key); err != nil {
		t.Fatalf("session: %v", err)
	}

	clock.Set(start.Add(9 * time.Minute))
	if _, err := pool.Fetch(context.Background(), key, FetchRequest{URL: "https://example.com"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if n := pool.EvictIdle(start.Add(11 * time.Minute)); n != 0 {
		t.Fatalf("session used at minute 9 was evicted at minute 11")
	}
	if n := pool.EvictIdle(start.Add(19 * time.Minute)); n != 1 {
		t.Fatalf("session not evicted after 10 idle minutes")
	}
}

func TestPoolSerializesFetchesPerSession(t *testing.T) {
	pool, engine, _, _ := newTestPool(t)
	key := SessionKey{SessionID: "sid"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := pool.Fetch(context.Background(), key, FetchRequest{URL: "https://example.com"})
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			var body map[string]string
			if err := json.Unmarshal(raw, &body); err != nil || body["method"] != "GET" {
				t.Errorf("unexpected body %s (%v)", raw, err)
			}
		}()
	}
	wg.Wait()

	tab := engine.tab("sid")
	if tab.calls.Load() != 10 {
		t.Fatalf("calls = %d, want 10", tab.calls.Load())
	}
	if tab.overlap.Load() {
		t.Fatalf("fetches on one session overlapped")
	}
}

func TestPoolCloseDrainsSessionsThenEngine(t *testing.T) {
	pool, engine, _, _ := newTestPool(t)
	for _, id := range []string{"a", "b"} {
		if _, err := pool.Session(context.Background(), SessionKey{SessionID: id}); err != nil {
			t.Fatalf("session %s: %v", id, err)
		}
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if !engine.tab(id).closed.Load() {
			t.Fatalf("tab %s left open", id)
		}
	}
	if !engine.closed.Load() {
		t.Fatalf("engine left running")
	}
	if _, err := pool.Session(context.Background(), SessionKey{SessionID: "c"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("session after close err = %v, want ErrClosed", err)
	}
}

func TestPoolCloseSessionIsIdempotent(t *testing.T) {
	pool, engine, _, _ := newTestPool(t)
	if _, err := pool.Session(context.Background(), SessionKey{SessionID: "sid"}); err != nil {
		t.Fatalf("session: %v", err)
	}
	pool.CloseSession("sid")
	pool.CloseSession("sid")
	pool.CloseSession("unknown")
	if !engine.tab("sid").closed.Load() || pool.Len() != 0 {
		t.Fatalf("session not closed")
	}
}

func TestBlockRequest(t *testing.T) {
	allow := DefaultScriptAllowlist
	cases := []struct {
		kind network.ResourceType
		url  string
		want bool
	}{
		{network.ResourceTypeImage, "https://p3.byteimg.com/a.png", true},
		{network.ResourceTypeFont, "https://x.com/f.woff", true},
		{network.ResourceTypeStylesheet, "https://x.com/s.css", true},
		{network.ResourceTypeMedia, "https://x.com/v.mp4", true},
		{network.ResourceTypeScript, "https://lf.vlabstatic.com/sdk.js", false},
		{network.ResourceTypeScript, "https://www.googletagmanager.com/gtm.js", true},
		{network.ResourceTypeDocument, "https://jimeng.jianying.com", false},
		{network.ResourceTypeXHR, "https://tracker.example.com/collect", false},
	}
	for _, tc := range cases {
		if got := blockRequest(tc.kind, tc.url, allow); got != tc.want {
			t.Fatalf("blockRequest(%s, %s) = %v, want %v", tc.kind, tc.url, got, tc.want)
		}
	}
}

func TestReadyExpression(t *testing.T) {
	got := readyExpression([]string{"window.a", "window.b"})
	if got != "!!((window.a) || (window.b))" {
		t.Fatalf("expression = %s", got)
	}
}

func TestWaitReady(t *testing.T) {
	if !WaitReady(context.Background(), time.Second, func(context.Context) (bool, error) { return true, nil }) {
		t.Fatalf("expected ready")
	}
	timedOut := WaitReady(context.Background(), 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	if timedOut {
		t.Fatalf("expected not ready after timeout")
	}
}
