// Package browser proxies selected vendor calls through a real headless
// browser so they carry a live page's execution-context fingerprint.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wwwzhouhui/seedance2.0/internal/infra"
)

// ErrClosed is returned once the pool has been shut down.
var ErrClosed = errors.New("browser: pool closed")

const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultJanitorPeriod = 30 * time.Second
)

// SessionKey identifies the caller credential a session is bound to.
type SessionKey struct {
	SessionID string
	WebID     string
	UserID    string
}

// FetchRequest is the fetch() call evaluated inside the page.
type FetchRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// Tab is one authenticated page inside an isolated browser context.
type Tab interface {
	Fetch(ctx context.Context, req FetchRequest) (json.RawMessage, error)
	Close() error
}

// Engine is the shared browser process.
type Engine interface {
	OpenTab(ctx context.Context, key SessionKey) (Tab, error)
	Close() error
}

// Launcher starts the shared engine on first use.
type Launcher func(ctx context.Context) (Engine, error)

// Session is a caller-scoped browser context plus its page.
type Session struct {
	key      SessionKey
	tab      Tab
	mu       sync.Mutex
	lastUsed time.Time
}

// Options configures a Pool.
type Options struct {
	Launcher      Launcher
	IdleTimeout   time.Duration
	JanitorPeriod time.Duration
	Now           func() time.Time
	Logger        *infra.Logger
}

// Pool owns the shared engine and the per-credential sessions.
type Pool struct {
	launch      Launcher
	idleTimeout time.Duration
	period      time.Duration
	now         func() time.Time
	logger      *infra.Logger

	engineMu sync.Mutex
	engine   Engine

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	group singleflight.Group

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool builds a pool. The engine is not started until the first session
// is requested.
func NewPool(opts Options) *Pool {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	period := opts.JanitorPeriod
	if period <= 0 {
		period = defaultJanitorPeriod
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	return &Pool{
		launch:      opts.Launcher,
		idleTimeout: idle,
		period:      period,
		now:         now,
		logger:      logger,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
}

// Start runs the idle janitor until Close.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.period)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.EvictIdle(p.now())
			}
		}
	}()
}

func (p *Pool) ensureEngine(ctx context.Context) (Engine, error) {
	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	if p.engine != nil {
		return p.engine, nil
	}
	if p.launch == nil {
		return nil, errors.New("browser: no launcher configured")
	}
	p.logger.Info().Msg("browser: starting engine")
	engine, err := p.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("browser: launch engine: %w", err)
	}
	p.engine = engine
	p.logger.Info().Msg("browser: engine started")
	return engine, nil
}

// Session returns the live session for key.SessionID, creating it when
// absent. Using a session resets its idle clock.
func (p *Pool) Session(ctx context.Context, key SessionKey) (*Session, error) {
	if s, ok, err := p.lookup(key.SessionID); err != nil || ok {
		return s, err
	}
	v, err, _ := p.group.Do(key.SessionID, func() (any, error) {
		if s, ok, err := p.lookup(key.SessionID); err != nil || ok {
			return s, err
		}
		engine, err := p.ensureEngine(ctx)
		if err != nil {
			return nil, err
		}
		p.logger.Info().Str("session", shortID(key.SessionID)).Msg("browser: opening session")
		tab, err := engine.OpenTab(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("browser: open session: %w", err)
		}
		s := &Session{key: key, tab: tab, lastUsed: p.now()}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = tab.Close()
			return nil, ErrClosed
		}
		p.sessions[key.SessionID] = s
		p.mu.Unlock()
		p.logger.Info().Str("session", shortID(key.SessionID)).Msg("browser: session created")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (p *Pool) lookup(id string) (*Session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}
	s, ok := p.sessions[id]
	if ok {
		s.lastUsed = p.now()
	}
	return s, ok, nil
}

// Fetch runs req inside the session's page. Calls on the same session are
// serialized; distinct sessions run concurrently.
func (p *Pool) Fetch(ctx context.Context, key SessionKey, req FetchRequest) (json.RawMessage, error) {
	s, err := p.Session(ctx, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.touch(s)
	defer p.touch(s)

	method := req.Method
	if method == "" {
		method = "GET"
	}
	p.logger.Debug().
		Str("session", shortID(key.SessionID)).
		Str("method", method).
		Str("url", truncate(req.URL, 80)).
		Msg("browser: proxied fetch")
	req.Method = method
	return s.tab.Fetch(ctx, req)
}

func (p *Pool) touch(s *Session) {
	p.mu.Lock()
	s.lastUsed = p.now()
	p.mu.Unlock()
}

// CloseSession tears down one session. Closing an unknown id is a no-op.
func (p *Pool) CloseSession(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.closeTab(s)
}

func (p *Pool) closeTab(s *Session) {
	if err := s.tab.Close(); err != nil {
		p.logger.Debug().Err(err).Str("session", shortID(s.key.SessionID)).Msg("browser: close session")
	}
	p.logger.Info().Str("session", shortID(s.key.SessionID)).Msg("browser: session closed")
}

// EvictIdle closes every session unused for at least the idle timeout.
// Sessions with a fetch in flight are skipped.
func (p *Pool) EvictIdle(now time.Time) int {
	var victims []*Session
	p.mu.Lock()
	for id, s := range p.sessions {
		if now.Sub(s.lastUsed) < p.idleTimeout {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		delete(p.sessions, id)
		victims = append(victims, s)
	}
	p.mu.Unlock()
	for _, s := range victims {
		p.closeTab(s)
		s.mu.Unlock()
	}
	return len(victims)
}

// Len reports the number of open sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close drains every session, then shuts the engine down.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		p.closeTab(s)
		s.mu.Unlock()
	}

	p.engineMu.Lock()
	defer p.engineMu.Unlock()
	if p.engine == nil {
		return nil
	}
	if err := p.engine.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("browser: close engine")
	}
	p.engine = nil
	p.logger.Info().Msg("browser: engine closed")
	return nil
}

func shortID(id string) string {
	return truncate(id, 8)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
