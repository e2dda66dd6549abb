package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mycelica/hypha/internal/call"
	"mycelica/hypha/internal/entity"
	"mycelica/hypha/internal/rpc"
	"mycelica/hypha/internal/service"
)

var (
	ErrNoCredentials = errors.New("orchestrate: no credentials configured")
	ErrNoImage       = errors.New("orchestrate: entity has no image")
	ErrClosed        = errors.New("orchestrate: manager closed")
	ErrNoSession     = errors.New("orchestrate: no session")
)

// Manager owns the session, the service facade and the local cache, and
// exposes the public sync operations. All cache writes run on a single
// worker goroutine.
type Manager struct {
	client  *rpc.Client
	svc     *service.Service
	cache   Repository
	cfg     Config
	creds   Credentials
	events  EventSink
	trust   TrustDecider
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	sessions singleflight.Group

	mu        sync.Mutex
	token     string
	prefs     entity.ClientPreferences
	prefsSeen bool
	info      entity.ServerInfo

	jobs      chan job
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCredentials sets the login used for the session and for re-login
// after expiry.
func WithCredentials(c Credentials) Option {
	return func(m *Manager) { m.creds = c }
}

// WithEvents sets the event sink.
func WithEvents(s EventSink) Option {
	return func(m *Manager) { m.events = s }
}

// WithTrustDecider sets who answers trust challenges. Without one every
// challenge is declined.
func WithTrustDecider(d TrustDecider) Option {
	return func(m *Manager) { m.trust = d }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock sets the clock used by the refresh policy.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager talking through client and caching into
// cache. It loads the persisted sync bookkeeping and starts the worker.
func NewManager(ctx context.Context, client *rpc.Client, cache Repository, cfg Config, opts ...Option) (*Manager, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	m := &Manager{
		client: client,
		svc:    service.New(client),
		cache:  cache,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		jobs:   make(chan job),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.prefs = entity.ClientPreferences{RootSetRefreshInterval: cfg.RefreshInterval}

	info, err := cache.ServerInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading server info: %w", err)
	}
	m.info = info

	m.wg.Add(1)
	go m.work()
	return m, nil
}

// Close stops the worker. Operations still queued fail with ErrClosed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	m.wg.Wait()
}

// Token returns the current session token, or "" before login.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Preferences returns the client preferences in effect.
func (m *Manager) Preferences() entity.ClientPreferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs
}

// ServerInfo returns the sync bookkeeping of the server.
func (m *Manager) ServerInfo() entity.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// refreshInterval prefers the preference sent this session, then the one
// persisted by an earlier session, then the configured fallback.
func (m *Manager) refreshInterval() time.Duration {
	if m.prefsSeen && m.prefs.RootSetRefreshInterval > 0 {
		return m.prefs.RootSetRefreshInterval
	}
	if m.info.RefreshInterval > 0 {
		return m.info.RefreshInterval
	}
	return m.prefs.RootSetRefreshInterval
}

// ShouldRefreshRootSet reports whether the root set must be fetched again:
// it was never synced, the refresh interval has elapsed, or force is set.
func (m *Manager) ShouldRefreshRootSet(force bool) bool {
	if force {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.LastRootSync.IsZero() {
		return true
	}
	return m.now().Sub(m.info.LastRootSync) >= m.refreshInterval()
}

func (m *Manager) notify(name EventName, phase Phase, err error, deleted []string) {
	if m.events == nil {
		return
	}
	m.events.Notify(Event{Name: name, Phase: phase, Err: err, Deleted: deleted, At: m.now()})
}

// login authenticates and runs the post-login command. The session is
// replaced only once both succeeded.
func (m *Manager) login(ctx context.Context) (string, error) {
	if m.creds.User == "" {
		return "", ErrNoCredentials
	}
	token, err := execute(ctx, m, m.svc.Login(m.creds.User, m.creds.Password), false)
	if err != nil {
		return "", err
	}
	prefs, err := (&postLoginCommand{m: m, token: token}).run(ctx)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.token = token
	m.prefs = prefs
	m.prefsSeen = true
	m.mu.Unlock()
	m.logger.Info("logged in",
		zap.String("user", m.creds.User),
		zap.Duration("root_refresh", prefs.RootSetRefreshInterval))
	return token, nil
}

// refreshSession logs in again unless another caller already replaced
// stale. Concurrent callers share one login, which runs detached from any
// single caller and is bounded by the configured timeout. Each caller stops
// waiting when its own ctx is done.
func (m *Manager) refreshSession(ctx context.Context, stale string) (string, error) {
	ch := m.sessions.DoChan("login", func() (any, error) {
		if cur := m.Token(); cur != "" && cur != stale {
			return cur, nil
		}
		lctx := call.Detach(ctx)
		if m.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, m.cfg.Timeout)
			defer cancel()
		}
		return m.login(lctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// session returns the current token, logging in first if there is none.
func (m *Manager) session(ctx context.Context) (string, error) {
	if tok := m.Token(); tok != "" {
		return tok, nil
	}
	return m.refreshSession(ctx, "")
}
