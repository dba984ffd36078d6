// Package session holds the signed-in user's state: identity, bearer token and the cached
// user record. A Session is created at sign-in, passed to the components that need it,
// and closed at sign-out.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"researchdesk/internal/model"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a session after sign-out.
var ErrClosed = errors.New("session closed")

// Identity is what the auth provider asserts about the user.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Loader reads the durable user record, creating it on first sign-in.
type Loader interface {
	LoadUser(ctx context.Context, id Identity) (*model.User, error)
}

type Session struct {
	mu       sync.RWMutex
	identity Identity
	token    string
	user     model.User
	closed   bool
	loadedAt time.Time
	lastUsed time.Time
	loader   Loader
	now      func() time.Time
}

// New signs the user in and loads the record into the cache.
func New(ctx context.Context, id Identity, token string, loader Loader) (*Session, error) {
	return newSession(ctx, id, token, loader, time.Now)
}

func newSession(ctx context.Context, id Identity, token string, loader Loader, now func() time.Time) (*Session, error) {
	u, err := loader.LoadUser(ctx, id)
	if err != nil {
		return nil, err
	}
	t := now()
	return &Session{identity: id, token: token, user: *u, loadedAt: t, lastUsed: t, loader: loader, now: now}, nil
}

func (s *Session) UserID() string { return s.identity.UserID }

func (s *Session) Identity() Identity { return s.identity }

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// User returns a copy of the cached record.
func (s *Session) User() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Subscription returns the cached subscription.
func (s *Session) Subscription() model.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Subscription
}

// Refresh replaces the cache with a fresh read of the durable record.
func (s *Session) Refresh(ctx context.Context) error {
	if s.Closed() {
		return ErrClosed
	}
	u, err := s.loader.LoadUser(ctx, s.identity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.user = *u
	s.loadedAt = s.now()
	return nil
}

// SetSubscription updates the cached subscription after a local write.
func (s *Session) SetSubscription(sub model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user.Subscription = sub
}

// Close tears the session down. Later Refresh calls fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.token = ""
}

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// touch records a new request with token and reports how old the cached record is.
func (s *Session) touch(token string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.lastUsed = s.now()
	return s.lastUsed.Sub(s.loadedAt)
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

// ManagerConfig bounds how long the Manager trusts and keeps a session.
type ManagerConfig struct {
	// RefreshAfter is the age at which Open reloads the cached user record.
	RefreshAfter time.Duration
	// IdleTimeout is how long an unused session is kept before it is closed.
	IdleTimeout time.Duration
}

// Manager keeps one open session per active user for the API server.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	loader    Loader
	cfg       ManagerConfig
	lastSweep time.Time
	now       func() time.Time
	logger    zerolog.Logger
}

func NewManager(loader Loader, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*Session),
		loader:   loader,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("service", "SessionManager").Logger(),
	}
}

// Open returns the user's open session, creating it on first use. The bearer token is
// replaced so backend calls always use the latest one, and a cached record older than
// RefreshAfter is reloaded so changes made elsewhere become visible.
func (m *Manager) Open(ctx context.Context, id Identity, token string) (*Session, error) {
	m.sweep()

	m.mu.Lock()
	s, ok := m.sessions[id.UserID]
	m.mu.Unlock()
	if ok && !s.Closed() {
		if age := s.touch(token); age >= m.cfg.RefreshAfter {
			if err := s.Refresh(ctx); err != nil {
				m.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("Failed to reload session user; serving cached record")
			}
		}
		return s, nil
	}

	s, err := newSession(ctx, id, token, m.loader, m.now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id.UserID]; ok && !existing.Closed() {
		existing.touch(token)
		return existing, nil
	}
	m.sessions[id.UserID] = s
	m.logger.Debug().Str("user_id", id.UserID).Msg("Session opened")
	return s, nil
}

// Close signs the user out.
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if ok {
		s.Close()
		m.logger.Debug().Str("user_id", userID).Msg("Session closed")
	}
}

// Len returns the number of sessions held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep closes sessions idle for longer than IdleTimeout. It runs at most once per
// quarter of the timeout.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) < m.cfg.IdleTimeout/4 {
		return
	}
	m.lastSweep = now
	evicted := 0
	for userID, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.cfg.IdleTimeout {
			s.Close()
			delete(m.sessions, userID)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug().Int("evicted", evicted).Msg("Closed idle sessions")
	}
}

type contextKey struct{}

// WithSession stores s in ctx.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}
