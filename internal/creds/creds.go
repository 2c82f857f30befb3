// ABOUTME: Credential lifecycle manager for the two bridge tokens
// ABOUTME: Caches credentials behind atomic pointers and refreshes ahead of expiry

package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-lark/internal/backoff"
)

// Kind identifies which credential a caller needs.
type Kind string

const (
	// KindTenant is the chat-platform tenant access token.
	KindTenant Kind = "tenant"
	// KindAgent is the coding-agent API token.
	KindAgent Kind = "agent"
)

// Credential errors
var (
	ErrUnknownKind           = errors.New("unknown credential kind")
	ErrCredentialUnavailable = errors.New("credential unavailable")
)

// Credential is an immutable token snapshot. Callers must not mutate it.
type Credential struct {
	Kind      Kind
	Token     string
	Obtained  time.Time
	ExpiresAt time.Time
}

// Window returns the credential's full validity window.
func (c *Credential) Window() time.Duration {
	return c.ExpiresAt.Sub(c.Obtained)
}

// Refresher obtains a fresh credential from the issuing service.
type Refresher interface {
	Refresh(ctx context.Context) (*Credential, error)
}

// slot holds the live state for one credential kind.
type slot struct {
	kind      Kind
	refresher Refresher
	margin    time.Duration

	current atomic.Pointer[Credential]

	mu          sync.Mutex // serializes refresh attempts
	failures    int
	degraded    bool
	nextAttempt time.Time
}

// needsRefresh reports whether the slot's credential is missing or inside
// its refresh margin. The margin shrinks to a third of the validity window
// for short-lived tokens so we never refresh on every check.
func (s *slot) needsRefresh(now time.Time) bool {
	c := s.current.Load()
	if c == nil {
		return true
	}
	margin := s.margin
	if w := c.Window(); w > 0 && w/3 < margin {
		margin = w / 3
	}
	return now.Add(margin).After(c.ExpiresAt)
}

// Manager keeps both bridge credentials valid. Reads are lock-free;
// refreshes are serialized per kind.
type Manager struct {
	logger        *slog.Logger
	checkInterval time.Duration
	maxFailures   int
	policy        backoff.Policy

	mu    sync.RWMutex
	slots map[Kind]*slot
}

// Option configures a Manager.
type Option func(*Manager)

// WithCheckInterval overrides how often Run re-checks expiry.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.checkInterval = d }
}

// WithBackoff overrides the retry policy used after refresh failures.
func WithBackoff(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// NewManager creates a credential manager with no registered kinds.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:        logger.With("component", "creds"),
		checkInterval: 60 * time.Second,
		maxFailures:   5,
		policy:        backoff.Default(),
		slots:         make(map[Kind]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a credential kind. margin is how far before expiry the
// manager refreshes proactively.
func (m *Manager) Register(kind Kind, r Refresher, margin time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[kind] = &slot{kind: kind, refresher: r, margin: margin}
}

func (m *Manager) slot(kind Kind) (*slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return s, nil
}

// EnsureValid returns a credential that is outside its refresh margin,
// refreshing synchronously if needed. Concurrent callers share one refresh.
func (m *Manager) EnsureValid(ctx context.Context, kind Kind) (*Credential, error) {
	s, err := m.slot(kind)
	if err != nil {
		return nil, err
	}
	if !s.needsRefresh(time.Now()) {
		return s.current.Load(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have refreshed while we waited.
	if !s.needsRefresh(time.Now()) {
		return s.current.Load(), nil
	}
	// Inside the backoff window after a failed refresh: don't hit the auth
	// endpoint again. Serve the old credential while it is still valid.
	if now := time.Now(); now.Before(s.nextAttempt) {
		if c := s.current.Load(); c != nil && now.Before(c.ExpiresAt) {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %s: retry scheduled in %s",
			ErrCredentialUnavailable, kind, time.Until(s.nextAttempt).Round(time.Millisecond))
	}
	if err := m.refreshLocked(ctx, s); err != nil {
		// A stale-but-unexpired credential beats no credential.
		if c := s.current.Load(); c != nil && time.Now().Before(c.ExpiresAt) {
			m.logger.Warn("refresh failed, serving current credential",
				"kind", kind, "error", err)
			return c, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCredentialUnavailable, kind, err)
	}
	return s.current.Load(), nil
}

// Token is a convenience wrapper around EnsureValid.
func (m *Manager) Token(ctx context.Context, kind Kind) (string, error) {
	c, err := m.EnsureValid(ctx, kind)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}

// Invalidate drops the cached credential so the next EnsureValid refreshes.
// Used when the remote service rejects a token we believed valid.
func (m *Manager) Invalidate(kind Kind) {
	s, err := m.slot(kind)
	if err != nil {
		return
	}
	s.current.Store(nil)
	m.logger.Info("credential invalidated", "kind", kind)
}

// Degraded reports whether a kind has exceeded its failure budget.
func (m *Manager) Degraded(kind Kind) bool {
	s, err := m.slot(kind)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// refreshLocked performs one refresh attempt. Caller holds s.mu.
func (m *Manager) refreshLocked(ctx context.Context, s *slot) error {
	c, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.failures++
		s.nextAttempt = time.Now().Add(m.policy.Delay(s.failures))
		if s.failures >= m.maxFailures && !s.degraded {
			s.degraded = true
			m.logger.Error("credential degraded",
				"kind", s.kind, "failures", s.failures)
		}
		return err
	}
	if c.Kind == "" {
		c.Kind = s.kind
	}
	if c.Obtained.IsZero() {
		c.Obtained = time.Now()
	}
	s.current.Store(c)
	if s.degraded {
		m.logger.Info("credential recovered", "kind", s.kind)
	}
	s.failures = 0
	s.degraded = false
	s.nextAttempt = time.Time{}
	m.logger.Debug("credential refreshed",
		"kind", s.kind, "expires_at", c.ExpiresAt)
	return nil
}

// Run refreshes credentials ahead of expiry until ctx is done. Failed
// refreshes back off per the configured policy; serving continues on the
// previous credential until it actually expires.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, s := range slots {
		s.mu.Lock()
		if s.needsRefresh(now) && now.After(s.nextAttempt) {
			if err := m.refreshLocked(ctx, s); err != nil {
				m.logger.Warn("background refresh failed",
					"kind", s.kind, "failures", s.failures, "error", err)
			}
		}
		s.mu.Unlock()
	}
}
