package egress

import (
	"context"
	"sync"
	"time"
)

// SessionState is C9's state machine (§4.9):
// Uninitialized → Acquiring → Active → (Refreshing → Active | Revoked).
type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionAcquiring     SessionState = "acquiring"
	SessionActive        SessionState = "active"
	SessionRefreshing    SessionState = "refreshing"
	SessionRevoked       SessionState = "revoked"
)

// Acquirer performs the actual token acquisition/keepalive/revoke calls
// against the historian's session API.
type Acquirer interface {
	Acquire(ctx context.Context) (token string, err error)
	Keepalive(ctx context.Context, token string) error
	Revoke(ctx context.Context, token string) error
}

// SessionConfig bounds idle-keepalive behavior (§4.9).
type SessionConfig struct {
	IdleThreshold time.Duration
	Jitter        time.Duration
}

// SessionManager holds exactly one token acquisition/keepalive/revoke in
// flight at a time; other callers block on the same mutex (§4.9
// "Concurrency: at most one acquisition or keepalive in flight per
// manager"), adapted from the teacher's `circuit_breaker` package: a
// single mutex-guarded state string plus timestamps driving transitions.
type SessionManager struct {
	mu       sync.Mutex
	cfg      SessionConfig
	acquirer Acquirer

	state    SessionState
	token    string
	lastUsed time.Time
	jitter   func() time.Duration
}

func NewSessionManager(cfg SessionConfig, acquirer Acquirer) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		acquirer: acquirer,
		state:    SessionUninitialized,
		jitter:   func() time.Duration { return 0 },
	}
}

func (s *SessionManager) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnsureSession acquires a token if absent, otherwise returns the cached
// one (§4.9 `ensure_session`).
func (s *SessionManager) EnsureSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionActive {
		s.lastUsed = time.Now()
		return s.token, nil
	}

	s.state = SessionAcquiring
	token, err := s.acquirer.Acquire(ctx)
	if err != nil {
		s.state = SessionUninitialized
		return "", err
	}

	s.token = token
	s.lastUsed = time.Now()
	s.state = SessionActive
	return s.token, nil
}

// MarkUsed resets the idle timer (§4.9 `mark_used`): callers invoke this
// after every successful egress send so a fresh write suppresses the next
// keepalive cycle.
func (s *SessionManager) MarkUsed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// OnBadSession forces reacquisition on the next EnsureSession call (§4.9
// `on_bad_session`), invoked by C11 when the historian reports a
// SessionInvalid classification.
func (s *SessionManager) OnBadSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionUninitialized
	s.token = ""
}

// MaybeKeepalive issues a keepalive request if the session has been idle
// past IdleThreshold (± jitter); a recent MarkUsed suppresses it (§4.9).
func (s *SessionManager) MaybeKeepalive(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		return nil
	}
	threshold := s.cfg.IdleThreshold + s.jitter()
	if time.Since(s.lastUsed) < threshold {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionRefreshing
	defer s.mu.Unlock()

	err := s.acquirer.Keepalive(ctx, s.token)
	if err != nil {
		s.state = SessionUninitialized
		s.token = ""
		return err
	}
	s.lastUsed = time.Now()
	s.state = SessionActive
	return nil
}

// Shutdown best-effort revokes the active session (§4.9 `shutdown`).
func (s *SessionManager) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := s.token
	active := s.state == SessionActive
	s.state = SessionRevoked
	s.token = ""

	if !active {
		return nil
	}
	return s.acquirer.Revoke(ctx, token)
}
