package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the circuit breaker's lifecycle state (§4.11).
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Stats is a point-in-time snapshot for metrics export.
type Stats struct {
	State         State
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// BreakerConfig configures trip/reset thresholds.
type BreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Breaker implements Closed → Open → HalfOpen → Closed (§4.11). The rate
// limiter sits inside the breaker (§9): callers must check CanExecute
// before consuming a token, not after.
type Breaker struct {
	config BreakerConfig
	logger *logrus.Logger

	state         State
	failures      int64
	successes    int64
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time

	halfOpenCalls     int
	halfOpenSuccesses int
	halfOpenStartTime time.Time
	maxHalfOpen       int

	onStateChange func(from, to State)
	onFailure     func(error)
	onSuccess     func()

	mu sync.RWMutex
}

func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 10 * time.Minute
	}

	return &Breaker{
		config:      config,
		logger:      logger,
		state:       Closed,
		maxHalfOpen: config.HalfOpenMaxCalls,
	}
}

// Execute runs fn under breaker protection. Split into three phases so the
// lock is never held across fn: pre-check (locked) → fn (unlocked) →
// post-register (locked).
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()

	b.requests++

	if b.state == Open {
		if time.Now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is open", b.config.Name)
		}
		b.setState(HalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.halfOpenStartTime = time.Now()
	}

	if b.state == HalfOpen {
		halfOpenTimeout := b.config.Timeout * 2
		if time.Since(b.halfOpenStartTime) > halfOpenTimeout {
			b.logger.WithField("breaker", b.config.Name).Warn("circuit breaker half-open timeout, reopening")
			b.trip()
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s half-open timeout", b.config.Name)
		}

		if b.halfOpenCalls >= b.maxHalfOpen {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is half-open (max calls reached)", b.config.Name)
		}
		b.halfOpenCalls++
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onExecutionFailure(err)
		if b.shouldTrip() {
			b.trip()
		}
		return err
	}

	b.onExecutionSuccess()
	return nil
}

func (b *Breaker) shouldTrip() bool {
	if b.state != Closed {
		return false
	}
	return b.failures >= int64(b.config.FailureThreshold)
}

func (b *Breaker) trip() {
	if b.state == Open {
		return
	}

	b.setState(Open)
	b.nextRetryTime = time.Now().Add(b.config.Timeout)

	b.logger.WithFields(logrus.Fields{
		"breaker":         b.config.Name,
		"failures":        b.failures,
		"next_retry_time": b.nextRetryTime,
	}).Warn("circuit breaker opened")
}

func (b *Breaker) onExecutionFailure(err error) {
	b.failures++
	b.lastFailure = time.Now()

	if b.onFailure != nil {
		b.onFailure(err)
	}

	if b.state == HalfOpen {
		b.trip()
	}
}

func (b *Breaker) onExecutionSuccess() {
	b.successes++
	b.lastSuccess = time.Now()

	if b.onSuccess != nil {
		b.onSuccess()
	}

	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(Closed)
			b.reset()
		}
	} else if b.state == Closed && b.failures > 0 {
		b.failures--
	}
}

func (b *Breaker) reset() {
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetryTime = time.Time{}
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"old_state": oldState,
		"new_state": newState,
		"failures":  b.failures,
		"successes": b.successes,
	}).Info("circuit breaker state changed")
}

func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == Open
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(Closed)
	b.reset()
}

func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}

func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

func (b *Breaker) SetFailureCallback(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

func (b *Breaker) SetSuccessCallback(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSuccess = fn
}

// CanExecute reports whether a call would currently be let through. The
// rate limiter should be consulted only after this returns true.
func (b *Breaker) CanExecute() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return time.Now().After(b.nextRetryTime)
	case HalfOpen:
		return b.halfOpenCalls < b.maxHalfOpen
	default:
		return false
	}
}

func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}
