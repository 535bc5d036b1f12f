package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned without attempting the operation while the
// breaker is open and its cooldown has not elapsed
var ErrCircuitOpen = errors.New("storage circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerStatus is an observability snapshot of the wrapper
type BreakerStatus struct {
	Connected           bool          `json:"connected"`
	ResponseTime        time.Duration `json:"response_time"`
	CircuitBreakerOpen  bool          `json:"circuit_breaker_open"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// ResilientConfig contains retry and breaker settings
type ResilientConfig struct {
	Retries      int
	RetryBackoff time.Duration
	Threshold    int
	Cooldown     time.Duration
}

// Resilient wraps a Store with bounded retries and a circuit breaker.
// Repeated failures open the breaker so further calls fail fast instead of
// queueing load against a struggling backend. After the cooldown a single
// probe call decides whether to close or reopen.
type Resilient struct {
	inner  Store
	cfg    ResilientConfig
	logger *zap.Logger

	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	openedAt            time.Time
	probeInFlight       bool
	lastResponseTime    time.Duration
	connected           bool

	now   func() time.Time
	sleep func(time.Duration)
}

// NewResilient creates the circuit-breaker-protected store wrapper
func NewResilient(inner Store, cfg ResilientConfig, logger *zap.Logger) *Resilient {
	return &Resilient{
		inner:     inner,
		cfg:       cfg,
		logger:    logger,
		state:     breakerClosed,
		connected: true,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// execute runs op under the breaker policy. Open breaker fails fast with
// ErrCircuitOpen. Closed breaker retries with exponential backoff. Half-open
// allows exactly one probe whose outcome alone decides close vs. reopen.
func (r *Resilient) execute(op func() error) error {
	probe, err := r.admit()
	if err != nil {
		return err
	}

	start := r.now()

	if probe {
		err = op()
		r.recordProbe(err, r.now().Sub(start))
		return err
	}

	attempts := r.cfg.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil {
			break
		}
		if attempt < attempts {
			backoff := r.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			r.sleep(backoff)
		}
	}

	r.record(err, r.now().Sub(start))
	return err
}

// admit decides whether a call may proceed. The second return is true when
// the call is the half-open probe.
func (r *Resilient) admit() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case breakerOpen:
		if r.now().Sub(r.openedAt) < r.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		r.state = breakerHalfOpen
		r.probeInFlight = true
		r.logger.Info("storage circuit breaker half-open, probing")
		return true, nil

	case breakerHalfOpen:
		if r.probeInFlight {
			// Only one probe at a time
			return false, ErrCircuitOpen
		}
		r.probeInFlight = true
		return true, nil
	}

	return false, nil
}

func (r *Resilient) record(err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastResponseTime = elapsed

	if err == nil {
		r.consecutiveFailures = 0
		r.connected = true
		return
	}

	r.connected = false
	r.consecutiveFailures++
	r.lastFailureTime = r.now()

	if r.state == breakerClosed && r.consecutiveFailures >= r.cfg.Threshold {
		r.state = breakerOpen
		r.openedAt = r.now()
		r.logger.Error("storage circuit breaker opened",
			zap.Int("consecutive_failures", r.consecutiveFailures),
			zap.Duration("cooldown", r.cfg.Cooldown),
		)
	}
}

func (r *Resilient) recordProbe(err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.probeInFlight = false
	r.lastResponseTime = elapsed

	if err == nil {
		r.state = breakerClosed
		r.consecutiveFailures = 0
		r.connected = true
		r.logger.Info("storage circuit breaker closed after successful probe")
		return
	}

	// Reopen and restart the cooldown clock
	r.state = breakerOpen
	r.openedAt = r.now()
	r.connected = false
	r.consecutiveFailures++
	r.lastFailureTime = r.now()
	r.logger.Warn("storage circuit breaker reopened after failed probe", zap.Error(err))
}

// StatusSnapshot returns breaker and connectivity state for observability
func (r *Resilient) StatusSnapshot() BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := r.state == breakerOpen && r.now().Sub(r.openedAt) < r.cfg.Cooldown
	return BreakerStatus{
		Connected:           r.connected,
		ResponseTime:        r.lastResponseTime,
		CircuitBreakerOpen:  open,
		ConsecutiveFailures: r.consecutiveFailures,
	}
}

// UpsertSeries persists an observation through the breaker
func (r *Resilient) UpsertSeries(ctx context.Context, s Series) error {
	return r.execute(func() error {
		return r.inner.UpsertSeries(ctx, s)
	})
}

// GetSeries reads an observation through the breaker
func (r *Resilient) GetSeries(ctx context.Context, seriesID string) (*Series, error) {
	var out *Series
	err := r.execute(func() error {
		var err error
		out, err = r.inner.GetSeries(ctx, seriesID)
		return err
	})
	return out, err
}

// SaveState persists a sync state record through the breaker
func (r *Resilient) SaveState(ctx context.Context, record *StateRecord) error {
	return r.execute(func() error {
		return r.inner.SaveState(ctx, record)
	})
}

// ExistsSuccessful reads sync state through the breaker
func (r *Resilient) ExistsSuccessful(ctx context.Context, seriesID string) (bool, error) {
	var out bool
	err := r.execute(func() error {
		var err error
		out, err = r.inner.ExistsSuccessful(ctx, seriesID)
		return err
	})
	return out, err
}

// ListPending enumerates pending work through the breaker
func (r *Resilient) ListPending(ctx context.Context) ([]string, error) {
	var out []string
	err := r.execute(func() error {
		var err error
		out, err = r.inner.ListPending(ctx)
		return err
	})
	return out, err
}

// ResetState clears sync state through the breaker
func (r *Resilient) ResetState(ctx context.Context) error {
	return r.execute(func() error {
		return r.inner.ResetState(ctx)
	})
}

// Ping probes connectivity through the breaker
func (r *Resilient) Ping(ctx context.Context) error {
	return r.execute(func() error {
		return r.inner.Ping(ctx)
	})
}

// Close closes the underlying store
func (r *Resilient) Close() error {
	return r.inner.Close()
}
