package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyStore fails every call while failing is true and counts attempts
type flakyStore struct {
	failing bool
	calls   int
}

var errBackend = errors.New("backend unavailable")

func (f *flakyStore) do() error {
	f.calls++
	if f.failing {
		return errBackend
	}
	return nil
}

func (f *flakyStore) UpsertSeries(ctx context.Context, s Series) error { return f.do() }
func (f *flakyStore) GetSeries(ctx context.Context, id string) (*Series, error) {
	return nil, f.do()
}
func (f *flakyStore) SaveState(ctx context.Context, r *StateRecord) error { return f.do() }
func (f *flakyStore) ExistsSuccessful(ctx context.Context, id string) (bool, error) {
	return false, f.do()
}
func (f *flakyStore) ListPending(ctx context.Context) ([]string, error) { return nil, f.do() }
func (f *flakyStore) ResetState(ctx context.Context) error              { return f.do() }
func (f *flakyStore) Ping(ctx context.Context) error                    { return f.do() }
func (f *flakyStore) Close() error                                      { return nil }

func newTestResilient(inner Store, threshold int, cooldown time.Duration) *Resilient {
	r := NewResilient(inner, ResilientConfig{
		Retries:      0,
		RetryBackoff: time.Millisecond,
		Threshold:    threshold,
		Cooldown:     cooldown,
	}, zap.NewNop())
	r.sleep = func(time.Duration) {}
	return r
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	inner := &flakyStore{failing: true}
	r := newTestResilient(inner, 5, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := r.Ping(ctx)
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, 5, inner.calls)

	// Sixth call must fail fast without touching the backend
	err := r.Ping(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, inner.calls)

	status := r.StatusSnapshot()
	assert.True(t, status.CircuitBreakerOpen)
	assert.Equal(t, 5, status.ConsecutiveFailures)
	assert.False(t, status.Connected)
}

func TestHalfOpenProbeCloses(t *testing.T) {
	inner := &flakyStore{failing: true}
	r := newTestResilient(inner, 5, 30*time.Second)
	ctx := context.Background()

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.Error(t, r.Ping(ctx))
	}
	require.ErrorIs(t, r.Ping(ctx), ErrCircuitOpen)

	// Cooldown elapses, the single probe succeeds and closes the breaker
	now = now.Add(31 * time.Second)
	inner.failing = false

	err := r.Ping(ctx)
	assert.NoError(t, err)

	status := r.StatusSnapshot()
	assert.False(t, status.CircuitBreakerOpen)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.True(t, status.Connected)

	assert.NoError(t, r.Ping(ctx))
}

func TestHalfOpenProbeReopens(t *testing.T) {
	inner := &flakyStore{failing: true}
	r := newTestResilient(inner, 5, 30*time.Second)
	ctx := context.Background()

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.Error(t, r.Ping(ctx))
	}

	now = now.Add(31 * time.Second)
	callsBefore := inner.calls

	// Failed probe reopens the breaker and restarts the cooldown
	err := r.Ping(ctx)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, callsBefore+1, inner.calls)

	err = r.Ping(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, callsBefore+1, inner.calls)

	// A partial cooldown is not enough after reopening
	now = now.Add(20 * time.Second)
	assert.ErrorIs(t, r.Ping(ctx), ErrCircuitOpen)

	now = now.Add(11 * time.Second)
	inner.failing = false
	assert.NoError(t, r.Ping(ctx))
}

func TestClosedBreakerRetries(t *testing.T) {
	inner := &flakyStore{failing: true}
	r := NewResilient(inner, ResilientConfig{
		Retries:      2,
		RetryBackoff: time.Millisecond,
		Threshold:    5,
		Cooldown:     30 * time.Second,
	}, zap.NewNop())
	r.sleep = func(time.Duration) {}

	err := r.Ping(context.Background())
	assert.ErrorIs(t, err, errBackend)
	// One initial attempt plus two retries, counted as one breaker failure
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, 1, r.StatusSnapshot().ConsecutiveFailures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	inner := &flakyStore{failing: true}
	r := newTestResilient(inner, 5, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.Error(t, r.Ping(ctx))
	}

	inner.failing = false
	require.NoError(t, r.Ping(ctx))
	assert.Equal(t, 0, r.StatusSnapshot().ConsecutiveFailures)

	// Failures must reach the full threshold again before opening
	inner.failing = true
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, r.Ping(ctx), errBackend)
	}
	assert.False(t, r.StatusSnapshot().CircuitBreakerOpen)
}
