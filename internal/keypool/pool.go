package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrKeysExhausted is returned by Acquire when every key is blocked or at quota
var ErrKeysExhausted = errors.New("all API keys are blocked or at quota")

// Key is an acquired credential handle
type Key struct {
	ID     int
	Secret string
}

// KeyStatus is a masked per-key view for observability
type KeyStatus struct {
	Preview    string    `json:"preview"`
	Used       int       `json:"used"`
	Remaining  int       `json:"remaining"`
	Blocked    bool      `json:"blocked"`
	BlockUntil time.Time `json:"block_until,omitempty"`
}

// Status is an aggregate snapshot of the pool
type Status struct {
	Keys                   []KeyStatus   `json:"keys"`
	TotalDailyLimit        int           `json:"total_daily_limit"`
	TotalRemainingRequests int           `json:"total_remaining_requests"`
	AvailableKeys          int           `json:"available_keys"`
	TimeUntilReset         time.Duration `json:"time_until_reset"`
}

type apiKey struct {
	secret       string
	dailyLimit   int
	requestsUsed int
	isBlocked    bool
	blockUntil   time.Time
}

// Pool manages a set of API keys with independent daily quotas
type Pool struct {
	mu            sync.Mutex
	keys          []*apiKey
	lastIndex     int
	blockDuration time.Duration
	quotaResetAt  time.Time
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a key pool from the configured secrets
func New(secrets []string, dailyLimit int, blockDuration time.Duration, logger *zap.Logger) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("no API keys configured")
	}

	keys := make([]*apiKey, 0, len(secrets))
	for _, s := range secrets {
		keys = append(keys, &apiKey{
			secret:     s,
			dailyLimit: dailyLimit,
		})
	}

	p := &Pool{
		keys:          keys,
		lastIndex:     -1,
		blockDuration: blockDuration,
		logger:        logger,
		now:           time.Now,
	}
	p.quotaResetAt = nextUTCMidnight(p.now())

	return p, nil
}

// Acquire selects a usable key round-robin, starting after the last-used index.
// Blocked and exhausted keys are skipped.
func (p *Pool) Acquire() (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeReset()

	n := len(p.keys)
	for i := 1; i <= n; i++ {
		idx := (p.lastIndex + i) % n
		k := p.keys[idx]

		if k.isBlocked {
			if p.now().Before(k.blockUntil) {
				continue
			}
			// Block expired
			k.isBlocked = false
			k.blockUntil = time.Time{}
		}
		if k.requestsUsed >= k.dailyLimit {
			continue
		}

		p.lastIndex = idx
		return Key{ID: idx, Secret: k.secret}, nil
	}

	return Key{}, ErrKeysExhausted
}

// RecordUsage increments the usage counter for a key. Call exactly once per
// successful external call attributed to the key.
func (p *Pool) RecordUsage(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key.ID < 0 || key.ID >= len(p.keys) {
		return
	}
	k := p.keys[key.ID]
	if k.requestsUsed < k.dailyLimit {
		k.requestsUsed++
	}
}

// RecordFailure blocks a key when the upstream signals a quota or auth
// rejection for it. Transient errors must not be reported here.
func (p *Pool) RecordFailure(key Key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key.ID < 0 || key.ID >= len(p.keys) {
		return
	}
	k := p.keys[key.ID]
	k.isBlocked = true
	k.blockUntil = p.now().Add(p.blockDuration)

	p.logger.Warn("API key blocked",
		zap.String("key", mask(k.secret)),
		zap.String("reason", reason),
		zap.Time("block_until", k.blockUntil),
	)
}

// StatusSnapshot returns a masked view of every key plus aggregate totals
func (p *Pool) StatusSnapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeReset()

	status := Status{
		Keys:           make([]KeyStatus, 0, len(p.keys)),
		TimeUntilReset: p.quotaResetAt.Sub(p.now()),
	}

	for _, k := range p.keys {
		remaining := k.dailyLimit - k.requestsUsed
		if remaining < 0 {
			remaining = 0
		}

		blocked := k.isBlocked && p.now().Before(k.blockUntil)
		status.Keys = append(status.Keys, KeyStatus{
			Preview:    mask(k.secret),
			Used:       k.requestsUsed,
			Remaining:  remaining,
			Blocked:    blocked,
			BlockUntil: k.blockUntil,
		})

		status.TotalDailyLimit += k.dailyLimit
		if !blocked {
			status.TotalRemainingRequests += remaining
			if remaining > 0 {
				status.AvailableKeys++
			}
		}
	}

	return status
}

// TimeUntilReset returns the time until the next daily quota boundary
func (p *Pool) TimeUntilReset() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeReset()
	return p.quotaResetAt.Sub(p.now())
}

// maybeReset clears usage counters once the quota boundary passes. Blocked
// keys stay blocked until their own blockUntil elapses. Must be called with
// the lock held.
func (p *Pool) maybeReset() {
	now := p.now()
	if now.Before(p.quotaResetAt) {
		return
	}

	for _, k := range p.keys {
		k.requestsUsed = 0
	}
	p.quotaResetAt = nextUTCMidnight(now)

	p.logger.Info("API key quotas reset", zap.Time("next_reset", p.quotaResetAt))
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// mask returns a preview of a secret safe to log and expose
func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
