// Package health aggregates component status into scored snapshots,
// raising and resolving alerts as conditions cross thresholds. The
// monitoring surface always answers, even while the monitored system is
// unhealthy.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"laborsync/internal/keypool"
	"laborsync/internal/metrics"
	"laborsync/internal/store"
	"laborsync/internal/syncer"
)

// Status represents a component or overall health level
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// AlertLevel represents alert severity
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelError    AlertLevel = "error"
	LevelCritical AlertLevel = "critical"
)

// Component names used in snapshots and alerts
const (
	ComponentDatabase    = "database"
	ComponentAPIKeys     = "api_keys"
	ComponentUpstreamAPI = "upstream_api"
	ComponentDataSync    = "data_sync"
)

// ComponentStatus is one component's contribution to a snapshot
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Snapshot is a point-in-time view of system health
type Snapshot struct {
	Timestamp       time.Time                  `json:"timestamp"`
	OverallScore    float64                    `json:"overall_score"`
	Status          Status                     `json:"status"`
	Components      map[string]ComponentStatus `json:"components"`
	Alerts          []Alert                    `json:"alerts"`
	Recommendations []string                   `json:"recommendations"`
}

// Alert is a raised health condition. Alerts are never deleted, only
// marked resolved, preserving an audit trail.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt time.Time  `json:"resolved_at,omitempty"`
}

// StoreStatusProvider exposes the storage wrapper's breaker state
type StoreStatusProvider interface {
	StatusSnapshot() store.BreakerStatus
}

// KeyStatusProvider exposes the key pool's aggregate state
type KeyStatusProvider interface {
	StatusSnapshot() keypool.Status
}

// ProgressProvider exposes the sync engine's progress snapshot
type ProgressProvider interface {
	Progress() syncer.Progress
}

// Prober checks upstream reachability
type Prober interface {
	Probe(ctx context.Context) error
}

// Component score weights; database dominates because everything else is
// useless without it
var componentWeights = map[string]float64{
	ComponentDatabase:    0.35,
	ComponentAPIKeys:     0.25,
	ComponentUpstreamAPI: 0.20,
	ComponentDataSync:    0.20,
}

var statusScores = map[Status]float64{
	StatusHealthy:  100,
	StatusDegraded: 75,
	StatusWarning:  50,
	StatusCritical: 0,
}

var statusRank = map[Status]int{
	StatusHealthy:  0,
	StatusDegraded: 1,
	StatusWarning:  2,
	StatusCritical: 3,
}

// Config contains monitor settings
type Config struct {
	Interval    time.Duration
	HistorySize int
}

// Monitor periodically aggregates component health
type Monitor struct {
	cfg      Config
	storage  StoreStatusProvider
	keys     KeyStatusProvider
	engine   ProgressProvider
	prober   Prober
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	history       []Snapshot
	alerts        []Alert
	lastProcessed int
	lastRunID     string

	now func() time.Time
}

// New creates a health monitor
func New(
	cfg Config,
	storage StoreStatusProvider,
	keys KeyStatusProvider,
	engine ProgressProvider,
	prober Prober,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		cfg:     cfg,
		storage: storage,
		keys:    keys,
		engine:  engine,
		prober:  prober,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the periodic check loop. Calling Start while running is
// a no-op: there is a single active timer per process.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CheckHealth(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				// Mark the loop stopped so a later Start with a live
				// context can launch a fresh one
				m.mu.Lock()
				if m.stopCh == stopCh {
					m.running = false
				}
				m.mu.Unlock()
				return
			}
		}
	}()

	m.logger.Info("health monitor started", zap.Duration("interval", m.cfg.Interval))
}

// Stop halts the periodic check loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
}

// CheckHealth runs one check cycle synchronously and returns the fresh
// snapshot, independent of the timer.
func (m *Monitor) CheckHealth(ctx context.Context) Snapshot {
	components := map[string]ComponentStatus{
		ComponentDatabase:    m.checkDatabase(),
		ComponentAPIKeys:     m.checkAPIKeys(),
		ComponentUpstreamAPI: m.checkUpstream(ctx),
		ComponentDataSync:    m.checkDataSync(),
	}

	snapshot := Snapshot{
		Timestamp:  m.now(),
		Components: components,
		Status:     StatusHealthy,
	}

	for name, c := range components {
		snapshot.OverallScore += componentWeights[name] * statusScores[c.Status]
		if statusRank[c.Status] > statusRank[snapshot.Status] {
			snapshot.Status = c.Status
		}
	}

	m.mu.Lock()
	m.updateAlerts(components)
	snapshot.Alerts = m.unresolvedAlertsLocked()
	snapshot.Recommendations = recoveryActions(snapshot.Alerts)

	m.history = append(m.history, snapshot)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	m.metrics.SetHealthScore(snapshot.OverallScore)

	if snapshot.Status != StatusHealthy {
		m.logger.Warn("health check",
			zap.String("status", string(snapshot.Status)),
			zap.Float64("score", snapshot.OverallScore),
		)
	}

	return snapshot
}

func (m *Monitor) checkDatabase() ComponentStatus {
	status := m.storage.StatusSnapshot()
	m.metrics.SetBreakerOpen(status.CircuitBreakerOpen)

	switch {
	case status.CircuitBreakerOpen:
		return ComponentStatus{
			Status:  StatusCritical,
			Message: fmt.Sprintf("circuit breaker open after %d consecutive failures", status.ConsecutiveFailures),
		}
	case !status.Connected:
		return ComponentStatus{
			Status:  StatusWarning,
			Message: fmt.Sprintf("last operation failed (%d consecutive failures)", status.ConsecutiveFailures),
		}
	case status.ConsecutiveFailures > 0:
		return ComponentStatus{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d recent failures", status.ConsecutiveFailures),
		}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "connected"}
}

func (m *Monitor) checkAPIKeys() ComponentStatus {
	status := m.keys.StatusSnapshot()
	m.metrics.SetKeysRemaining(status.TotalRemainingRequests)

	blocked := 0
	for _, k := range status.Keys {
		if k.Blocked {
			blocked++
		}
	}

	switch {
	case status.AvailableKeys == 0:
		return ComponentStatus{
			Status:  StatusCritical,
			Message: fmt.Sprintf("all %d keys blocked or at quota, reset in %s", len(status.Keys), status.TimeUntilReset.Round(time.Minute)),
		}
	case status.TotalDailyLimit > 0 && status.TotalRemainingRequests*10 < status.TotalDailyLimit:
		return ComponentStatus{
			Status:  StatusWarning,
			Message: fmt.Sprintf("only %d requests remaining", status.TotalRemainingRequests),
		}
	case blocked > 0:
		return ComponentStatus{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d keys blocked", blocked, len(status.Keys)),
		}
	}
	return ComponentStatus{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d keys available, %d requests remaining", status.AvailableKeys, status.TotalRemainingRequests),
	}
}

func (m *Monitor) checkUpstream(ctx context.Context) ComponentStatus {
	if err := m.prober.Probe(ctx); err != nil {
		return ComponentStatus{
			Status:  StatusCritical,
			Message: fmt.Sprintf("unreachable: %v", err),
		}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "reachable"}
}

func (m *Monitor) checkDataSync() ComponentStatus {
	p := m.engine.Progress()

	m.mu.Lock()
	stalled := p.IsRunning && p.RunID == m.lastRunID && p.ProcessedJobs == m.lastProcessed && m.lastRunID != ""
	m.lastProcessed = p.ProcessedJobs
	m.lastRunID = p.RunID
	m.mu.Unlock()

	switch {
	case stalled:
		return ComponentStatus{
			Status:  StatusWarning,
			Message: fmt.Sprintf("run %s stalled at %d/%d", p.RunID, p.ProcessedJobs, p.TotalJobs),
		}
	case p.State == syncer.StateExhausted:
		return ComponentStatus{
			Status:  StatusDegraded,
			Message: "last run stopped: " + p.LastError,
		}
	case p.State == syncer.StateFailed:
		return ComponentStatus{
			Status:  StatusWarning,
			Message: "last run failed: " + p.LastError,
		}
	case p.IsRunning:
		return ComponentStatus{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("running, %d/%d processed", p.ProcessedJobs, p.TotalJobs),
		}
	}
	return ComponentStatus{Status: StatusHealthy, Message: "idle"}
}

// updateAlerts raises alerts for components entering Warning/Critical and
// resolves open ones for components back at Healthy/Degraded. Must be
// called with the lock held.
func (m *Monitor) updateAlerts(components map[string]ComponentStatus) {
	for name, c := range components {
		if c.Status == StatusWarning || c.Status == StatusCritical {
			if m.hasUnresolvedLocked(name) {
				continue
			}
			level := LevelWarning
			if c.Status == StatusCritical {
				level = LevelCritical
			}
			m.alerts = append(m.alerts, Alert{
				Level:     level,
				Component: name,
				Message:   c.Message,
				Timestamp: m.now(),
			})
			m.logger.Warn("alert raised",
				zap.String("component", name),
				zap.String("level", string(level)),
				zap.String("message", c.Message),
			)
			continue
		}

		for i := range m.alerts {
			if m.alerts[i].Component == name && !m.alerts[i].Resolved {
				m.alerts[i].Resolved = true
				m.alerts[i].ResolvedAt = m.now()
				m.logger.Info("alert resolved", zap.String("component", name))
			}
		}
	}
}

func (m *Monitor) hasUnresolvedLocked(component string) bool {
	for i := range m.alerts {
		if m.alerts[i].Component == component && !m.alerts[i].Resolved {
			return true
		}
	}
	return false
}

func (m *Monitor) unresolvedAlertsLocked() []Alert {
	var out []Alert
	for _, a := range m.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns the most recent snapshot, or a fresh one when no cycle
// has run yet
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	m.mu.Lock()
	if n := len(m.history); n > 0 {
		s := m.history[n-1]
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()

	return m.CheckHealth(ctx)
}

// History returns up to limit most recent snapshots, oldest first
func (m *Monitor) History(limit int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Snapshot, limit)
	copy(out, m.history[n-limit:])
	return out
}

// Alerts returns the full alert audit trail, resolved included
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// RecoveryActions returns advisory actions for the currently unresolved
// alerts. They are informational and never auto-executed.
func (m *Monitor) RecoveryActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return recoveryActions(m.unresolvedAlertsLocked())
}

func recoveryActions(alerts []Alert) []string {
	seen := make(map[string]bool)
	var actions []string

	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			actions = append(actions, a)
		}
	}

	for _, a := range alerts {
		switch a.Component {
		case ComponentDatabase:
			add("investigate database connectivity and load")
		case ComponentAPIKeys:
			add("rotate or add API keys, or wait for the daily quota reset")
		case ComponentUpstreamAPI:
			add("check upstream API availability and network path")
		case ComponentDataSync:
			add("inspect sync logs and restart the run if it remains stalled")
		}
	}

	return actions
}
