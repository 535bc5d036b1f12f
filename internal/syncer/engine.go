// Package syncer implements the resumable batch sync engine. A run fetches
// pending series from the upstream API using pooled keys, persists them
// through the circuit-breaker-protected store, and commits a checkpoint
// after every batch so an interrupted run resumes where it left off.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"laborsync/internal/archive"
	"laborsync/internal/checkpoint"
	"laborsync/internal/keypool"
	"laborsync/internal/metrics"
	"laborsync/internal/store"
	"laborsync/internal/upstream"
)

// Fetcher fetches one series observation from the upstream API
type Fetcher interface {
	FetchSeries(ctx context.Context, seriesID, apiKey string) (*upstream.Observation, []byte, error)
}

// Config contains engine defaults, overridable per start
type Config struct {
	BatchSize     int
	RetryAttempts int
	RetryBackoff  time.Duration
	PaceRPS       int
	ValidateData  bool
}

// Options are per-start overrides. Zero values keep the configured defaults.
type Options struct {
	ForceRestart  bool
	BatchSize     int
	RetryAttempts int
	MaxConcurrent int
	ValidateData  *bool
}

// Engine orchestrates sync runs. Exactly one run is active at a time; the
// run loop is the only writer of Progress.
type Engine struct {
	cfg         Config
	store       store.Store
	keys        *keypool.Pool
	client      Fetcher
	checkpoints checkpoint.Store
	archiver    archive.Archiver
	metrics     *metrics.Collector
	logger      *zap.Logger

	mu         sync.Mutex
	pubMu      sync.Mutex
	generation atomic.Int64
	progress   atomic.Pointer[Progress]

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a sync engine. The archiver may be nil when payload
// archiving is not configured.
func New(
	cfg Config,
	st store.Store,
	keys *keypool.Pool,
	client Fetcher,
	checkpoints checkpoint.Store,
	archiver archive.Archiver,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		cfg:         cfg,
		store:       st,
		keys:        keys,
		client:      client,
		checkpoints: checkpoints,
		archiver:    archiver,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
		sleep:       time.Sleep,
	}
	e.progress.Store(&Progress{State: StateIdle, LastUpdated: e.now()})
	return e
}

// Progress returns the current snapshot. It never triggers mutation.
func (e *Engine) Progress() Progress {
	return *e.progress.Load()
}

// Start begins a sync run and returns the initial snapshot immediately;
// the run itself executes in a detached goroutine. Starting while a run is
// active is an idempotent no-op unless opts.ForceRestart is set, in which
// case the previous run's generation is invalidated, all checkpoints and
// per-series state are discarded, and the full set is reprocessed.
func (e *Engine) Start(ctx context.Context, opts Options) (Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.progress.Load()
	if current.IsRunning && !opts.ForceRestart {
		e.logger.Info("sync already running, ignoring start")
		return *current, nil
	}

	runCfg := e.cfg
	if opts.BatchSize > 0 {
		runCfg.BatchSize = opts.BatchSize
	}
	if opts.RetryAttempts > 0 {
		runCfg.RetryAttempts = opts.RetryAttempts
	}
	if opts.ValidateData != nil {
		runCfg.ValidateData = *opts.ValidateData
	}

	// Invalidate any previous run. Its loop notices the stale generation
	// after its in-flight item and terminates without further writes.
	gen := e.generation.Add(1)

	if opts.ForceRestart {
		if err := e.checkpoints.Clear(); err != nil {
			return e.abortStart(gen, *current, err)
		}
		if err := e.store.ResetState(ctx); err != nil {
			return e.abortStart(gen, *current, err)
		}
		e.logger.Info("forced restart: checkpoints and sync state discarded")
	}

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return e.abortStart(gen, *current, err)
	}

	if rec, err := e.checkpoints.Latest(); err == nil && rec != nil && !opts.ForceRestart {
		e.logger.Info("resuming from checkpoint",
			zap.Int("batch_index", rec.BatchIndex),
			zap.Int("processed", rec.Processed),
		)
	}

	totalBatches := (len(pending) + runCfg.BatchSize - 1) / runCfg.BatchSize

	p := Progress{
		RunID:        uuid.NewString(),
		State:        StateRunning,
		IsRunning:    true,
		TotalJobs:    len(pending),
		TotalBatches: totalBatches,
		StartTime:    e.now(),
		LastUpdated:  e.now(),
	}

	// Empty pending set completes immediately
	if len(pending) == 0 {
		p.State = StateCompleted
		p.IsRunning = false
		p.EndTime = e.now()
		e.publish(gen, p)
		e.logger.Info("nothing to sync", zap.String("run_id", p.RunID))
		return p, nil
	}

	e.publish(gen, p)
	e.metrics.SetSyncRunning(true)

	e.logger.Info("sync run starting",
		zap.String("run_id", p.RunID),
		zap.Int("total_jobs", p.TotalJobs),
		zap.Int("batch_size", runCfg.BatchSize),
		zap.Int("total_batches", totalBatches),
	)

	go e.run(ctx, gen, pending, runCfg, p)

	return p, nil
}

// abortStart publishes a terminal snapshot when start cleanup fails after
// the previous generation has already been invalidated. The superseded run
// exits without publishing, so without this the last snapshot would stay
// frozen at IsRunning=true and block every later start.
func (e *Engine) abortStart(gen int64, last Progress, err error) (Progress, error) {
	last.State = StateFailed
	last.IsRunning = false
	last.CurrentJob = ""
	last.LastError = err.Error()
	last.LastErrorTime = e.now()
	e.publish(gen, last)
	e.logger.Error("sync start failed", zap.Error(err))
	return last, err
}

// run is the single writer of Progress for its generation
func (e *Engine) run(ctx context.Context, gen int64, pending []string, cfg Config, p Progress) {
	defer e.metrics.SetSyncRunning(false)

	var limiter *rate.Limiter
	if cfg.PaceRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PaceRPS), 1)
	}

	// Moving average of per-item elapsed time, drives the ETA
	var avgItemSeconds float64

	batches := partition(pending, cfg.BatchSize)
	for bi, batch := range batches {
		p.CurrentBatch = bi + 1

		for _, id := range batch {
			if e.stale(gen) {
				e.logger.Info("run superseded, terminating", zap.String("run_id", p.RunID))
				return
			}
			if ctx.Err() != nil {
				p.State = StateFailed
				p.IsRunning = false
				p.LastError = ctx.Err().Error()
				p.LastErrorTime = e.now()
				e.publish(gen, p)
				return
			}

			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					p.State = StateFailed
					p.IsRunning = false
					p.LastError = err.Error()
					p.LastErrorTime = e.now()
					e.publish(gen, p)
					return
				}
			}

			itemStart := e.now()
			p.CurrentJob = id

			outcome, err := e.processItem(ctx, id, cfg)
			switch outcome {
			case outcomeSuccess:
				p.SuccessfulJobs++
				e.metrics.IncSuccess()
			case outcomeSkipped:
				p.SkippedJobs++
				e.metrics.IncSkipped()
			case outcomeFailed:
				p.FailedJobs++
				p.LastError = err.Error()
				p.LastErrorTime = e.now()
				e.metrics.IncFailed()
			case outcomeExhausted:
				// Graceful stop: counters and checkpoints stay intact so the
				// next start resumes exactly here.
				p.State = StateExhausted
				p.IsRunning = false
				p.LastError = "keys exhausted"
				p.LastErrorTime = e.now()
				e.publish(gen, p)
				e.logger.Warn("sync stopped: all API keys blocked or at quota",
					zap.String("run_id", p.RunID),
					zap.Int("processed", p.ProcessedJobs),
				)
				return
			}

			p.ProcessedJobs++

			elapsed := e.now().Sub(itemStart).Seconds()
			if avgItemSeconds == 0 {
				avgItemSeconds = elapsed
			} else {
				avgItemSeconds = 0.2*elapsed + 0.8*avgItemSeconds
			}
			remaining := p.TotalJobs - p.ProcessedJobs
			p.EstimatedTimeRemaining = time.Duration(avgItemSeconds*float64(remaining)) * time.Second

			e.metrics.ObserveFetchDuration(e.now().Sub(itemStart))
			e.publish(gen, p)
		}

		// Batch boundary: commit the checkpoint before moving on
		if err := e.checkpoints.Save(&checkpoint.Record{
			RunID:      p.RunID,
			BatchIndex: bi + 1,
			Processed:  p.ProcessedJobs,
		}); err != nil {
			e.logger.Error("failed to save checkpoint",
				zap.Int("batch_index", bi+1),
				zap.Error(err),
			)
		}
	}

	p.State = StateCompleted
	p.IsRunning = false
	p.CurrentJob = ""
	p.EstimatedTimeRemaining = 0
	p.EndTime = e.now()
	e.publish(gen, p)

	e.logger.Info("sync run completed",
		zap.String("run_id", p.RunID),
		zap.Int("successful", p.SuccessfulJobs),
		zap.Int("failed", p.FailedJobs),
		zap.Int("skipped", p.SkippedJobs),
	)
}

type itemOutcome int

const (
	outcomeSuccess itemOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeExhausted
)

// processItem syncs one series: skip if already satisfied, otherwise fetch
// with bounded retries and persist. Returns the outcome and, for failures,
// the terminal error.
func (e *Engine) processItem(ctx context.Context, id string, cfg Config) (itemOutcome, error) {
	// Already satisfied by a previous or concurrent run
	done, err := e.store.ExistsSuccessful(ctx, id)
	if err == nil && done {
		return outcomeSkipped, nil
	}

	obs, raw, fetchOutcome, fetchErr := e.fetchWithRetry(ctx, id, cfg)
	if fetchOutcome != outcomeSuccess {
		if fetchOutcome == outcomeFailed {
			e.recordState(ctx, id, store.StatusFailed, fetchErr)
		}
		return fetchOutcome, fetchErr
	}

	if cfg.ValidateData {
		if err := obs.Validate(); err != nil {
			// Malformed payload is permanent, no retry
			e.recordState(ctx, id, store.StatusFailed, err)
			return outcomeFailed, err
		}
	}

	if e.archiver != nil {
		if err := e.archiver.Put(ctx, id, raw); err != nil {
			// Archiving is best effort and never fails the item
			e.logger.Warn("failed to archive payload", zap.String("series_id", id), zap.Error(err))
		}
	}

	series := store.Series{
		SeriesID:  obs.SeriesID,
		Title:     obs.Title,
		Area:      obs.Area,
		Period:    obs.Period,
		Value:     obs.Value,
		Unit:      obs.Unit,
		FetchedAt: e.now().UTC(),
	}
	if err := e.store.UpsertSeries(ctx, series); err != nil {
		e.recordState(ctx, id, store.StatusFailed, err)
		return outcomeFailed, err
	}

	e.recordState(ctx, id, store.StatusCompleted, nil)
	return outcomeSuccess, nil
}

// fetchWithRetry calls upstream with bounded retries and exponential
// backoff. RetryAttempts of zero makes the first failure terminal.
func (e *Engine) fetchWithRetry(ctx context.Context, id string, cfg Config) (*upstream.Observation, []byte, itemOutcome, error) {
	var lastErr error

	attempts := cfg.RetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		key, err := e.keys.Acquire()
		if err != nil {
			if errors.Is(err, keypool.ErrKeysExhausted) {
				return nil, nil, outcomeExhausted, err
			}
			return nil, nil, outcomeFailed, err
		}

		obs, raw, err := e.client.FetchSeries(ctx, id, key.Secret)
		if err == nil {
			e.keys.RecordUsage(key)
			return obs, raw, outcomeSuccess, nil
		}

		lastErr = err

		if upstream.IsKeyRejected(err) {
			// The key is the problem, not the item: block it and try the
			// next key without consuming a retry attempt.
			e.keys.RecordFailure(key, err.Error())
			attempt--
			continue
		}

		if !upstream.IsRetriable(err) {
			// Permanent failure, no retry
			return nil, nil, outcomeFailed, err
		}

		e.logger.Warn("fetch attempt failed",
			zap.String("series_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < attempts {
			backoff := cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			e.sleep(backoff)
		}
	}

	return nil, nil, outcomeFailed, lastErr
}

func (e *Engine) recordState(ctx context.Context, id string, status store.SyncStatus, cause error) {
	record := &store.StateRecord{
		SeriesID: id,
		Status:   status,
	}
	if cause != nil {
		record.LastError = cause.Error()
	}

	if err := e.store.SaveState(ctx, record); err != nil {
		e.logger.Error("failed to save sync state",
			zap.String("series_id", id),
			zap.Error(err),
		)
	}
}

// publish swaps in a fresh whole-record snapshot, unless this generation
// has been superseded by a forced restart. The staleness check and the swap
// are one critical section: a newer generation always publishes after the
// bump that invalidated its predecessor, so serializing against that bump's
// publishes means a superseded run can never overwrite a newer snapshot.
func (e *Engine) publish(gen int64, p Progress) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	if e.stale(gen) {
		return
	}
	p.LastUpdated = e.now()
	snapshot := p
	e.progress.Store(&snapshot)
}

func (e *Engine) stale(gen int64) bool {
	return e.generation.Load() != gen
}

func partition(ids []string, size int) [][]string {
	var batches [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}
