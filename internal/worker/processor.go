package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"content-hub/internal/config"
	"content-hub/internal/models"
	"content-hub/internal/queue"
	"content-hub/internal/store"
	"content-hub/internal/telemetry"
)

// JobQueue is the queue side of a processor; *queue.RedisQueue implements it.
type JobQueue interface {
	Name() string
	VisibilityTimeout() time.Duration
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string, runAt time.Time) error
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Reclaim(ctx context.Context, now time.Time, jobIDs ...string) ([]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// JobStore persists job state; *store.Store implements it.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkActive(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	MarkWaiting(ctx context.Context, id string, attempts int, nextRun time.Time, lastError string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Handler executes a job for a given name.
type Handler func(ctx context.Context, job models.Job) error

// Settings tune one processor.
type Settings struct {
	Concurrency         int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MaxAttempts         int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	BatchSize           int64
}

// SettingsFromConfig builds the settings for the named queue.
func SettingsFromConfig(cfg config.Config, queueName string) Settings {
	return Settings{
		Concurrency:         cfg.ConcurrencyFor(queueName),
		PollInterval:        cfg.WorkerPollInterval,
		MaintenanceInterval: time.Second,
		MaxAttempts:         cfg.MaxAttempts,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
		BatchSize:           int64(cfg.DelayedBatchSize),
	}
}

const settleTimeout = 5 * time.Second

// Processor consumes a single named queue with a fixed number of goroutines.
type Processor struct {
	queue    JobQueue
	store    JobStore
	settings Settings
	log      *zap.Logger

	handlers map[string]Handler

	mu          sync.RWMutex
	subscribers []func(models.JobOutcome)
}

func NewProcessor(q JobQueue, st JobStore, s Settings, log *zap.Logger) *Processor {
	if s.Concurrency <= 0 {
		s.Concurrency = 1
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
	if s.MaintenanceInterval <= 0 {
		s.MaintenanceInterval = time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = time.Second
	}
	if s.BackoffMax < s.BackoffInitial {
		s.BackoffMax = s.BackoffInitial
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		queue:    q,
		store:    st,
		settings: s,
		log:      log.With(zap.String("queue", q.Name())),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job name.
func (p *Processor) RegisterHandler(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	p.handlers[name] = handler
}

// Subscribe adds a sink for job transitions. Sinks run synchronously on the worker goroutine.
func (p *Processor) Subscribe(fn func(models.JobOutcome)) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

// Run starts the workers and the maintenance loop and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("processor started", zap.Int("concurrency", p.settings.Concurrency))
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(p.settings.MaintenanceInterval)
		defer ticker.Stop()
		for {
			p.maintain(ctx, time.Now())
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	for i := 0; i < p.settings.Concurrency; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return nil
				}
				worked, err := p.processNext(ctx)
				if err != nil && ctx.Err() == nil {
					p.log.Warn("dequeue failed", zap.Error(err))
				}
				if worked {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(p.settings.PollInterval):
				}
			}
		})
	}

	err := g.Wait()
	p.log.Info("processor stopped")
	return err
}

// maintain promotes due retries, reclaims stalled leases and refreshes gauges.
func (p *Processor) maintain(ctx context.Context, now time.Time) {
	name := p.queue.Name()
	if _, err := p.queue.PromoteDelayed(ctx, now, p.settings.BatchSize); err != nil && ctx.Err() == nil {
		p.log.Warn("promote delayed", zap.Error(err))
	}

	expired, err := p.queue.ExpiredLeases(ctx, now, p.settings.BatchSize)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("list expired leases", zap.Error(err))
	}
	reclaim := make([]string, 0, len(expired))
	for _, id := range expired {
		if p.markStalled(ctx, id, now) {
			reclaim = append(reclaim, id)
		}
	}
	if len(reclaim) > 0 {
		if _, err := p.queue.Reclaim(ctx, now, reclaim...); err != nil && ctx.Err() == nil {
			p.log.Warn("reclaim stalled jobs", zap.Error(err))
		}
	}

	if stats, err := p.queue.Stats(ctx); err == nil {
		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(stats.Ready))
		telemetry.InFlightGauge.WithLabelValues(name).Set(float64(stats.InFlight))
		telemetry.DelayedGauge.WithLabelValues(name).Set(float64(stats.Delayed))
	}
}

// markStalled charges an attempt to a job whose lease expired and reports whether the job
// may go back on the ready list. The row is written first so a redelivered job never sees
// the stale attempt count. If it has no attempts left the next dequeue fails it.
func (p *Processor) markStalled(ctx context.Context, id string, now time.Time) bool {
	job, err := p.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// processNext drops it on the next dequeue.
		return true
	}
	if err != nil {
		p.log.Warn("stalled job lookup", zap.String("job_id", id), zap.Error(err))
		return false
	}
	if job.Status == models.StatusCompleted || job.Status == models.StatusFailed {
		// The row was settled but the queue update was lost; the next dequeue acks it.
		return true
	}
	attempts := job.Attempts + 1
	reason := "lease expired before the job reported completion"
	if err := p.store.MarkWaiting(ctx, id, attempts, now, reason); err != nil {
		p.log.Error("mark stalled job", zap.String("job_id", id), zap.Error(err))
		return false
	}
	p.audit(ctx, id, models.StatusStalled, reason)
	job.Attempts = attempts
	p.emit(job, models.StatusStalled, errors.New(reason))
	return true
}

// processNext leases and runs one job. It reports false when the queue was empty.
func (p *Processor) processNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warn("dropping unknown job", zap.String("job_id", jobID))
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if err != nil {
		// Leave the lease in place; the job is reclaimed once it expires.
		return true, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status == models.StatusCompleted || job.Status == models.StatusFailed {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}

	maxAttempts := p.maxAttempts(job)
	if job.Attempts >= maxAttempts {
		p.fail(ctx, job, job.Attempts, errors.New("attempts exhausted"))
		return true, nil
	}

	if err := p.store.MarkActive(ctx, job.ID); err != nil {
		p.log.Warn("mark job active", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.Status = models.StatusActive
	p.emit(job, models.StatusActive, nil)

	err = p.runWithLease(ctx, job)

	// The outcome is recorded even when shutdown cancelled ctx mid-run.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	p.settle(sctx, job, err)
	return true, nil
}

func (p *Processor) runWithLease(ctx context.Context, job models.Job) error {
	visibility := p.queue.VisibilityTimeout()
	if visibility <= 0 {
		return p.runJob(ctx, job)
	}
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, job.ID, visibility); err != nil && hbCtx.Err() == nil {
					p.log.Warn("extend lease", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()
	return p.runJob(ctx, job)
}

func (p *Processor) runJob(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Name]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for %q", job.Name))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// settle records the result of one run. The store is always updated before the lease is
// dropped; when the store write fails the lease is left to expire and the job is reclaimed
// as a stall.
func (p *Processor) settle(ctx context.Context, job models.Job, runErr error) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("job", job.Name))

	var deferred *DeferredError
	if errors.As(runErr, &deferred) {
		nextRun := time.Now().Add(deferred.After)
		if err := p.store.MarkWaiting(ctx, job.ID, job.Attempts, nextRun, runErr.Error()); err != nil {
			log.Error("record deferred job", zap.Error(err))
			return
		}
		if err := p.queue.Retry(ctx, job.ID, nextRun); err != nil {
			log.Warn("schedule deferred job", zap.Error(err))
		}
		job.Status = models.StatusWaiting
		p.emit(job, models.StatusWaiting, runErr)
		return
	}

	attempts := job.Attempts + 1
	if runErr == nil {
		if err := p.store.MarkCompleted(ctx, job.ID, attempts); err != nil {
			log.Error("record completed job", zap.Error(err))
			return
		}
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			log.Warn("complete job", zap.Error(err))
		}
		p.audit(ctx, job.ID, models.StatusCompleted, "worker completed job")
		job.Attempts = attempts
		job.Status = models.StatusCompleted
		p.emit(job, models.StatusCompleted, nil)
		return
	}

	if IsPermanent(runErr) || attempts >= p.maxAttempts(job) {
		p.fail(ctx, job, attempts, runErr)
		return
	}

	backoff := backoffWithJitter(p.settings.BackoffInitial, p.settings.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	if err := p.store.MarkWaiting(ctx, job.ID, attempts, nextRun, runErr.Error()); err != nil {
		log.Error("record retry", zap.Error(err))
		return
	}
	if err := p.queue.Retry(ctx, job.ID, nextRun); err != nil {
		log.Warn("schedule retry", zap.Error(err))
	}
	p.audit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	job.Attempts = attempts
	job.Status = models.StatusWaiting
	p.emit(job, models.StatusWaiting, runErr)
}

func (p *Processor) fail(ctx context.Context, job models.Job, attempts int, cause error) {
	if err := p.store.MarkFailed(ctx, job.ID, attempts, cause.Error()); err != nil {
		p.log.Error("record failed job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := p.queue.Fail(ctx, job.ID); err != nil {
		p.log.Warn("dead-letter job", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.audit(ctx, job.ID, "dead_letter", cause.Error())
	job.Attempts = attempts
	job.Status = models.StatusFailed
	p.emit(job, models.StatusFailed, cause)
}

func (p *Processor) audit(ctx context.Context, jobID, event, detail string) {
	if err := p.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		p.log.Warn("append audit", zap.String("job_id", jobID), zap.String("event", event), zap.Error(err))
	}
}

func (p *Processor) maxAttempts(job models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return p.settings.MaxAttempts
}

func (p *Processor) emit(job models.Job, state string, err error) {
	outcome := models.JobOutcome{
		JobID:    job.ID,
		Queue:    p.queue.Name(),
		Name:     job.Name,
		State:    state,
		Attempts: job.Attempts,
		Err:      err,
	}
	p.mu.RLock()
	subs := p.subscribers
	p.mu.RUnlock()
	for _, fn := range subs {
		fn(outcome)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
