package worker

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"content-hub/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 < max/2 || b9 > max {
		t.Fatalf("backoff not capped: %s", b9)
	}
}

func TestProcessorCompletesJob(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	calls := 0
	h.proc.RegisterHandler("noop", func(context.Context, models.Job) error {
		calls++
		return nil
	})
	job := h.enqueue(t, "noop", map[string]any{})

	h.drain(t)

	assert.Equal(t, 1, calls)
	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []string{models.StatusActive, models.StatusCompleted}, h.states())

	completed, err := h.queue.Completed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, completed)
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
}

func TestProcessorRetriesThenFails(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	calls := 0
	h.proc.RegisterHandler("flaky", func(context.Context, models.Job) error {
		calls++
		return errors.New("backend unavailable")
	})
	job := h.enqueue(t, "flaky", map[string]any{})

	h.drain(t)

	assert.Equal(t, 3, calls)
	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "backend unavailable", *got.LastError)
	assert.Equal(t, []string{
		models.StatusActive, models.StatusWaiting,
		models.StatusActive, models.StatusWaiting,
		models.StatusActive, models.StatusFailed,
	}, h.states())

	dead, err := h.queue.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, dead)
	assert.Contains(t, h.store.audit[job.ID], "retry_scheduled")
	assert.Contains(t, h.store.audit[job.ID], "dead_letter")
}

func TestProcessorPermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 5)
	calls := 0
	h.proc.RegisterHandler("broken", func(context.Context, models.Job) error {
		calls++
		return Permanent(errors.New("bad payload"))
	})
	job := h.enqueue(t, "broken", map[string]any{})

	h.drain(t)

	assert.Equal(t, 1, calls)
	assert.Equal(t, models.StatusFailed, h.store.job(t, job.ID).Status)
}

func TestProcessorUnknownJobNameFails(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 5)
	job := h.enqueue(t, "NOBODY_HANDLES_THIS", map[string]any{})

	h.drain(t)

	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "no handler registered")
}

func TestProcessorRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 1)
	h.proc.RegisterHandler("panics", func(context.Context, models.Job) error {
		panic("boom")
	})
	job := h.enqueue(t, "panics", map[string]any{})

	h.drain(t)

	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, *got.LastError, "boom")
}

func TestProcessorDeferredKeepsAttempts(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 2)
	calls := 0
	h.proc.RegisterHandler("throttled", func(context.Context, models.Job) error {
		calls++
		if calls < 4 {
			return Defer(time.Millisecond, "slow down")
		}
		return nil
	})
	job := h.enqueue(t, "throttled", map[string]any{})

	h.drain(t)

	assert.Equal(t, 4, calls)
	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessorStalledJobIsRedeliveredAndCharged(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	calls := 0
	h.proc.RegisterHandler("work", func(context.Context, models.Job) error {
		calls++
		return nil
	})
	job := h.enqueue(t, "work", map[string]any{})
	ctx := context.Background()

	// A worker leases the job and dies without reporting back.
	leased, err := h.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, leased)

	h.proc.maintain(ctx, time.Now().Add(2*time.Minute))

	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []string{models.StatusStalled}, h.states())

	h.drain(t)

	assert.Equal(t, 1, calls)
	got = h.store.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestProcessorStallsExhaustAttempts(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 1)
	calls := 0
	h.proc.RegisterHandler("work", func(context.Context, models.Job) error {
		calls++
		return nil
	})
	job := h.enqueue(t, "work", map[string]any{})
	ctx := context.Background()

	_, err := h.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	h.proc.maintain(ctx, time.Now().Add(2*time.Minute))
	h.drain(t)

	assert.Zero(t, calls)
	assert.Equal(t, models.StatusFailed, h.store.job(t, job.ID).Status)
}

func TestProcessorSkipsJobsAlreadyTerminal(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	calls := 0
	h.proc.RegisterHandler("work", func(context.Context, models.Job) error {
		calls++
		return nil
	})
	job := h.enqueue(t, "work", map[string]any{})
	require.NoError(t, h.store.MarkCompleted(context.Background(), job.ID, 1))

	h.drain(t)

	assert.Zero(t, calls)
}

func TestProcessorRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	done := make(chan struct{})
	h.proc.RegisterHandler("work", func(context.Context, models.Job) error {
		close(done)
		return nil
	})
	h.enqueue(t, "work", map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.proc.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorKeepsLeaseWhenCompletionIsNotRecorded(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	calls := 0
	h.proc.RegisterHandler("work", func(context.Context, models.Job) error {
		calls++
		return nil
	})
	job := h.enqueue(t, "work", map[string]any{})
	ctx := context.Background()
	h.store.failNext("MarkCompleted", errors.New("connection reset by peer"))

	worked, err := h.proc.processNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// The row still says active, so the queue must not forget the job.
	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusActive, got.Status)
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
	completed, err := h.queue.Completed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, completed)
	assert.Equal(t, []string{models.StatusActive}, h.states())

	h.proc.maintain(ctx, time.Now().Add(2*time.Minute))
	h.drain(t)

	assert.Equal(t, 2, calls)
	got = h.store.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestProcessorKeepsLeaseWhenRetryIsNotRecorded(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	h.proc.RegisterHandler("flaky", func(context.Context, models.Job) error {
		return errors.New("backend unavailable")
	})
	job := h.enqueue(t, "flaky", map[string]any{})
	ctx := context.Background()
	h.store.failNext("MarkWaiting", errors.New("connection reset by peer"))

	_, err := h.proc.processNext(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, h.store.job(t, job.ID).Attempts)
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
	assert.Zero(t, stats.Delayed)
}

func TestProcessorRecordsOutcomeWhenShutdownInterruptsJob(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.proc.RegisterHandler("work", func(ctx context.Context, _ models.Job) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	job := h.enqueue(t, "work", map[string]any{})

	worked, err := h.proc.processNext(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, 1, got.Attempts)
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
	assert.Zero(t, stats.InFlight)
}

func TestProcessorRunsJobsConcurrently(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	h.proc.settings.Concurrency = 2
	h.proc.settings.PollInterval = 10 * time.Millisecond

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	h.proc.RegisterHandler("slow", func(ctx context.Context, _ models.Job) error {
		close(slowStarted)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	h.proc.RegisterHandler("fast", func(context.Context, models.Job) error {
		return nil
	})
	slow := h.enqueue(t, "slow", map[string]any{})
	fast := h.enqueue(t, "fast", map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- h.proc.Run(ctx) }()

	select {
	case <-slowStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("slow job was not started")
	}
	// The fast job finishes on the second worker while the first is still busy.
	require.Eventually(t, func() bool {
		return h.store.job(t, fast.ID).Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.StatusActive, h.store.job(t, slow.ID).Status)

	close(release)
	require.Eventually(t, func() bool {
		return h.store.job(t, slow.ID).Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorChargesStallBeforeRedelivery(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	var atReclaim []models.Job
	q := &reclaimObserver{RedisQueue: h.queue, onReclaim: func(ids []string) {
		for _, id := range ids {
			atReclaim = append(atReclaim, h.store.job(t, id))
		}
	}}
	proc := NewProcessor(q, h.store, Settings{MaxAttempts: 3}, nil)
	job := h.enqueue(t, "work", map[string]any{})
	ctx := context.Background()

	_, err := h.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	proc.maintain(ctx, time.Now().Add(2*time.Minute))

	require.Len(t, atReclaim, 1)
	assert.Equal(t, models.StatusWaiting, atReclaim[0].Status)
	assert.Equal(t, 1, atReclaim[0].Attempts)
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
	assert.Zero(t, stats.InFlight)
	assert.Contains(t, h.store.audit[job.ID], models.StatusStalled)
}

func TestProcessorStallStaysInFlightWhenNotRecorded(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	job := h.enqueue(t, "work", map[string]any{})
	ctx := context.Background()

	_, err := h.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	h.store.failNext("MarkWaiting", errors.New("connection reset by peer"))
	h.proc.maintain(ctx, time.Now().Add(2*time.Minute))

	assert.Equal(t, 0, h.store.job(t, job.ID).Attempts)
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InFlight)
	assert.Zero(t, stats.Ready)

	// The next sweep succeeds.
	h.proc.maintain(ctx, time.Now().Add(2*time.Minute))
	assert.Equal(t, 1, h.store.job(t, job.ID).Attempts)
	stats, err = h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
}

func TestProcessorStalledSettledJobIsNotReopened(t *testing.T) {
	h := newHarness(t, models.QueueEmail, 3)
	calls := 0
	h.proc.RegisterHandler("work", func(context.Context, models.Job) error {
		calls++
		return nil
	})
	job := h.enqueue(t, "work", map[string]any{})
	ctx := context.Background()

	// The row was settled but the queue never heard about it.
	_, err := h.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkCompleted(ctx, job.ID, 1))

	h.proc.maintain(ctx, time.Now().Add(2*time.Minute))
	h.drain(t)

	assert.Zero(t, calls)
	got := h.store.job(t, job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.InFlight)
	assert.Zero(t, stats.Ready)
}
