package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-hub/internal/models"
	"content-hub/internal/queue"
	"content-hub/internal/store"
)

// memStore keeps jobs, content and ledger rows in memory.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	audit    map[string][]string
	articles map[int64]models.Article
	contents map[int64]models.ArticleContent
	ads      map[int64]models.Ads
	websites map[int64]models.Website
	ledger   []models.DeliveryRecord
	failures map[string]error
	nextJob  int
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]models.Job{},
		audit:    map[string][]string{},
		articles: map[int64]models.Article{},
		contents: map[int64]models.ArticleContent{},
		ads:      map[int64]models.Ads{},
		websites: map[int64]models.Website{},
		failures: map[string]error{},
	}
}

// failNext makes the next call to the named write method return err.
func (m *memStore) failNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

func (m *memStore) injected(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failures[method]
	delete(m.failures, method)
	return err
}

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJob++
	job := models.Job{
		ID:          fmt.Sprintf("job-%d", m.nextJob),
		Queue:       p.Queue,
		Name:        p.Name,
		Payload:     p.Payload,
		Status:      models.StatusWaiting,
		MaxAttempts: p.MaxAttempts,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (m *memStore) update(id string, fn func(*models.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	fn(&job)
	m.jobs[id] = job
}

func (m *memStore) MarkActive(_ context.Context, id string) error {
	if err := m.injected("MarkActive"); err != nil {
		return err
	}
	m.update(id, func(j *models.Job) { j.Status = models.StatusActive })
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string, attempts int) error {
	if err := m.injected("MarkCompleted"); err != nil {
		return err
	}
	m.update(id, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Attempts = attempts
	})
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, attempts int, lastError string) error {
	if err := m.injected("MarkFailed"); err != nil {
		return err
	}
	m.update(id, func(j *models.Job) {
		j.Status = models.StatusFailed
		j.Attempts = attempts
		j.LastError = &lastError
	})
	return nil
}

func (m *memStore) MarkWaiting(_ context.Context, id string, attempts int, nextRun time.Time, lastError string) error {
	if err := m.injected("MarkWaiting"); err != nil {
		return err
	}
	m.update(id, func(j *models.Job) {
		j.Status = models.StatusWaiting
		j.Attempts = attempts
		j.NextRunAt = nextRun
		j.LastError = &lastError
	})
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, jobID, event, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[jobID] = append(m.audit[jobID], event)
	return nil
}

func (m *memStore) GetArticle(_ context.Context, id int64) (models.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[id]
	if !ok {
		return models.Article{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) GetArticleContent(_ context.Context, id int64) (models.ArticleContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[id]
	if !ok {
		return models.ArticleContent{ArticleID: id, Blocks: []models.ContentBlock{}}, nil
	}
	return c, nil
}

func (m *memStore) ReplaceArticleContent(_ context.Context, id int64, blocks []models.ContentBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents[id] = models.ArticleContent{ArticleID: id, Blocks: blocks}
	return nil
}

func (m *memStore) GetAds(_ context.Context, id int64) (models.Ads, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ads[id]
	if !ok {
		return models.Ads{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) GetWebsites(_ context.Context, ids []int64) (map[int64]models.Website, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]models.Website{}
	for _, id := range ids {
		if w, ok := m.websites[id]; ok {
			out[id] = w
		}
	}
	return out, nil
}

func (m *memStore) CreateWebsiteArticle(_ context.Context, websiteID, articleID int64) (models.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := models.DeliveryRecord{ID: int64(len(m.ledger) + 1), WebsiteID: websiteID, ContentID: articleID}
	m.ledger = append(m.ledger, rec)
	return rec, nil
}

func (m *memStore) CreateWebsiteAds(_ context.Context, websiteID, adsID int64) (models.DeliveryRecord, error) {
	return m.CreateWebsiteArticle(context.Background(), websiteID, adsID)
}

func (m *memStore) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := m.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("job %s: %v", id, err)
	}
	return job
}

type harness struct {
	queue    *queue.RedisQueue
	store    *memStore
	proc     *Processor
	mu       sync.Mutex
	outcomes []models.JobOutcome
}

func newHarness(t *testing.T, queueName string, maxAttempts int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queueName, queue.Options{VisibilityTimeout: time.Minute})
	st := newMemStore()
	proc := NewProcessor(q, st, Settings{
		Concurrency:    1,
		MaxAttempts:    maxAttempts,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}, nil)
	h := &harness{queue: q, store: st, proc: proc}
	proc.Subscribe(func(o models.JobOutcome) {
		h.mu.Lock()
		h.outcomes = append(h.outcomes, o)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) enqueue(t *testing.T, name string, payload any) models.Job {
	t.Helper()
	m, err := models.EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	job, err := h.store.CreateJob(context.Background(), store.CreateJobParams{Queue: h.queue.Name(), Name: name, Payload: m})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := h.queue.Enqueue(context.Background(), job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// drain runs jobs until the queue has nothing ready or delayed, promoting retries between passes.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		worked, err := h.proc.processNext(ctx)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if worked {
			continue
		}
		promoted, err := h.queue.PromoteDelayed(ctx, time.Now().Add(time.Hour), 100)
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		if promoted == 0 {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) states() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.outcomes))
	for _, o := range h.outcomes {
		out = append(out, o.State)
	}
	return out
}

// reclaimObserver calls onReclaim before stalled jobs are moved back to the ready list.
type reclaimObserver struct {
	*queue.RedisQueue
	onReclaim func(ids []string)
}

func (r *reclaimObserver) Reclaim(ctx context.Context, now time.Time, ids ...string) ([]string, error) {
	r.onReclaim(ids)
	return r.RedisQueue.Reclaim(ctx, now, ids...)
}
