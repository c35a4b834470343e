// Package producer turns admin push actions into delivery records and queued jobs.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"content-hub/internal/models"
	"content-hub/internal/store"
	"content-hub/internal/telemetry"
)

// Store is the slice of persistence the producer needs.
type Store interface {
	GetArticle(ctx context.Context, id int64) (models.Article, error)
	GetAds(ctx context.Context, id int64) (models.Ads, error)
	GetWebsites(ctx context.Context, ids []int64) (map[int64]models.Website, error)
	CreateWebsiteArticle(ctx context.Context, websiteID, articleID int64) (models.DeliveryRecord, error)
	CreateWebsiteAds(ctx context.Context, websiteID, adsID int64) (models.DeliveryRecord, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
}

// Enqueuer hands a persisted job to its named queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// WebsiteOptions are per-target overrides frozen into the job payload.
type WebsiteOptions struct {
	CategoryID *int64 `json:"categoryId,omitempty"`
}

// PushRequest fans one content item out to a set of websites.
type PushRequest struct {
	ContentID  int64                    `json:"contentItemId"`
	WebsiteIDs []int64                  `json:"targetWebsiteIds"`
	Options    map[int64]WebsiteOptions `json:"perWebsiteOptions,omitempty"`
}

// Producer validates push requests, writes ledger rows and enqueues jobs.
type Producer struct {
	store       Store
	queues      map[string]Enqueuer
	maxAttempts int
	mailFrom    string
	log         *zap.Logger
}

// Options configure job creation.
type Options struct {
	MaxAttempts int
	MailFrom    string
}

func New(st Store, queues map[string]Enqueuer, opts Options, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{
		store:       st,
		queues:      queues,
		maxAttempts: opts.MaxAttempts,
		mailFrom:    opts.MailFrom,
		log:         log,
	}
}

// PushArticle validates the whole request, then writes one ledger row and one PUSH_ARTICLE job per website.
func (p *Producer) PushArticle(ctx context.Context, req PushRequest) ([]models.Job, error) {
	if _, err := p.store.GetArticle(ctx, req.ContentID); err != nil {
		return nil, contentError("article", req.ContentID, err)
	}
	websites, err := p.resolveWebsites(ctx, req.WebsiteIDs)
	if err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(websites))
	for _, w := range websites {
		// Ledger row first; it is not rolled back if the enqueue below fails.
		if _, err := p.store.CreateWebsiteArticle(ctx, w.ID, req.ContentID); err != nil {
			return jobs, fmt.Errorf("record article %d for website %d: %w", req.ContentID, w.ID, err)
		}
		telemetry.LedgerWrites.WithLabelValues("article").Inc()

		payload := models.ArticlePushPayload{
			ArticleID:  req.ContentID,
			CategoryID: req.Options[w.ID].CategoryID,
			Website:    models.WebsiteRef{ID: w.ID, BackendURL: w.BackendURL},
		}
		job, err := p.enqueue(ctx, models.QueuePushArticle, models.JobPushArticle, payload)
		if err != nil {
			return jobs, fmt.Errorf("enqueue article %d for website %d: %w", req.ContentID, w.ID, err)
		}
		jobs = append(jobs, job)
	}
	p.log.Info("article push enqueued", zap.Int64("article_id", req.ContentID), zap.Int("targets", len(jobs)))
	return jobs, nil
}

// PushAds is PushArticle for advertisements.
func (p *Producer) PushAds(ctx context.Context, req PushRequest) ([]models.Job, error) {
	if _, err := p.store.GetAds(ctx, req.ContentID); err != nil {
		return nil, contentError("ads", req.ContentID, err)
	}
	websites, err := p.resolveWebsites(ctx, req.WebsiteIDs)
	if err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(websites))
	for _, w := range websites {
		if _, err := p.store.CreateWebsiteAds(ctx, w.ID, req.ContentID); err != nil {
			return jobs, fmt.Errorf("record ads %d for website %d: %w", req.ContentID, w.ID, err)
		}
		telemetry.LedgerWrites.WithLabelValues("ads").Inc()

		payload := models.AdsPushPayload{
			AdsID:   req.ContentID,
			Website: models.WebsiteRef{ID: w.ID, BackendURL: w.BackendURL},
		}
		job, err := p.enqueue(ctx, models.QueuePushAds, models.JobPushAds, payload)
		if err != nil {
			return jobs, fmt.Errorf("enqueue ads %d for website %d: %w", req.ContentID, w.ID, err)
		}
		jobs = append(jobs, job)
	}
	p.log.Info("ads push enqueued", zap.Int64("ads_id", req.ContentID), zap.Int("targets", len(jobs)))
	return jobs, nil
}

// InsertContent queues the rich-content body of an article to be stored.
func (p *Producer) InsertContent(ctx context.Context, articleID int64, blocks []models.ContentBlock) (models.Job, error) {
	if _, err := p.store.GetArticle(ctx, articleID); err != nil {
		return models.Job{}, contentError("article", articleID, err)
	}
	if blocks == nil {
		blocks = []models.ContentBlock{}
	}
	for i, b := range blocks {
		if strings.TrimSpace(b.Type) == "" {
			return models.Job{}, &ValidationError{Field: "blocks", Reason: fmt.Sprintf("block %d has no type", i)}
		}
	}
	return p.enqueue(ctx, models.QueueInsertContent, models.JobInsertContent, models.InsertContentPayload{
		InsertContent: models.InsertContent{ContentItemID: articleID, Blocks: blocks},
	})
}

// SendEmail queues an outbound message. An empty sender falls back to the configured one.
func (p *Producer) SendEmail(ctx context.Context, msg models.EmailData) (models.Job, error) {
	if msg.From == "" {
		msg.From = p.mailFrom
	}
	if len(msg.To) == 0 {
		return models.Job{}, &ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return models.Job{}, &ValidationError{Field: "subject", Reason: "subject is required"}
	}
	return p.enqueue(ctx, models.QueueEmail, models.JobEmail, models.EmailPayload{EmailData: msg})
}

// resolveWebsites fails the whole request if any id is unknown or soft-deleted.
func (p *Producer) resolveWebsites(ctx context.Context, ids []int64) ([]models.Website, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, &ValidationError{Field: "targetWebsiteIds", Reason: "at least one website is required"}
	}
	found, err := p.store.GetWebsites(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve websites: %w", err)
	}

	var bad []int64
	websites := make([]models.Website, 0, len(ids))
	for _, id := range ids {
		w, ok := found[id]
		if !ok || w.IsDeleted {
			bad = append(bad, id)
			continue
		}
		websites = append(websites, w)
	}
	if len(bad) > 0 {
		telemetry.ValidationErrors.Inc()
		return nil, &ValidationError{Field: "targetWebsiteIds", Reason: "unknown or deleted websites", IDs: bad}
	}
	return websites, nil
}

func (p *Producer) enqueue(ctx context.Context, queueName, jobName string, payload any) (models.Job, error) {
	q, ok := p.queues[queueName]
	if !ok {
		return models.Job{}, fmt.Errorf("no queue registered for %s", queueName)
	}
	m, err := models.EncodePayload(payload)
	if err != nil {
		return models.Job{}, err
	}
	job, err := p.store.CreateJob(ctx, store.CreateJobParams{
		Queue:       queueName,
		Name:        jobName,
		Payload:     m,
		MaxAttempts: p.maxAttempts,
	})
	if err != nil {
		return models.Job{}, err
	}
	if err := q.Enqueue(ctx, job.ID); err != nil {
		msg := err.Error()
		_ = p.store.MarkFailed(ctx, job.ID, 0, msg)
		return models.Job{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(queueName).Inc()
	return job, nil
}

func contentError(kind string, id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		telemetry.ValidationErrors.Inc()
		return &ValidationError{Field: "contentItemId", Reason: fmt.Sprintf("%s %d does not exist", kind, id), Err: err}
	}
	return fmt.Errorf("load %s %d: %w", kind, id, err)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
