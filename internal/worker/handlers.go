package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"content-hub/internal/mail"
	"content-hub/internal/models"
	"content-hub/internal/ratelimit"
	"content-hub/internal/remote"
	"content-hub/internal/store"
	"content-hub/internal/telemetry"
)

// ContentStore is the source of truth the handlers re-read content from.
type ContentStore interface {
	GetArticle(ctx context.Context, id int64) (models.Article, error)
	GetArticleContent(ctx context.Context, articleID int64) (models.ArticleContent, error)
	GetAds(ctx context.Context, id int64) (models.Ads, error)
	ReplaceArticleContent(ctx context.Context, articleID int64, blocks []models.ContentBlock) error
}

// BannerRenderer produces the banner URL sent with an ads push.
type BannerRenderer interface {
	Banner(ctx context.Context, ads models.Ads) (string, error)
}

// Throttle limits dispatch rate per website; *ratelimit.Limiter implements it.
type Throttle interface {
	Take(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Deps are the collaborators of the job-family handlers. Banners, Throttle and Mail are optional.
type Deps struct {
	Store         ContentStore
	Remote        remote.Client
	Banners       BannerRenderer
	Throttle      Throttle
	ThrottleDelay time.Duration
	Mail          mail.Transport
	Log           *zap.Logger
}

// Handlers implements one Handler per job family.
type Handlers struct {
	Deps
}

func NewHandlers(d Deps) *Handlers {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.ThrottleDelay <= 0 {
		d.ThrottleDelay = time.Second
	}
	return &Handlers{Deps: d}
}

// For returns the handler for a job name, or nil.
func (h *Handlers) For(name string) Handler {
	switch name {
	case models.JobPushArticle:
		return h.PushArticle
	case models.JobPushAds:
		return h.PushAds
	case models.JobInsertContent:
		return h.InsertContent
	case models.JobEmail:
		return h.SendEmail
	}
	return nil
}

// Register binds every job family handler to p.
func (h *Handlers) Register(p *Processor) {
	for _, name := range []string{models.JobPushArticle, models.JobPushAds, models.JobInsertContent, models.JobEmail} {
		p.RegisterHandler(name, h.For(name))
	}
}

type remoteArticle struct {
	SourceID   int64  `json:"sourceId"`
	Title      string `json:"title"`
	Slug       string `json:"slug"`
	Summary    string `json:"summary"`
	Thumbnail  string `json:"thumbnail"`
	CategoryID *int64 `json:"categoryId,omitempty"`
	Status     string `json:"status"`
	UpdatedAt  string `json:"updatedAt"`
}

type remoteContent struct {
	Blocks []models.ContentBlock `json:"blocks"`
}

type remoteAds struct {
	SourceID  int64   `json:"sourceId"`
	Title     string  `json:"title"`
	ImageURL  string  `json:"imageUrl"`
	TargetURL string  `json:"targetUrl"`
	Position  string  `json:"position"`
	Status    string  `json:"status"`
	StartsAt  *string `json:"startsAt,omitempty"`
	ExpiresAt *string `json:"expiresAt,omitempty"`
}

// PushArticle creates the article on the website, then attaches its body to the record the
// website returned. The body is never sent unless the create call succeeded with an id.
func (h *Handlers) PushArticle(ctx context.Context, job models.Job) error {
	var p models.ArticlePushPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return Permanent(err)
	}
	if p.Website.BackendURL == "" {
		return Permanent(errors.New("payload has no backend url"))
	}

	article, err := h.Store.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return loadError("article", p.ArticleID, err)
	}
	content, err := h.Store.GetArticleContent(ctx, p.ArticleID)
	if err != nil {
		return loadError("article content", p.ArticleID, err)
	}
	if err := h.throttle(ctx, p.Website.ID); err != nil {
		return err
	}

	category := article.CategoryID
	if p.CategoryID != nil {
		category = p.CategoryID
	}
	record := remoteArticle{
		SourceID:   article.ID,
		Title:      article.Title,
		Slug:       article.Slug,
		Summary:    article.Summary,
		Thumbnail:  article.Thumbnail,
		CategoryID: category,
		Status:     article.Status,
		UpdatedAt:  article.UpdatedAt.UTC().Format(time.RFC3339),
	}

	created, err := h.dispatch(ctx, p.Website.BackendURL, http.MethodPost, "/api/articles", record)
	if err := classify("create article", created, err); err != nil {
		return err
	}
	remoteID, ok := created.ID()
	if !ok {
		return Permanent(fmt.Errorf("create article: response has no data.id: %s", created))
	}

	blocks := content.Blocks
	if blocks == nil {
		blocks = []models.ContentBlock{}
	}
	attached, err := h.dispatch(ctx, p.Website.BackendURL, http.MethodPut, "/api/articles/"+remoteID+"/content", remoteContent{Blocks: blocks})
	if err := classify("attach article content", attached, err); err != nil {
		return err
	}

	h.Log.Info("article pushed",
		zap.String("job_id", job.ID),
		zap.Int64("article_id", article.ID),
		zap.Int64("website_id", p.Website.ID),
		zap.String("remote_id", remoteID),
	)
	return nil
}

// PushAds sends the current ads to the website, with a banner rendition when one is configured.
func (h *Handlers) PushAds(ctx context.Context, job models.Job) error {
	var p models.AdsPushPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return Permanent(err)
	}
	if p.Website.BackendURL == "" {
		return Permanent(errors.New("payload has no backend url"))
	}

	ads, err := h.Store.GetAds(ctx, p.AdsID)
	if err != nil {
		return loadError("ads", p.AdsID, err)
	}
	if err := h.throttle(ctx, p.Website.ID); err != nil {
		return err
	}

	imageURL := ads.ImageURL
	if h.Banners != nil && ads.ImageURL != "" {
		banner, err := h.Banners.Banner(ctx, ads)
		if err != nil {
			h.Log.Warn("banner rendition failed, sending original image",
				zap.String("job_id", job.ID),
				zap.Int64("ads_id", ads.ID),
				zap.Error(err),
			)
		} else {
			imageURL = banner
		}
	}

	body := remoteAds{
		SourceID:  ads.ID,
		Title:     ads.Title,
		ImageURL:  imageURL,
		TargetURL: ads.TargetURL,
		Position:  ads.Position,
		Status:    ads.Status,
		StartsAt:  formatTime(ads.StartsAt),
		ExpiresAt: formatTime(ads.ExpiresAt),
	}
	res, err := h.dispatch(ctx, p.Website.BackendURL, http.MethodPost, "/api/ads", body)
	if err := classify("push ads", res, err); err != nil {
		return err
	}

	h.Log.Info("ads pushed",
		zap.String("job_id", job.ID),
		zap.Int64("ads_id", ads.ID),
		zap.Int64("website_id", p.Website.ID),
	)
	return nil
}

// InsertContent stores the rich-content body of an article.
func (h *Handlers) InsertContent(ctx context.Context, job models.Job) error {
	var p models.InsertContentPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return Permanent(err)
	}
	id := p.InsertContent.ContentItemID
	if _, err := h.Store.GetArticle(ctx, id); err != nil {
		return loadError("article", id, err)
	}
	if err := h.Store.ReplaceArticleContent(ctx, id, p.InsertContent.Blocks); err != nil {
		return fmt.Errorf("store content for article %d: %w", id, err)
	}
	return nil
}

// SendEmail hands the message to the mail transport.
func (h *Handlers) SendEmail(ctx context.Context, job models.Job) error {
	if h.Mail == nil {
		return Permanent(errors.New("no mail transport configured"))
	}
	var p models.EmailPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return Permanent(err)
	}
	if err := h.Mail.Send(ctx, p.EmailData); err != nil {
		if errors.Is(err, mail.ErrRejected) {
			return Permanent(err)
		}
		return err
	}
	return nil
}

func (h *Handlers) dispatch(ctx context.Context, baseURL, method, path string, body any) (remote.Result, error) {
	start := time.Now()
	res, err := h.Remote.Dispatch(ctx, baseURL, method, path, body)
	telemetry.RemoteLatency.Observe(time.Since(start).Seconds())

	result := "success"
	switch {
	case remote.IsMalformed(err):
		result = "malformed"
	case err != nil:
		result = "transport_error"
	case res.Transient():
		result = "transient"
	case !res.OK():
		result = "rejected"
	}
	telemetry.RemoteCalls.WithLabelValues(result).Inc()
	return res, err
}

func (h *Handlers) throttle(ctx context.Context, websiteID int64) error {
	if h.Throttle == nil {
		return nil
	}
	d, err := h.Throttle.Take(ctx, strconv.FormatInt(websiteID, 10))
	if err != nil {
		h.Log.Warn("website throttle unavailable", zap.Int64("website_id", websiteID), zap.Error(err))
		return nil
	}
	if d.Allowed {
		return nil
	}
	wait := d.RetryAfter
	if wait <= 0 {
		wait = h.ThrottleDelay
	}
	return Defer(wait, fmt.Sprintf("website %d throttled", websiteID))
}

// classify turns a remote call into a job error. Transport failures and 5xx/429 envelopes
// retry; malformed responses and other rejections fail the job.
func classify(op string, res remote.Result, err error) error {
	if err != nil {
		if remote.IsMalformed(err) {
			return Permanent(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.OK() {
		return nil
	}
	rejected := fmt.Errorf("%s rejected: %s", op, res)
	if res.Transient() {
		return rejected
	}
	return Permanent(rejected)
}

func loadError(kind string, id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return Permanent(fmt.Errorf("%s %d no longer exists: %w", kind, id, err))
	}
	return fmt.Errorf("load %s %d: %w", kind, id, err)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
