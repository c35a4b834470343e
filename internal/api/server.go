package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"content-hub/internal/models"
	"content-hub/internal/producer"
	"content-hub/internal/queue"
	"content-hub/internal/ratelimit"
	"content-hub/internal/store"
	"content-hub/internal/telemetry"
)

// Pusher starts asynchronous work; *producer.Producer implements it.
type Pusher interface {
	PushArticle(ctx context.Context, req producer.PushRequest) ([]models.Job, error)
	PushAds(ctx context.Context, req producer.PushRequest) ([]models.Job, error)
	InsertContent(ctx context.Context, articleID int64, blocks []models.ContentBlock) (models.Job, error)
	SendEmail(ctx context.Context, msg models.EmailData) (models.Job, error)
}

// Reader serves ledger and job lookups; *store.Store implements it.
type Reader interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
	ArticleDeliveries(ctx context.Context, articleID int64) ([]models.TargetStatus, error)
	AdsDeliveries(ctx context.Context, adsID int64) ([]models.TargetStatus, error)
	WebsiteArticleDeliveries(ctx context.Context, websiteID int64) ([]models.ContentStatus, error)
	WebsiteAdsDeliveries(ctx context.Context, websiteID int64) ([]models.ContentStatus, error)
}

// QueueInspector exposes the terminal lists of a named queue.
type QueueInspector interface {
	DeadLetters(ctx context.Context, count int64) ([]string, error)
	Completed(ctx context.Context, count int64) ([]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Limiter is the admin request rate limiter.
type Limiter interface {
	Take(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the admin side of the push pipeline.
type Server struct {
	pusher  Pusher
	reader  Reader
	queues  map[string]QueueInspector
	limiter Limiter
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(p Pusher, r Reader, queues map[string]QueueInspector, limiter Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{pusher: p, reader: r, queues: queues, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/articles/{id}/push", s.handlePushArticle)
		r.Post("/ads/{id}/push", s.handlePushAds)
		r.Post("/articles/{id}/content", s.handleInsertContent)
		r.Post("/emails", s.handleSendEmail)
	})

	r.Get("/articles/{id}/deliveries", s.handleArticleDeliveries)
	r.Get("/ads/{id}/deliveries", s.handleAdsDeliveries)
	r.Get("/websites/{id}/deliveries", s.handleWebsiteDeliveries)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/queues/{name}/stats", s.handleQueueStats)
	r.Get("/queues/{name}/dead", s.handleQueueList(QueueInspector.DeadLetters))
	r.Get("/queues/{name}/completed", s.handleQueueList(QueueInspector.Completed))
	return r
}

type pushRequest struct {
	TargetWebsiteIDs  []int64                           `json:"targetWebsiteIds"`
	PerWebsiteOptions map[int64]producer.WebsiteOptions `json:"perWebsiteOptions"`
}

type jobsResponse struct {
	Jobs []models.Job `json:"jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.reader.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePushArticle(w http.ResponseWriter, r *http.Request) {
	s.handlePush(w, r, s.pusher.PushArticle)
}

func (s *Server) handlePushAds(w http.ResponseWriter, r *http.Request) {
	s.handlePush(w, r, s.pusher.PushAds)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, push func(context.Context, producer.PushRequest) ([]models.Job, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	jobs, err := push(r.Context(), producer.PushRequest{
		ContentID:  id,
		WebsiteIDs: req.TargetWebsiteIDs,
		Options:    req.PerWebsiteOptions,
	})
	if err != nil {
		s.writeProducerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobsResponse{Jobs: jobs})
}

type insertContentRequest struct {
	Blocks []models.ContentBlock `json:"blocks"`
}

func (s *Server) handleInsertContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req insertContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.pusher.InsertContent(r.Context(), id, req.Blocks)
	if err != nil {
		s.writeProducerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobsResponse{Jobs: []models.Job{job}})
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req models.EmailData
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := s.pusher.SendEmail(r.Context(), req)
	if err != nil {
		s.writeProducerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobsResponse{Jobs: []models.Job{job}})
}

func (s *Server) handleArticleDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := s.reader.ArticleDeliveries(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAdsDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := s.reader.AdsDeliveries(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleWebsiteDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var (
		items []models.ContentStatus
		err   error
	)
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", "article":
		items, err = s.reader.WebsiteArticleDeliveries(r.Context(), id)
	case "ads":
		items, err = s.reader.WebsiteAdsDeliveries(r.Context(), id)
	default:
		writeError(w, http.StatusBadRequest, "kind must be article or ads")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type jobResponse struct {
	Job   models.Job        `json:"job"`
	Audit []models.AuditLog `json:"audit"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.reader.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	audit, err := s.reader.AuditTrail(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Audit: audit})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	stats, err := q.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleQueueList returns job ids from a queue list along with the job rows that still exist.
func (s *Server) handleQueueList(list func(QueueInspector, context.Context, int64) ([]string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := s.queue(w, r)
		if !ok {
			return
		}
		limit := int64(100)
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		ids, err := list(q, r.Context(), limit)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		jobs := make([]models.Job, 0, len(ids))
		for _, id := range ids {
			job, err := s.reader.GetJob(r.Context(), id)
			if err != nil {
				continue
			}
			jobs = append(jobs, job)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "jobs": jobs})
	}
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) (QueueInspector, bool) {
	name := chi.URLParam(r, "name")
	q, ok := s.queues[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue "+strconv.Quote(name))
		return nil, false
	}
	return q, true
}

func (s *Server) writeProducerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case producer.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.limiter.Take(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("tenant", tenantFromRequest(r)),
		)
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
