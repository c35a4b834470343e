package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-hub/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Queue       string
	Name        string
	Payload     map[string]any
	MaxAttempts int
}

// CreateJob inserts a waiting job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue, name, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7, $7)
	`, id, p.Queue, p.Name, payloadJSON, models.StatusWaiting, p.MaxAttempts, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Queue:       p.Queue,
		Name:        p.Name,
		Payload:     p.Payload,
		Status:      models.StatusWaiting,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, name, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Queue, &job.Name, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	payload, err := models.UnmarshalPayload(payloadJSON)
	if err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", id, err)
	}
	job.Payload = payload
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkActive records that a worker claimed the job.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusActive)
	return err
}

// MarkCompleted transitions a job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted, attempts)
	return err
}

// MarkFailed transitions a job to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, attempts, lastError)
	return err
}

// MarkWaiting puts a job back to waiting after a failed attempt or a stall.
func (s *Store) MarkWaiting(ctx context.Context, id string, attempts int, nextRun time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusWaiting, attempts, nextRun, lastError)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail returns the audit rows of a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
