package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-hub/internal/models"
)

// GetWebsite fetches a website by id, including soft-deleted ones.
func (s *Store) GetWebsite(ctx context.Context, id int64) (models.Website, error) {
	var w models.Website
	err := s.pool.QueryRow(ctx, `
		SELECT id, backend_url, domain, is_deleted, created_at FROM websites WHERE id = $1
	`, id).Scan(&w.ID, &w.BackendURL, &w.Domain, &w.IsDeleted, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Website{}, fmt.Errorf("website %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Website{}, fmt.Errorf("scan website: %w", err)
	}
	return w, nil
}

// GetWebsites fetches the websites with the given ids, keyed by id. Missing ids are absent from the map.
func (s *Store) GetWebsites(ctx context.Context, ids []int64) (map[int64]models.Website, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, backend_url, domain, is_deleted, created_at FROM websites WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query websites: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]models.Website, len(ids))
	for rows.Next() {
		var w models.Website
		if err := rows.Scan(&w.ID, &w.BackendURL, &w.Domain, &w.IsDeleted, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		out[w.ID] = w
	}
	return out, rows.Err()
}

// GetArticle fetches an article by id.
func (s *Store) GetArticle(ctx context.Context, id int64) (models.Article, error) {
	var a models.Article
	var category pgtype.Int8
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, slug, summary, thumbnail, category_id, status, updated_at FROM articles WHERE id = $1
	`, id).Scan(&a.ID, &a.Title, &a.Slug, &a.Summary, &a.Thumbnail, &category, &a.Status, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Article{}, fmt.Errorf("article %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Article{}, fmt.Errorf("scan article: %w", err)
	}
	a.CategoryID = int8Ptr(category)
	return a, nil
}

// GetArticleContent fetches the rich-content body of an article. An article without a stored
// body yields an empty block list.
func (s *Store) GetArticleContent(ctx context.Context, articleID int64) (models.ArticleContent, error) {
	content := models.ArticleContent{ArticleID: articleID, Blocks: []models.ContentBlock{}}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT blocks, updated_at FROM article_contents WHERE article_id = $1
	`, articleID).Scan(&raw, &content.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return content, nil
	}
	if err != nil {
		return models.ArticleContent{}, fmt.Errorf("scan article content: %w", err)
	}
	if err := json.Unmarshal(raw, &content.Blocks); err != nil {
		return models.ArticleContent{}, fmt.Errorf("unmarshal blocks: %w", err)
	}
	return content, nil
}

// ReplaceArticleContent stores the rich-content body of an article, replacing any previous one.
func (s *Store) ReplaceArticleContent(ctx context.Context, articleID int64, blocks []models.ContentBlock) error {
	if blocks == nil {
		blocks = []models.ContentBlock{}
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("marshal blocks: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO article_contents (article_id, blocks, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (article_id) DO UPDATE SET blocks = EXCLUDED.blocks, updated_at = NOW()
	`, articleID, raw)
	if err != nil {
		return fmt.Errorf("upsert article content: %w", err)
	}
	return nil
}

// GetAds fetches an advertisement by id.
func (s *Store) GetAds(ctx context.Context, id int64) (models.Ads, error) {
	var a models.Ads
	var starts, expires pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, image_url, target_url, position, status, starts_at, expires_at, updated_at FROM ads WHERE id = $1
	`, id).Scan(&a.ID, &a.Title, &a.ImageURL, &a.TargetURL, &a.Position, &a.Status, &starts, &expires, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ads{}, fmt.Errorf("ads %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Ads{}, fmt.Errorf("scan ads: %w", err)
	}
	if starts.Valid {
		a.StartsAt = &starts.Time
	}
	if expires.Valid {
		a.ExpiresAt = &expires.Time
	}
	return a, nil
}
