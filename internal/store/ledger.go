package store

import (
	"context"
	"fmt"

	"content-hub/internal/models"
)

// CreateWebsiteArticle records that an article push to a website was initiated.
// Repeated calls for the same pair insert repeated rows.
func (s *Store) CreateWebsiteArticle(ctx context.Context, websiteID, articleID int64) (models.DeliveryRecord, error) {
	rec := models.DeliveryRecord{WebsiteID: websiteID, ContentID: articleID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO website_articles (website_id, article_id) VALUES ($1, $2) RETURNING id, created_at
	`, websiteID, articleID).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("insert website article: %w", err)
	}
	return rec, nil
}

// CreateWebsiteAds records that an ads push to a website was initiated.
func (s *Store) CreateWebsiteAds(ctx context.Context, websiteID, adsID int64) (models.DeliveryRecord, error) {
	rec := models.DeliveryRecord{WebsiteID: websiteID, ContentID: adsID}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO website_ads (website_id, ads_id) VALUES ($1, $2) RETURNING id, created_at
	`, websiteID, adsID).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return models.DeliveryRecord{}, fmt.Errorf("insert website ads: %w", err)
	}
	return rec, nil
}

// ArticleDeliveries lists every live website with whether the article was pushed to it.
func (s *Store) ArticleDeliveries(ctx context.Context, articleID int64) ([]models.TargetStatus, error) {
	return s.targetStatuses(ctx, `
		SELECT w.id, w.domain, EXISTS (SELECT 1 FROM website_articles wa WHERE wa.website_id = w.id AND wa.article_id = $1)
		FROM websites w WHERE NOT w.is_deleted ORDER BY w.id
	`, articleID)
}

// AdsDeliveries lists every live website with whether the ads item was pushed to it.
func (s *Store) AdsDeliveries(ctx context.Context, adsID int64) ([]models.TargetStatus, error) {
	return s.targetStatuses(ctx, `
		SELECT w.id, w.domain, EXISTS (SELECT 1 FROM website_ads wa WHERE wa.website_id = w.id AND wa.ads_id = $1)
		FROM websites w WHERE NOT w.is_deleted ORDER BY w.id
	`, adsID)
}

// WebsiteArticleDeliveries lists every article with whether it was pushed to the website.
func (s *Store) WebsiteArticleDeliveries(ctx context.Context, websiteID int64) ([]models.ContentStatus, error) {
	return s.contentStatuses(ctx, `
		SELECT a.id, a.title, EXISTS (SELECT 1 FROM website_articles wa WHERE wa.article_id = a.id AND wa.website_id = $1)
		FROM articles a ORDER BY a.id
	`, websiteID)
}

// WebsiteAdsDeliveries lists every ads item with whether it was pushed to the website.
func (s *Store) WebsiteAdsDeliveries(ctx context.Context, websiteID int64) ([]models.ContentStatus, error) {
	return s.contentStatuses(ctx, `
		SELECT a.id, a.title, EXISTS (SELECT 1 FROM website_ads wa WHERE wa.ads_id = a.id AND wa.website_id = $1)
		FROM ads a ORDER BY a.id
	`, websiteID)
}

func (s *Store) targetStatuses(ctx context.Context, query string, contentID int64) ([]models.TargetStatus, error) {
	rows, err := s.pool.Query(ctx, query, contentID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []models.TargetStatus{}
	for rows.Next() {
		var t models.TargetStatus
		if err := rows.Scan(&t.WebsiteID, &t.Domain, &t.Pushed); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) contentStatuses(ctx context.Context, query string, websiteID int64) ([]models.ContentStatus, error) {
	rows, err := s.pool.Query(ctx, query, websiteID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []models.ContentStatus{}
	for rows.Next() {
		var c models.ContentStatus
		if err := rows.Scan(&c.ContentID, &c.Title, &c.Pushed); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
