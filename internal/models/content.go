package models

import "time"

// Article statuses.
const (
	ArticleDraft     = "draft"
	ArticlePublished = "published"
)

// Ads statuses.
const (
	AdsActive  = "active"
	AdsExpired = "expired"
)

// Website is a remote backend that receives pushed content.
type Website struct {
	ID         int64     `json:"id"`
	BackendURL string    `json:"backend_url"`
	Domain     string    `json:"domain"`
	IsDeleted  bool      `json:"is_deleted"`
	CreatedAt  time.Time `json:"created_at"`
}

// Article is authored centrally and pushed to websites.
type Article struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug"`
	Summary    string    `json:"summary"`
	Thumbnail  string    `json:"thumbnail"`
	CategoryID *int64    `json:"category_id,omitempty"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ContentBlock is one block of the rich-content document.
type ContentBlock struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ArticleContent is the rich-content body of an article.
type ArticleContent struct {
	ArticleID int64          `json:"article_id"`
	Blocks    []ContentBlock `json:"blocks"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Ads is an advertisement placement pushed to websites.
type Ads struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	ImageURL  string     `json:"image_url"`
	TargetURL string     `json:"target_url"`
	Position  string     `json:"position"`
	Status    string     `json:"status"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DeliveryRecord marks that a delivery of a content item to a website was initiated.
// It says nothing about whether the remote call succeeded.
type DeliveryRecord struct {
	ID        int64     `json:"id"`
	WebsiteID int64     `json:"website_id"`
	ContentID int64     `json:"content_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TargetStatus is one row of the ledger read keyed by content item.
type TargetStatus struct {
	WebsiteID int64  `json:"website_id"`
	Domain    string `json:"domain"`
	Pushed    bool   `json:"pushed"`
}

// ContentStatus is one row of the ledger read keyed by website.
type ContentStatus struct {
	ContentID int64  `json:"content_id"`
	Title     string `json:"title"`
	Pushed    bool   `json:"pushed"`
}
