package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// WebsiteRef is the routing snapshot frozen into push payloads.
type WebsiteRef struct {
	ID         int64  `json:"id"`
	BackendURL string `json:"backendUrl"`
}

// ArticlePushPayload routes a PUSH_ARTICLE job. The article body is re-read at execution.
type ArticlePushPayload struct {
	ArticleID  int64      `json:"articleId"`
	CategoryID *int64     `json:"categoryId,omitempty"`
	Website    WebsiteRef `json:"website"`
}

// AdsPushPayload routes a PUSH_ADS job.
type AdsPushPayload struct {
	AdsID   int64      `json:"adsId"`
	Website WebsiteRef `json:"website"`
}

// InsertContent carries rich-content blocks to persist for an article.
type InsertContent struct {
	ContentItemID int64          `json:"contentItemId"`
	Blocks        []ContentBlock `json:"blocks"`
}

// InsertContentPayload is the INSERT_CONTENT job payload.
type InsertContentPayload struct {
	InsertContent InsertContent `json:"insertContent"`
}

// EmailData is an outbound mail message.
type EmailData struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// EmailPayload is the EMAIL job payload.
type EmailPayload struct {
	EmailData EmailData `json:"emailData"`
}

// EncodePayload flattens a typed payload into the generic map persisted with a job.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return UnmarshalPayload(raw)
}

// UnmarshalPayload parses stored payload JSON. Numbers stay json.Number so large ids survive.
func UnmarshalPayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// DecodePayload reads a job's generic payload into a typed struct.
func DecodePayload(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
