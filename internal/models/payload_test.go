package models

import "testing"

func TestPayloadKeepsRoutingFields(t *testing.T) {
	category := int64(12)
	in := ArticlePushPayload{
		ArticleID:  9007199254740993,
		CategoryID: &category,
		Website:    WebsiteRef{ID: 3, BackendURL: "https://w3.test"},
	}
	m, err := EncodePayload(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := m["website"].(map[string]any); !ok {
		t.Fatalf("website should be a nested object, got %T", m["website"])
	}

	var out ArticlePushPayload
	if err := DecodePayload(m, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ArticleID != in.ArticleID || *out.CategoryID != 12 || out.Website != in.Website {
		t.Fatalf("payload changed: %+v", out)
	}
}

func TestUnmarshalPayloadKeepsLargeIDs(t *testing.T) {
	stored := []byte(`{"articleId":9007199254740993,"website":{"id":3,"backendUrl":"https://w3.test"}}`)
	m, err := UnmarshalPayload(stored)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var out ArticlePushPayload
	if err := DecodePayload(m, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ArticleID != 9007199254740993 {
		t.Fatalf("article id lost precision: %d", out.ArticleID)
	}
	if out.Website.ID != 3 {
		t.Fatalf("website id: %d", out.Website.ID)
	}
}

func TestUnmarshalPayloadRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalPayload([]byte(`not json`)); err == nil {
		t.Fatal("expected an error")
	}
}
