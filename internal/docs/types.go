// Package docs defines the shared document model for CodeRAG.
//
// A Chunk is the atomic retrievable unit: a bounded slice of extracted
// documentation text together with its embedding vector and provenance
// metadata. Chunks are produced by the crawler pipeline, persisted by the
// vector store, and returned by search tools.
package docs

import (
	"net/url"
	"strings"
	"time"
)

// VectorDimension is the embedding dimension produced by the
// all-MiniLM-L6-v2 model. Every stored vector has exactly this many
// components.
const VectorDimension = 384

// ContentType classifies what kind of documentation a chunk carries.
// Values are lower-case ASCII identifiers and appear verbatim on the wire.
type ContentType string

const (
	ContentProse           ContentType = "prose"
	ContentCodeExample     ContentType = "code_example"
	ContentAPIReference    ContentType = "api_reference"
	ContentTutorial        ContentType = "tutorial"
	ContentTroubleshooting ContentType = "troubleshooting"
	ContentChangelog       ContentType = "changelog"
	ContentOther           ContentType = "other"
)

// ParseContentType validates a wire value. The empty string is accepted and
// returns "" so optional filters can pass through unset.
func ParseContentType(s string) (ContentType, bool) {
	switch ContentType(s) {
	case "", ContentProse, ContentCodeExample, ContentAPIReference,
		ContentTutorial, ContentTroubleshooting, ContentChangelog, ContentOther:
		return ContentType(s), true
	}
	return "", false
}

// Chunk is a stored documentation fragment.
//
// Invariants maintained by the store:
//   - Vector has VectorDimension finite components and unit L2 norm.
//   - ContentHash is unique within a store.
//   - Source is derived deterministically from URL via SourceKey.
type Chunk struct {
	ID          string      `json:"id"`
	Vector      []float32   `json:"vector"`
	Text        string      `json:"text"`
	URL         string      `json:"url"`
	Source      string      `json:"source"`
	Title       string      `json:"title,omitempty"`
	Section     string      `json:"section,omitempty"`
	ContentType ContentType `json:"content_type"`
	Language    string      `json:"language,omitempty"`
	IndexedAt   time.Time   `json:"indexed_at"`
	ContentHash string      `json:"content_hash"`
}

// SourceKey derives the grouping key for a page URL: the host plus the first
// path segment. Two chunks from the same URL always share a source, and all
// pages under e.g. docs.rs/tokio group together.
func SourceKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	key := strings.ToLower(u.Host)
	path := strings.Trim(u.Path, "/")
	if path != "" {
		if i := strings.IndexByte(path, '/'); i >= 0 {
			path = path[:i]
		}
		key += "/" + path
	}
	return key
}
