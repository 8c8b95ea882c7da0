// Package testutil provides shared test doubles: a deterministic embedder
// that needs no model assets, and an HTTP fixture site for crawler tests.
package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/coderag/coderag/internal/docs"
)

// MockEmbedder produces deterministic unit vectors from a bag-of-words
// hash, so texts sharing terms score high cosine similarity against each
// other. Safe for concurrent use.
type MockEmbedder struct {
	mu    sync.Mutex
	calls int

	// Err, when set, is returned by every Embed call.
	Err error
}

// Embed implements embedding.Embedder.
func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	err := m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashVector(t)
	}
	return out, nil
}

// Calls reports how many Embed calls were made.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

var wordRe = regexp.MustCompile(`[a-z0-9_]+`)

// HashVector maps text to a unit vector: each lower-cased token adds mass
// to a hashed component. Identical texts produce identical vectors.
func HashVector(text string) []float32 {
	v := make([]float32, docs.VectorDimension)
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		v[0] = 1
		return v
	}
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%docs.VectorDimension]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// DocsSite serves a fixture documentation site from an in-memory page map
// keyed by path.
type DocsSite struct {
	*httptest.Server

	mu       sync.Mutex
	requests []string
}

// NewDocsSite starts a fixture server. Pages maps request paths to HTML
// bodies. Unknown paths return 404.
func NewDocsSite(t *testing.T, pages map[string]string) *DocsSite {
	t.Helper()
	site := &DocsSite{}
	site.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.requests = append(site.requests, r.URL.Path)
		site.mu.Unlock()

		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(site.Close)
	return site
}

// Requests returns the paths requested so far, in order.
func (s *DocsSite) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}
