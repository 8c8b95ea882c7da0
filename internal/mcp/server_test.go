package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/docs"
	"github.com/coderag/coderag/internal/log"
	"github.com/coderag/coderag/internal/testutil"
	"github.com/coderag/coderag/internal/vectordb"
)

func testAppConfig() *config.Config {
	return &config.Config{
		Log: config.LogConfig{Level: "info"},
		Crawler: config.CrawlerConfig{
			PerHostDelay:   time.Millisecond,
			PerHostWorkers: 2,
			MaxInFlight:    8,
			Timeout:        30 * time.Second,
			MaxPagesCap:    500,
		},
		Chunker: config.ChunkerConfig{
			MaxTokens:     1500,
			OverlapTokens: 200,
			MinTokens:     100,
		},
		Embedding: config.EmbeddingConfig{BatchSize: 32},
		Project:   config.ProjectConfig{Markers: []string{".testvcs"}},
	}
}

// newTestServer builds a server rooted in a fresh fake project.
func newTestServer(t *testing.T) (*Server, *testutil.MockEmbedder, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".testvcs"), 0o755))

	emb := &testutil.MockEmbedder{}
	s, err := NewServer(Config{
		Name:    "coderag",
		Version: "test",
		WorkDir: root,
		App:     testAppConfig(),
	}, emb, log.NewNop())
	require.NoError(t, err)
	return s, emb, root
}

// decode unmarshals a successful tool result's JSON text content.
func decode(t *testing.T, res *sdk.CallToolResult, out any) {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %v", resultText(res))
	require.NoError(t, json.Unmarshal([]byte(resultText(res)), out))
}

func resultText(res *sdk.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	tc, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		return ""
	}
	return tc.Text
}

func requireToolError(t *testing.T, res *sdk.CallToolResult, kind docs.Kind) {
	t.Helper()
	require.True(t, res.IsError, "expected tool error, got: %s", resultText(res))
	assert.True(t, strings.HasPrefix(resultText(res), "["+string(kind)+"]"),
		"want kind %s, got: %s", kind, resultText(res))
}

func TestNewServer_Validation(t *testing.T) {
	emb := &testutil.MockEmbedder{}
	logger := log.NewNop()

	_, err := NewServer(Config{Version: "v", App: testAppConfig()}, emb, logger)
	assert.Error(t, err)

	_, err = NewServer(Config{Name: "n", App: testAppConfig()}, emb, logger)
	assert.Error(t, err)

	_, err = NewServer(Config{Name: "n", Version: "v", App: testAppConfig()}, nil, logger)
	assert.Error(t, err)
}

func TestNewServer_SideEffectFree(t *testing.T) {
	_, emb, root := newTestServer(t)

	// Construction must not create the storage directory, touch the
	// gitignore, or initialize the model.
	_, err := os.Stat(filepath.Join(root, ".coderag"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, ".gitignore"))
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, emb.Calls())
}

func TestSearchDocs_EmptyStore(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, _, err := s.SearchDocs(context.Background(), nil, SearchDocsInput{Query: "tokio timeout", Limit: 5})
	require.NoError(t, err)

	var out SearchDocsOutput
	decode(t, res, &out)
	assert.Empty(t, out.Results)
	assert.Zero(t, out.Total)
}

func TestSearchDocs_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, _, err := s.SearchDocs(ctx, nil, SearchDocsInput{Query: "   "})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.SearchDocs(ctx, nil, SearchDocsInput{Query: "q", Limit: 51})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.SearchDocs(ctx, nil, SearchDocsInput{Query: "q", Limit: -1})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.SearchDocs(ctx, nil, SearchDocsInput{Query: "q", ContentType: "video"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)
}

func TestSearchDocs_EmbeddingUnavailable(t *testing.T) {
	s, emb, _ := newTestServer(t)
	emb.Err = assert.AnError

	res, _, err := s.SearchDocs(context.Background(), nil, SearchDocsInput{Query: "q"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindEmbeddingTransient)
}

func TestListDocs_ColdStartWithoutModel(t *testing.T) {
	s, emb, root := newTestServer(t)

	start := time.Now()
	res, _, err := s.ListDocs(context.Background(), nil, ListDocsInput{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var out ListDocsOutput
	decode(t, res, &out)
	assert.Zero(t, out.Total)
	assert.Empty(t, out.Sources)
	assert.True(t, out.IsProject)
	assert.Equal(t, filepath.Base(root), filepath.Base(out.ProjectRoot))
	assert.Zero(t, emb.Calls(), "list_docs must not initialize the model")
}

func TestCrawlThenSearch(t *testing.T) {
	site := testutil.NewDocsSite(t, map[string]string{"/doc": `<html>
<head><title>Timeouts</title></head><body><h1>Timeouts</h1>
<p>Tokio provides a timeout utility for bounding async operations.</p>
<pre><code class="language-rust">tokio::time::timeout(Duration::from_secs(5), task()).await</code></pre>
</body></html>`})
	s, _, root := newTestServer(t)
	ctx := context.Background()

	res, _, err := s.CrawlDocs(ctx, nil, CrawlDocsInput{URL: site.URL + "/doc", Mode: "single"})
	require.NoError(t, err)

	var sum struct {
		PagesFetched   int `json:"pages_fetched"`
		ChunksInserted int `json:"chunks_inserted"`
	}
	decode(t, res, &sum)
	assert.Equal(t, 1, sum.PagesFetched)
	assert.GreaterOrEqual(t, sum.ChunksInserted, 1)

	// The crawl created the storage dir and the gitignore entry.
	_, err = os.Stat(filepath.Join(root, ".coderag", "vectordb.json"))
	assert.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ".coderag/")

	sres, _, err := s.SearchDocs(ctx, nil, SearchDocsInput{Query: "tokio timeout"})
	require.NoError(t, err)

	var out SearchDocsOutput
	decode(t, sres, &out)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, site.URL+"/doc", out.Results[0].URL)
	assert.GreaterOrEqual(t, out.Results[0].Score, 0.5)
	assert.NotEmpty(t, out.Results[0].Snippet)
}

func TestCrawlDocs_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, _, err := s.CrawlDocs(ctx, nil, CrawlDocsInput{})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.CrawlDocs(ctx, nil, CrawlDocsInput{URL: "https://x.test/", Mode: "everything"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.CrawlDocs(ctx, nil, CrawlDocsInput{URL: "https://x.test/", Focus: "docs"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.CrawlDocs(ctx, nil, CrawlDocsInput{URL: "not a url"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)
}

// seedChunk inserts a chunk directly into the server's store.
func seedChunk(t *testing.T, s *Server, id, url string, age time.Duration) {
	t.Helper()
	v := testutil.HashVector("seeded chunk " + id)
	_, err := s.store.Upsert(docs.Chunk{
		ID:          id,
		Vector:      v,
		Text:        "seeded text " + id,
		URL:         url,
		Source:      docs.SourceKey(url),
		ContentType: docs.ContentProse,
		IndexedAt:   time.Now().UTC().Add(-age),
		ContentHash: "hash-" + id,
	})
	require.NoError(t, err)
}

func TestManageDocs_ExpireDryRunThenReal(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	seedChunk(t, s, "old", "https://docs.example.com/tokio/old", 40*24*time.Hour)
	seedChunk(t, s, "new", "https://docs.example.com/tokio/new", time.Hour)

	res, _, err := s.ManageDocs(ctx, nil, ManageDocsInput{
		Operation: "expire", Target: "*", MaxAgeDays: 30, DryRun: true,
	})
	require.NoError(t, err)

	var out ManageDocsOutput
	decode(t, res, &out)
	assert.Equal(t, 1, out.Affected)
	assert.True(t, out.DryRun)
	assert.Equal(t, 2, s.store.Len(), "dry run must not change the store")

	res, _, err = s.ManageDocs(ctx, nil, ManageDocsInput{
		Operation: "expire", Target: "*", MaxAgeDays: 30,
	})
	require.NoError(t, err)
	decode(t, res, &out)
	assert.Equal(t, 1, out.Affected)
	assert.Equal(t, 1, s.store.Len())
}

func TestManageDocs_DeleteBySourcePattern(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	seedChunk(t, s, "a", "https://docs.example.com/tokio/a", time.Hour)
	seedChunk(t, s, "b", "https://docs.example.com/serde/b", time.Hour)

	res, _, err := s.ManageDocs(ctx, nil, ManageDocsInput{Operation: "delete", Target: "serde"})
	require.NoError(t, err)

	var out ManageDocsOutput
	decode(t, res, &out)
	assert.Equal(t, 1, out.Affected)
	assert.Equal(t, 1, s.store.Len())
}

func TestManageDocs_DeleteMissingURLIsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	res, _, err := s.ManageDocs(context.Background(), nil, ManageDocsInput{
		Operation: "delete", Target: "https://docs.example.com/absent",
	})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindNotFound)
}

func TestManageDocs_Validation(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, _, err := s.ManageDocs(ctx, nil, ManageDocsInput{Operation: "delete"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.ManageDocs(ctx, nil, ManageDocsInput{Operation: "purge", Target: "*"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)

	res, _, err = s.ManageDocs(ctx, nil, ManageDocsInput{Operation: "refresh", Target: "not-a-url"})
	require.NoError(t, err)
	requireToolError(t, res, docs.KindInvalidRequest)
}

func TestManageDocs_Refresh(t *testing.T) {
	body := `<html><head><title>Guide</title></head><body><h1>Guide</h1>
<p>Fresh content served for the refresh crawl of this page.</p></body></html>`
	site := testutil.NewDocsSite(t, map[string]string{"/guide": body})
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	target := site.URL + "/guide"
	seedChunk(t, s, "stale", target, time.Hour)

	res, _, err := s.ManageDocs(ctx, nil, ManageDocsInput{Operation: "refresh", Target: target})
	require.NoError(t, err)

	var out ManageDocsOutput
	decode(t, res, &out)
	assert.Equal(t, 1, out.Affected)
	require.NotNil(t, out.Crawl)
	assert.Equal(t, 1, out.Crawl.PagesFetched)
	assert.GreaterOrEqual(t, out.Crawl.ChunksInserted, 1)
}

func TestReloadDocs(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	seedChunk(t, s, "a", "https://docs.example.com/tokio/a", time.Hour)

	// Hand the file a second store and mutate behind the server's back.
	other := vectordb.New(s.info.StorePath, log.NewNop())
	_, err := other.Upsert(docs.Chunk{
		ID:          "b",
		Vector:      testutil.HashVector("other chunk"),
		Text:        "other text",
		URL:         "https://docs.example.com/tokio/b",
		Source:      "docs.example.com/tokio",
		ContentType: docs.ContentProse,
		IndexedAt:   time.Now().UTC(),
		ContentHash: "hash-b",
	})
	require.NoError(t, err)

	res, _, err := s.ReloadDocs(ctx, nil, ReloadDocsInput{})
	require.NoError(t, err)

	var out ReloadDocsOutput
	decode(t, res, &out)
	assert.True(t, out.Reloaded)
	assert.Equal(t, 2, out.Total)
}

func TestSnippet(t *testing.T) {
	short := "A short text."
	assert.Equal(t, short, snippet(short))

	long := strings.Repeat("documentation word ", 40)
	got := snippet(long)
	assert.LessOrEqual(t, len(got), snippetLength+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}
