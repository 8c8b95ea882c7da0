package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coderag/coderag/internal/crawler"
	"github.com/coderag/coderag/internal/docs"
	"github.com/coderag/coderag/internal/embedding"
	"github.com/coderag/coderag/internal/vectordb"
)

const (
	searchLimitDefault = 5
	searchLimitMax     = 50
	snippetLength      = 240
	expireDefaultDays  = 90
)

// SearchDocsInput is the search_docs request.
type SearchDocsInput struct {
	Query        string `json:"query" jsonschema:"Natural-language search query"`
	Limit        int    `json:"limit,omitempty" jsonschema:"Maximum results to return (1-50, default 5)"`
	SourceFilter string `json:"source_filter,omitempty" jsonschema:"Substring filter on the source or URL"`
	ContentType  string `json:"content_type,omitempty" jsonschema:"Filter by content type: prose, code_example, api_reference, tutorial, troubleshooting, changelog, other"`
}

// SearchResult is one search_docs hit.
type SearchResult struct {
	URL         string  `json:"url"`
	Title       string  `json:"title,omitempty"`
	Section     string  `json:"section,omitempty"`
	Score       float64 `json:"score"`
	Snippet     string  `json:"snippet"`
	ContentType string  `json:"content_type"`
	Language    string  `json:"language,omitempty"`
}

// SearchDocsOutput is the search_docs response.
type SearchDocsOutput struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// ListDocsInput is the list_docs request.
type ListDocsInput struct{}

// SourceEntry is one indexed source in list_docs.
type SourceEntry struct {
	Source      string `json:"source"`
	Count       int    `json:"count"`
	LastIndexed string `json:"last_indexed"`
}

// ListDocsOutput is the list_docs response.
type ListDocsOutput struct {
	Sources     []SourceEntry `json:"sources"`
	Total       int           `json:"total"`
	IsProject   bool          `json:"is_project"`
	ProjectRoot string        `json:"project_root,omitempty"`
	StorePath   string        `json:"store_path"`
}

// CrawlDocsInput is the crawl_docs request.
type CrawlDocsInput struct {
	URL      string `json:"url" jsonschema:"Seed URL to crawl"`
	Mode     string `json:"mode,omitempty" jsonschema:"Crawl mode: single, section, or full (default single)"`
	Focus    string `json:"focus,omitempty" jsonschema:"Link preference: api, examples, changelog, quickstart, or all (default all)"`
	MaxPages int    `json:"max_pages,omitempty" jsonschema:"Page budget, capped at 500"`
}

// ManageDocsInput is the manage_docs request.
type ManageDocsInput struct {
	Operation  string `json:"operation" jsonschema:"One of delete, expire, refresh"`
	Target     string `json:"target" jsonschema:"URL or source pattern; * matches everything"`
	MaxAgeDays int    `json:"max_age_days,omitempty" jsonschema:"Expire chunks older than this many days (default 90)"`
	DryRun     bool   `json:"dry_run,omitempty" jsonschema:"Report affected counts without changing anything"`
	CrawlMode  string `json:"crawl_mode,omitempty" jsonschema:"Refresh only: crawl mode for the re-crawl (default single)"`
	CrawlFocus string `json:"crawl_focus,omitempty" jsonschema:"Refresh only: link preference for the re-crawl"`
	MaxPages   int    `json:"max_pages,omitempty" jsonschema:"Refresh only: page budget for the re-crawl"`
}

// ManageDocsOutput is the manage_docs response.
type ManageDocsOutput struct {
	Operation string           `json:"operation"`
	Target    string           `json:"target"`
	Affected  int              `json:"affected"`
	DryRun    bool             `json:"dry_run"`
	Crawl     *crawler.Summary `json:"crawl,omitempty"`
}

// ReloadDocsInput is the reload_docs request.
type ReloadDocsInput struct{}

// ReloadDocsOutput is the reload_docs response.
type ReloadDocsOutput struct {
	Reloaded bool `json:"reloaded"`
	Total    int  `json:"total"`
}

func (s *Server) registerTools() error {
	searchSchema, err := jsonschema.For[SearchDocsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for search_docs: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "search_docs",
		Description: "Search indexed documentation using semantic similarity. " +
			"Returns the most relevant chunks with scores and source URLs.",
		InputSchema: searchSchema,
	}, s.SearchDocs)

	listSchema, err := jsonschema.For[ListDocsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for list_docs: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "list_docs",
		Description: "List indexed documentation sources with chunk counts and " +
			"last-indexed timestamps.",
		InputSchema: listSchema,
	}, s.ListDocs)

	crawlSchema, err := jsonschema.For[CrawlDocsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for crawl_docs: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "crawl_docs",
		Description: "Crawl a documentation site and index its content for search. " +
			"Modes: single (one page), section (path descendants), full (whole host).",
		InputSchema: crawlSchema,
	}, s.CrawlDocs)

	manageSchema, err := jsonschema.For[ManageDocsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for manage_docs: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "manage_docs",
		Description: "Manage indexed documentation: delete by URL or source pattern, " +
			"expire old chunks, or refresh a URL by re-crawling it.",
		InputSchema: manageSchema,
	}, s.ManageDocs)

	reloadSchema, err := jsonschema.For[ReloadDocsInput](nil)
	if err != nil {
		return fmt.Errorf("schema for reload_docs: %w", err)
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "reload_docs",
		Description: "Reload the vector store from disk, discarding in-memory state.",
		InputSchema: reloadSchema,
	}, s.ReloadDocs)

	return nil
}

// SearchDocs handles the search_docs tool call. This is the first call that
// may trigger embedding-model initialization.
func (s *Server) SearchDocs(ctx context.Context, _ *mcp.CallToolRequest, in SearchDocsInput) (*mcp.CallToolResult, any, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return errorResult(docs.KindInvalidRequest, "query is required"), nil, nil
	}
	limit := in.Limit
	if limit == 0 {
		limit = searchLimitDefault
	}
	if limit < 1 || limit > searchLimitMax {
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("limit must be between 1 and %d", searchLimitMax)), nil, nil
	}
	ct, ok := docs.ParseContentType(in.ContentType)
	if !ok {
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("unknown content_type %q", in.ContentType)), nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return embeddingErrorResult(err), nil, nil
	}

	results, err := s.store.Search(vecs[0], limit, vectordb.Filters{
		Source:      in.SourceFilter,
		ContentType: ct,
	})
	if err != nil {
		return errorResult(docs.KindInternal, "search failed"), nil, nil
	}

	out := SearchDocsOutput{Results: make([]SearchResult, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, SearchResult{
			URL:         r.Chunk.URL,
			Title:       r.Chunk.Title,
			Section:     r.Chunk.Section,
			Score:       r.Score,
			Snippet:     snippet(r.Chunk.Text),
			ContentType: string(r.Chunk.ContentType),
			Language:    r.Chunk.Language,
		})
	}
	out.Total = len(out.Results)
	return jsonResult(out), nil, nil
}

// ListDocs handles the list_docs tool call. It never touches the embedding
// model, so it stays fast on a cold cache.
func (s *Server) ListDocs(_ context.Context, _ *mcp.CallToolRequest, _ ListDocsInput) (*mcp.CallToolResult, any, error) {
	srcs := s.store.Sources()

	out := ListDocsOutput{
		Sources:     make([]SourceEntry, 0, len(srcs)),
		Total:       s.store.Len(),
		IsProject:   s.info.IsProject,
		ProjectRoot: s.info.Root,
		StorePath:   s.info.StorePath,
	}
	for source, info := range srcs {
		out.Sources = append(out.Sources, SourceEntry{
			Source:      source,
			Count:       info.Count,
			LastIndexed: info.LastIndexed.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out.Sources, func(i, j int) bool {
		return out.Sources[i].Source < out.Sources[j].Source
	})
	return jsonResult(out), nil, nil
}

// CrawlDocs handles the crawl_docs tool call.
func (s *Server) CrawlDocs(ctx context.Context, _ *mcp.CallToolRequest, in CrawlDocsInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.URL) == "" {
		return errorResult(docs.KindInvalidRequest, "url is required"), nil, nil
	}
	mode, ok := crawler.ParseMode(in.Mode)
	if !ok {
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("unknown mode %q", in.Mode)), nil, nil
	}
	focus, ok := crawler.ParseFocus(in.Focus)
	if !ok {
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("unknown focus %q", in.Focus)), nil, nil
	}
	if in.MaxPages < 0 {
		return errorResult(docs.KindInvalidRequest, "max_pages must not be negative"), nil, nil
	}

	if err := s.locator.EnsureStorage(s.info); err != nil {
		return errorResult(docs.KindStorageIO, "cannot prepare storage directory"), nil, nil
	}

	summary, err := s.crawler.Crawl(ctx, crawler.Request{
		URL:      in.URL,
		Mode:     mode,
		Focus:    focus,
		MaxPages: in.MaxPages,
	})
	if err != nil {
		var de *docs.Error
		if errors.As(err, &de) {
			return errorResult(de.Kind, de.Message), nil, nil
		}
		return errorResult(docs.KindInvalidRequest, err.Error()), nil, nil
	}
	return jsonResult(summary), nil, nil
}

// ManageDocs handles the manage_docs tool call.
func (s *Server) ManageDocs(ctx context.Context, _ *mcp.CallToolRequest, in ManageDocsInput) (*mcp.CallToolResult, any, error) {
	target := strings.TrimSpace(in.Target)
	if target == "" {
		return errorResult(docs.KindInvalidRequest, "target is required"), nil, nil
	}

	switch in.Operation {
	case "delete":
		return s.manageDelete(in, target)
	case "expire":
		return s.manageExpire(in, target)
	case "refresh":
		return s.manageRefresh(ctx, in, target)
	default:
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("unknown operation %q", in.Operation)), nil, nil
	}
}

func (s *Server) manageDelete(in ManageDocsInput, target string) (*mcp.CallToolResult, any, error) {
	pred := targetPredicate(target)
	out := ManageDocsOutput{Operation: in.Operation, Target: target, DryRun: in.DryRun}

	if in.DryRun {
		out.Affected = s.store.CountBy(pred)
		return jsonResult(out), nil, nil
	}

	if err := s.locator.EnsureStorage(s.info); err != nil {
		return errorResult(docs.KindStorageIO, "cannot prepare storage directory"), nil, nil
	}
	n, err := s.store.DeleteBy(pred)
	if err != nil {
		return errorResult(docs.KindStorageIO, "delete failed, store unchanged"), nil, nil
	}
	out.Affected = n
	if n == 0 && isURL(target) {
		return errorResult(docs.KindNotFound,
			fmt.Sprintf("no chunks indexed for %s", target)), nil, nil
	}
	return jsonResult(out), nil, nil
}

func (s *Server) manageExpire(in ManageDocsInput, target string) (*mcp.CallToolResult, any, error) {
	days := in.MaxAgeDays
	if days == 0 {
		days = expireDefaultDays
	}
	if days < 0 {
		return errorResult(docs.KindInvalidRequest, "max_age_days must not be negative"), nil, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	match := targetPredicate(target)
	pred := func(c docs.Chunk) bool { return match(c) && c.IndexedAt.Before(cutoff) }
	out := ManageDocsOutput{Operation: in.Operation, Target: target, DryRun: in.DryRun}

	if in.DryRun {
		out.Affected = s.store.CountBy(pred)
		return jsonResult(out), nil, nil
	}

	if err := s.locator.EnsureStorage(s.info); err != nil {
		return errorResult(docs.KindStorageIO, "cannot prepare storage directory"), nil, nil
	}
	n, err := s.store.DeleteBy(pred)
	if err != nil {
		return errorResult(docs.KindStorageIO, "expire failed, store unchanged"), nil, nil
	}
	out.Affected = n
	return jsonResult(out), nil, nil
}

// manageRefresh deletes a URL's chunks and re-crawls it. The crawl defaults
// to the single page but accepts a wider mode.
func (s *Server) manageRefresh(ctx context.Context, in ManageDocsInput, target string) (*mcp.CallToolResult, any, error) {
	if !isURL(target) {
		return errorResult(docs.KindInvalidRequest, "refresh target must be a URL"), nil, nil
	}
	// Stored chunk URLs are normalized, so the target must be too.
	if norm, err := crawler.NormalizeURL(target); err == nil {
		target = norm
	}
	mode, ok := crawler.ParseMode(in.CrawlMode)
	if !ok {
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("unknown crawl_mode %q", in.CrawlMode)), nil, nil
	}
	focus, ok := crawler.ParseFocus(in.CrawlFocus)
	if !ok {
		return errorResult(docs.KindInvalidRequest,
			fmt.Sprintf("unknown crawl_focus %q", in.CrawlFocus)), nil, nil
	}

	out := ManageDocsOutput{Operation: in.Operation, Target: target, DryRun: in.DryRun}
	if in.DryRun {
		out.Affected = s.store.CountBy(func(c docs.Chunk) bool { return c.URL == target })
		return jsonResult(out), nil, nil
	}

	if err := s.locator.EnsureStorage(s.info); err != nil {
		return errorResult(docs.KindStorageIO, "cannot prepare storage directory"), nil, nil
	}
	n, err := s.store.DeleteByURL(target)
	if err != nil {
		return errorResult(docs.KindStorageIO, "refresh failed, store unchanged"), nil, nil
	}
	out.Affected = n

	summary, err := s.crawler.Crawl(ctx, crawler.Request{
		URL:      target,
		Mode:     mode,
		Focus:    focus,
		MaxPages: in.MaxPages,
	})
	if err != nil {
		var de *docs.Error
		if errors.As(err, &de) {
			return errorResult(de.Kind, de.Message), nil, nil
		}
		return errorResult(docs.KindInvalidRequest, err.Error()), nil, nil
	}
	out.Crawl = summary
	if n == 0 && summary.ChunksInserted == 0 {
		return errorResult(docs.KindNotFound,
			fmt.Sprintf("no chunks indexed for %s and the re-crawl produced none", target)), nil, nil
	}
	return jsonResult(out), nil, nil
}

// ReloadDocs handles the reload_docs tool call.
func (s *Server) ReloadDocs(_ context.Context, _ *mcp.CallToolRequest, _ ReloadDocsInput) (*mcp.CallToolResult, any, error) {
	if err := s.store.Reload(); err != nil {
		return errorResult(docs.KindStorageIO, "reload failed"), nil, nil
	}
	return jsonResult(ReloadDocsOutput{Reloaded: true, Total: s.store.Len()}), nil, nil
}

// targetPredicate matches chunks against a manage_docs target: "*" matches
// all, a URL matches exactly, anything else matches as a substring of the
// source or URL.
func targetPredicate(target string) func(docs.Chunk) bool {
	if target == "*" {
		return func(docs.Chunk) bool { return true }
	}
	if isURL(target) {
		if norm, err := crawler.NormalizeURL(target); err == nil {
			target = norm
		}
		return func(c docs.Chunk) bool { return c.URL == target }
	}
	return func(c docs.Chunk) bool {
		return strings.Contains(c.Source, target) || strings.Contains(c.URL, target)
	}
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func embeddingErrorResult(err error) *mcp.CallToolResult {
	if errors.Is(err, embedding.ErrUnavailable) {
		return errorResult(docs.KindEmbeddingUnavailable,
			"embedding model could not be loaded; check network access and the "+
				"model cache directory, then retry")
	}
	return errorResult(docs.KindEmbeddingTransient,
		"embedding failed after retries; retry the request")
}
