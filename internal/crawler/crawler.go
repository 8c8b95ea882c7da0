package crawler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/docs"
	"github.com/coderag/coderag/internal/embedding"
	"github.com/coderag/coderag/internal/log"
)

// Mode selects how far a crawl reaches from its seed.
type Mode string

const (
	ModeSingle  Mode = "single"  // seed page only
	ModeSection Mode = "section" // seed plus path descendants
	ModeFull    Mode = "full"    // whole host, bounded by max pages
)

// ParseMode validates a wire value. Empty defaults to single.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case "":
		return ModeSingle, true
	case ModeSingle, ModeSection, ModeFull:
		return Mode(s), true
	}
	return "", false
}

// Focus steers link selection toward a documentation area.
type Focus string

const (
	FocusAPI        Focus = "api"
	FocusExamples   Focus = "examples"
	FocusChangelog  Focus = "changelog"
	FocusQuickstart Focus = "quickstart"
	FocusAll        Focus = "all"
)

// ParseFocus validates a wire value. Empty defaults to all.
func ParseFocus(s string) (Focus, bool) {
	switch Focus(s) {
	case "":
		return FocusAll, true
	case FocusAPI, FocusExamples, FocusChangelog, FocusQuickstart, FocusAll:
		return Focus(s), true
	}
	return "", false
}

// focusSubstrings are matched against the URL path. A focused crawl visits
// matching links first and falls back to the rest of the frontier only
// while page budget remains.
var focusSubstrings = map[Focus][]string{
	FocusAPI:        {"api", "reference"},
	FocusExamples:   {"example", "tutorial", "guide"},
	FocusChangelog:  {"changelog", "release", "news"},
	FocusQuickstart: {"start", "intro", "install"},
}

// denyPathParts are never followed, regardless of focus, unless they are
// the seed itself.
var denyPathParts = []string{"/blog/", "/forum/", "/login/"}

// Skip and error reasons reported in the summary.
const (
	skipOffScope   = "off_scope"
	skipDenied     = "denied_path"
	skipBudget     = "page_budget"
	skipCancelled  = "cancelled"
	reasonNoChunks = "no_chunks"
)

const (
	backoffBase     = 1 * time.Second
	backoffCap      = 60 * time.Second
	backoffAttempts = 5
)

// Request describes one crawl job.
type Request struct {
	URL      string
	Mode     Mode
	Focus    Focus
	MaxPages int
}

// URLReport is the terminal state of one URL in a job.
type URLReport struct {
	URL   string `json:"url"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Summary is the structured result of a crawl job.
type Summary struct {
	Seed               string         `json:"seed"`
	Mode               Mode           `json:"mode"`
	Focus              Focus          `json:"focus"`
	PagesFetched       int            `json:"pages_fetched"`
	PagesSkipped       map[string]int `json:"pages_skipped,omitempty"`
	ChunksCreated      int            `json:"chunks_created"`
	ChunksInserted     int            `json:"chunks_inserted"`
	ChunksDeduplicated int            `json:"chunks_deduplicated"`
	Errors             map[string]int `json:"errors,omitempty"`
	URLs               []URLReport    `json:"urls,omitempty"`
	ElapsedMS          int64          `json:"elapsed_ms"`
}

// ChunkStore is the slice of the vector store the crawler needs.
type ChunkStore interface {
	UpsertBatch(chunks []docs.Chunk) (inserted, deduplicated int, err error)
}

// Crawler drives fetch, extract, chunk, embed, and store for crawl jobs.
type Crawler struct {
	cfg       config.CrawlerConfig
	userAgent string
	extractor *Extractor
	chunker   *Chunker
	embedder  embedding.Embedder
	store     ChunkStore
	logger    log.Logger
}

// New creates a Crawler.
func New(
	cfg config.CrawlerConfig,
	userAgent string,
	extractor *Extractor,
	chunker *Chunker,
	embedder embedding.Embedder,
	store ChunkStore,
	logger log.Logger,
) *Crawler {
	return &Crawler{
		cfg:       cfg,
		userAgent: userAgent,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		logger:    logger.With("component", "crawler"),
	}
}

// job is the mutable state of one crawl.
type job struct {
	mu        sync.Mutex
	summary   *Summary
	states    map[string]*URLReport
	visited   map[string]bool
	deferred  []string
	scheduled int
	maxPages  int
	retries   map[string]int

	// fetchPacer keeps successive request starts at least the per-host
	// delay apart. Colly's LimitRule delay is per parallelism slot, so two
	// workers would otherwise hit the host back to back.
	fetchPacer *rate.Limiter

	// retryPacer spaces out retries of rate-limited URLs so backoff timers
	// expiring together do not burst against an already overloaded host.
	retryPacer *rate.Limiter
}

func (j *job) setState(u, state string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.states[u]
	if !ok {
		r = &URLReport{URL: u}
		j.states[u] = r
	}
	r.State = state
}

func (j *job) fail(u, state, errMsg, kind string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.states[u]
	if !ok {
		r = &URLReport{URL: u}
		j.states[u] = r
	}
	r.State = state
	r.Error = errMsg
	j.summary.Errors[kind]++
}

func (j *job) skip(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summary.PagesSkipped[reason]++
}

// Crawl runs one job. Per-URL failures never abort the crawl; they are
// reported in the summary. The returned error covers invalid requests and
// cancellation only.
func (c *Crawler) Crawl(ctx context.Context, req Request) (*Summary, error) {
	seed, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", req.URL, err)
	}
	seedURL, _ := url.Parse(seed)
	if seedURL.Scheme != "http" && seedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", seedURL.Scheme)
	}

	maxPages := req.MaxPages
	if req.Mode == ModeSingle {
		maxPages = 1
	}
	if maxPages <= 0 || maxPages > c.cfg.MaxPagesCap {
		maxPages = c.cfg.MaxPagesCap
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	fetchLimit := rate.Inf
	if c.cfg.PerHostDelay > 0 {
		fetchLimit = rate.Every(c.cfg.PerHostDelay)
	}
	j := &job{
		summary: &Summary{
			Seed:         seed,
			Mode:         req.Mode,
			Focus:        req.Focus,
			PagesSkipped: make(map[string]int),
			Errors:       make(map[string]int),
		},
		states:     make(map[string]*URLReport),
		visited:    make(map[string]bool),
		retries:    make(map[string]int),
		maxPages:   maxPages,
		fetchPacer: rate.NewLimiter(fetchLimit, 1),
		retryPacer: rate.NewLimiter(rate.Every(backoffBase), 1),
	}

	start := time.Now()
	c.run(ctx, seedURL, req, j)
	j.summary.ElapsedMS = time.Since(start).Milliseconds()

	// Flatten terminal per-URL states in a stable order.
	j.mu.Lock()
	urls := make([]string, 0, len(j.states))
	for u := range j.states {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	j.summary.URLs = j.summary.URLs[:0]
	for _, u := range urls {
		j.summary.URLs = append(j.summary.URLs, *j.states[u])
	}
	j.mu.Unlock()

	if ctx.Err() != nil && j.summary.PagesFetched == 0 {
		return j.summary, docs.NewError(docs.KindCancelled, "crawl cancelled before any page", ctx.Err())
	}
	c.logger.Info("crawl finished",
		"seed", seed,
		"pages_fetched", j.summary.PagesFetched,
		"chunks_inserted", j.summary.ChunksInserted)
	return j.summary, nil
}

func (c *Crawler) run(ctx context.Context, seed *url.URL, req Request, j *job) {
	collector := colly.NewCollector(
		colly.UserAgent(c.userAgent),
		colly.AllowedDomains(seed.Hostname()),
		colly.Async(true),
	)
	// The limit rule caps in-flight requests; the fetch pacer owns the
	// inter-request delay.
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.PerHostWorkers,
	}); err != nil {
		c.logger.Error("cannot apply crawl limits", "error", err)
		return
	}

	sc := scope{mode: req.Mode, host: hostKey(seed), pathPrefix: sectionPrefix(seed)}

	pages := make(chan *Document, c.cfg.MaxInFlight)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for d := range pages {
			c.ingest(gctx, d, j)
		}
		return nil
	})

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			j.skip(skipCancelled)
			r.Abort()
			return
		}
		if err := j.fetchPacer.Wait(ctx); err != nil {
			j.skip(skipCancelled)
			r.Abort()
			return
		}
		j.setState(normalizeString(r.URL), "fetching")
	})

	collector.OnResponse(func(r *colly.Response) {
		u := normalizeString(r.Request.URL)
		j.mu.Lock()
		j.summary.PagesFetched++
		j.mu.Unlock()

		doc, err := c.extractor.Extract(u, strings.NewReader(string(r.Body)))
		if err != nil {
			kind := string(docs.KindExtractionFailed)
			j.fail(u, "failed", err.Error(), kind)
			return
		}
		j.setState(u, "extracted")
		select {
		case pages <- doc:
		case <-ctx.Done():
			j.setState(u, "failed")
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		u := normalizeString(r.Request.URL)
		if r.StatusCode == 429 || r.StatusCode == 503 {
			if c.backoffRetry(ctx, r, j, u) {
				return
			}
		}
		msg := fmt.Sprintf("status %d", r.StatusCode)
		if r.StatusCode == 0 && err != nil {
			msg = err.Error()
		}
		j.fail(u, "failed", msg, string(docs.KindFetchFailed))
	})

	if req.Mode != ModeSingle {
		collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
			link := e.Request.AbsoluteURL(e.Attr("href"))
			if link == "" {
				return
			}
			c.enqueue(collector, j, sc, req.Focus, link)
		})
	}

	j.mu.Lock()
	j.visited[seed.String()] = true
	j.scheduled = 1
	j.mu.Unlock()
	j.setState(seed.String(), "queued")
	if err := collector.Visit(seed.String()); err != nil {
		j.fail(seed.String(), "failed", err.Error(), string(docs.KindFetchFailed))
	}
	collector.Wait()

	// Focused crawls defer non-matching links; drain them in waves while
	// budget remains.
	for ctx.Err() == nil {
		j.mu.Lock()
		batch := j.deferred
		j.deferred = nil
		budget := j.maxPages - j.scheduled
		j.mu.Unlock()
		if len(batch) == 0 || budget <= 0 {
			break
		}
		visitedAny := false
		for _, link := range batch {
			if c.visitIfNovel(collector, j, link) {
				visitedAny = true
			}
		}
		if !visitedAny {
			break
		}
		collector.Wait()
	}

	close(pages)
	g.Wait() //nolint:errcheck
}

// enqueue applies scope, deny-list, and focus rules to one discovered link.
func (c *Crawler) enqueue(collector *colly.Collector, j *job, sc scope, focus Focus, link string) {
	norm, err := NormalizeURL(link)
	if err != nil {
		return
	}
	u, err := url.Parse(norm)
	if err != nil {
		return
	}
	if !sc.allows(u) {
		j.mu.Lock()
		seen := j.visited[norm]
		j.visited[norm] = true
		j.mu.Unlock()
		if !seen {
			j.skip(skipOffScope)
		}
		return
	}
	if denied(u.Path) {
		j.mu.Lock()
		seen := j.visited[norm]
		j.visited[norm] = true
		j.mu.Unlock()
		if !seen {
			j.skip(skipDenied)
		}
		return
	}

	if subs := focusSubstrings[focus]; len(subs) > 0 && !matchesAny(strings.ToLower(u.Path), subs) {
		j.mu.Lock()
		if !j.visited[norm] {
			j.deferred = append(j.deferred, norm)
		}
		j.mu.Unlock()
		return
	}
	c.visitIfNovel(collector, j, norm)
}

// visitIfNovel schedules a visit if the URL is new and budget remains.
func (c *Crawler) visitIfNovel(collector *colly.Collector, j *job, norm string) bool {
	j.mu.Lock()
	if j.visited[norm] {
		j.mu.Unlock()
		return false
	}
	if j.scheduled >= j.maxPages {
		j.visited[norm] = true
		j.summary.PagesSkipped[skipBudget]++
		j.mu.Unlock()
		return false
	}
	j.visited[norm] = true
	j.scheduled++
	j.mu.Unlock()

	j.setState(norm, "queued")
	if err := collector.Visit(norm); err != nil {
		j.fail(norm, "failed", err.Error(), string(docs.KindFetchFailed))
		return false
	}
	return true
}

// backoffRetry re-queues a rate-limited URL after an exponential delay.
// Returns false once attempts are exhausted.
func (c *Crawler) backoffRetry(ctx context.Context, r *colly.Response, j *job, u string) bool {
	j.mu.Lock()
	attempt := j.retries[u]
	j.retries[u] = attempt + 1
	j.mu.Unlock()
	if attempt >= backoffAttempts-1 {
		return false
	}

	delay := backoffBase << attempt
	if delay > backoffCap {
		delay = backoffCap
	}
	delay += time.Duration(rand.Int63n(int64(delay) / 4))

	c.logger.Debug("rate limited, backing off",
		"url", u, "status", r.StatusCode, "delay", delay, "attempt", attempt+1)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return false
	}
	if err := j.retryPacer.Wait(ctx); err != nil {
		return false
	}
	if err := r.Request.Retry(); err != nil {
		return false
	}
	return true
}

// ingest runs chunk, embed, store for one extracted page.
func (c *Crawler) ingest(ctx context.Context, doc *Document, j *job) {
	drafts := c.chunker.Split(doc)
	j.mu.Lock()
	j.summary.ChunksCreated += len(drafts)
	j.mu.Unlock()
	if len(drafts) == 0 {
		j.fail(doc.URL, "failed", "page produced no chunks", reasonNoChunks)
		return
	}
	j.setState(doc.URL, "chunked")

	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
	}
	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		// Embedding failures drop this page's chunks only.
		kind := docs.KindEmbeddingTransient
		if errors.Is(err, embedding.ErrUnavailable) {
			kind = docs.KindEmbeddingUnavailable
		}
		j.fail(doc.URL, "failed", err.Error(), string(kind))
		return
	}
	j.setState(doc.URL, "embedded")

	now := time.Now().UTC()
	chunks := make([]docs.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = docs.Chunk{
			ID:          uuid.NewString(),
			Vector:      vecs[i],
			Text:        d.Text,
			URL:         doc.URL,
			Source:      docs.SourceKey(doc.URL),
			Title:       d.Title,
			Section:     d.Section,
			ContentType: d.ContentType,
			Language:    d.Language,
			IndexedAt:   now,
			ContentHash: d.ContentHash,
		}
	}

	inserted, deduplicated, err := c.store.UpsertBatch(chunks)
	if err != nil {
		j.fail(doc.URL, "failed", err.Error(), string(docs.KindStorageIO))
		return
	}
	j.mu.Lock()
	j.summary.ChunksInserted += inserted
	j.summary.ChunksDeduplicated += deduplicated
	j.mu.Unlock()
	j.setState(doc.URL, "stored")
}

// scope decides whether a candidate URL is reachable in this job.
type scope struct {
	mode       Mode
	host       string
	pathPrefix string
}

func (s scope) allows(u *url.URL) bool {
	if hostKey(u) != s.host {
		return false
	}
	switch s.mode {
	case ModeFull:
		return true
	case ModeSection:
		p := u.Path
		if p == "" {
			p = "/"
		}
		return p == s.pathPrefix || strings.HasPrefix(p, s.pathPrefix+"/") ||
			s.pathPrefix == "/" && strings.HasPrefix(p, "/")
	default:
		return false
	}
}

// sectionPrefix derives the path under which section-mode descendants live:
// the seed path without a trailing slash or file component.
func sectionPrefix(seed *url.URL) string {
	p := seed.Path
	if p == "" || p == "/" {
		return "/"
	}
	p = strings.TrimSuffix(p, "/")
	// Treat "/docs/index.html" as the "/docs" section.
	if i := strings.LastIndexByte(p, '/'); i > 0 && strings.Contains(p[i:], ".") {
		p = p[:i]
	}
	return p
}

func denied(path string) bool {
	lower := strings.ToLower(path)
	if !strings.HasSuffix(lower, "/") {
		lower += "/"
	}
	for _, part := range denyPathParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func matchesAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func hostKey(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}

// NormalizeURL lower-cases the host, strips default ports and fragments,
// and preserves the query string.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return normalizeString(u), nil
}

func normalizeString(u *url.URL) string {
	n := *u
	n.Host = hostKey(u)
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" {
		n.Path = "/"
	}
	return n.String()
}
