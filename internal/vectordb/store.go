// Package vectordb implements the per-project chunk store.
//
// The store is a single JSON document holding all chunks, their embedding
// vectors, and the persistent set of content hashes used for deduplication.
// Every user-facing mutation rewrites the document atomically (tmp file,
// fsync, rename) before returning, so a crashed process leaves either the
// old or the new state on disk, never a partial one. A sibling flock guards
// against two processes writing the same store.
//
// Search is a linear scan over unit vectors with a bounded min-heap for
// top-K. At the target scale (10^3 to 10^5 chunks) this stays well under
// interactive latency and needs no index maintenance.
package vectordb

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/coderag/coderag/internal/docs"
	"github.com/coderag/coderag/internal/log"
)

const schemaVersion = 1

var (
	// ErrInvalidVector indicates a vector with the wrong dimension, a
	// non-finite component, or a non-unit norm.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrMissingHash indicates an upsert without a content hash.
	ErrMissingHash = errors.New("missing content hash")
)

// Filters narrows a search. Zero values mean no filtering.
type Filters struct {
	// Source is matched as a substring of the chunk's source or URL.
	Source string

	// ContentType requires exact equality.
	ContentType docs.ContentType

	// MinScore drops results scoring below the bound.
	MinScore float64
}

// Result is one search hit.
type Result struct {
	Chunk docs.Chunk
	Score float64
}

// SourceInfo summarizes one indexed source.
type SourceInfo struct {
	Count       int
	LastIndexed time.Time
}

// Store is the durable chunk collection. Safe for concurrent use: searches
// and reads share, mutations exclude.
type Store struct {
	path   string
	logger log.Logger

	mu         sync.RWMutex
	loaded     bool
	chunks     []docs.Chunk
	seenHashes map[string]struct{}
	createdAt  time.Time
	updatedAt  time.Time
}

// storeFile is the on-disk document.
type storeFile struct {
	SchemaVersion int          `json:"schema_version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	SeenHashes    []string     `json:"seen_hashes"`
	Chunks        []docs.Chunk `json:"chunks"`
}

// New creates a Store for the given file path. No disk I/O happens until
// the first operation.
func New(path string, logger log.Logger) *Store {
	return &Store{
		path:       path,
		logger:     logger.With("component", "vectordb"),
		seenHashes: make(map[string]struct{}),
	}
}

// Path returns the store file location.
func (s *Store) Path() string { return s.path }

// ensureLoaded reads the file on first use. Callers hold the write lock.
func (s *Store) ensureLoaded() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("cannot read store file, starting empty",
				"path", s.path, "error", err)
		}
		return
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("store file is not valid JSON, starting empty",
			"path", s.path, "error", err)
		return
	}
	if f.SchemaVersion != schemaVersion {
		s.logger.Warn("store file has unsupported schema, starting empty",
			"path", s.path, "schema_version", f.SchemaVersion)
		return
	}

	s.chunks = f.Chunks
	s.createdAt = f.CreatedAt
	s.updatedAt = f.UpdatedAt
	for _, h := range f.SeenHashes {
		s.seenHashes[h] = struct{}{}
	}
	// Chunks written before a crash may not be in the hash list yet.
	for _, c := range s.chunks {
		s.seenHashes[c.ContentHash] = struct{}{}
	}
	s.logger.Debug("store loaded", "path", s.path, "chunks", len(s.chunks))
}

// Upsert inserts the chunk if its content hash is new and persists the
// store. It reports whether an insertion occurred. A duplicate hash is not
// an error. On save failure the in-memory state is rolled back.
func (s *Store) Upsert(chunk docs.Chunk) (bool, error) {
	if chunk.ContentHash == "" {
		return false, ErrMissingHash
	}
	if err := validateVector(chunk.Vector); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	if _, seen := s.seenHashes[chunk.ContentHash]; seen {
		return false, nil
	}

	s.chunks = append(s.chunks, chunk)
	s.seenHashes[chunk.ContentHash] = struct{}{}

	if err := s.saveLocked(); err != nil {
		s.chunks = s.chunks[:len(s.chunks)-1]
		delete(s.seenHashes, chunk.ContentHash)
		return false, err
	}
	return true, nil
}

// UpsertBatch inserts all chunks with new content hashes and persists once.
// It returns the number inserted and the number skipped as duplicates. On
// save failure no chunk is kept.
func (s *Store) UpsertBatch(chunks []docs.Chunk) (inserted, deduplicated int, err error) {
	for _, c := range chunks {
		if c.ContentHash == "" {
			return 0, 0, ErrMissingHash
		}
		if verr := validateVector(c.Vector); verr != nil {
			return 0, 0, verr
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	var added []string
	for _, c := range chunks {
		if _, seen := s.seenHashes[c.ContentHash]; seen {
			deduplicated++
			continue
		}
		s.chunks = append(s.chunks, c)
		s.seenHashes[c.ContentHash] = struct{}{}
		added = append(added, c.ContentHash)
		inserted++
	}
	if inserted == 0 {
		return 0, deduplicated, nil
	}

	if err := s.saveLocked(); err != nil {
		s.chunks = s.chunks[:len(s.chunks)-inserted]
		for _, h := range added {
			delete(s.seenHashes, h)
		}
		return 0, deduplicated, err
	}
	return inserted, deduplicated, nil
}

// Search returns up to limit chunks ranked by cosine similarity to the
// query vector, mapped to [0,1] as (dot+1)/2. Ties break by newer IndexedAt,
// then by lexicographic id. Results all satisfy the filters.
func (s *Store) Search(vector []float32, limit int, f Filters) ([]Result, error) {
	if err := validateVector(vector); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	s.ensureLoaded()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := resultHeap{}
	heap.Init(&h)
	for i := range s.chunks {
		c := &s.chunks[i]
		// A hand-edited or foreign file may carry malformed vectors.
		if len(c.Vector) != docs.VectorDimension {
			continue
		}
		if !matches(c, f) {
			continue
		}
		score := (dot(vector, c.Vector) + 1) / 2
		if score < f.MinScore {
			continue
		}
		r := Result{Chunk: *c, Score: score}
		if h.Len() < limit {
			heap.Push(&h, r)
		} else if worse(h[0], r) {
			h[0] = r
			heap.Fix(&h, 0)
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Result)
	}
	return out, nil
}

func matches(c *docs.Chunk, f Filters) bool {
	if f.Source != "" &&
		!strings.Contains(c.Source, f.Source) &&
		!strings.Contains(c.URL, f.Source) {
		return false
	}
	if f.ContentType != "" && c.ContentType != f.ContentType {
		return false
	}
	return true
}

// DeleteBy removes all chunks matching pred, along with their content
// hashes, and persists the store. It returns the number removed. On save
// failure the in-memory state is rolled back.
func (s *Store) DeleteBy(pred func(docs.Chunk) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()

	kept := s.chunks[:0:0]
	var removed []docs.Chunk
	for _, c := range s.chunks {
		if pred(c) {
			removed = append(removed, c)
		} else {
			kept = append(kept, c)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	prev := s.chunks
	s.chunks = kept
	for _, c := range removed {
		delete(s.seenHashes, c.ContentHash)
	}

	if err := s.saveLocked(); err != nil {
		s.chunks = prev
		for _, c := range removed {
			s.seenHashes[c.ContentHash] = struct{}{}
		}
		return 0, err
	}
	return len(removed), nil
}

// DeleteByURL removes all chunks for an exact URL.
func (s *Store) DeleteByURL(url string) (int, error) {
	return s.DeleteBy(func(c docs.Chunk) bool { return c.URL == url })
}

// DeleteOlderThan removes chunks indexed before cutoff.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int, error) {
	return s.DeleteBy(func(c docs.Chunk) bool { return c.IndexedAt.Before(cutoff) })
}

// CountBy returns the number of chunks matching pred without modifying
// anything. Used for dry runs.
func (s *Store) CountBy(pred func(docs.Chunk) bool) int {
	s.mu.Lock()
	s.ensureLoaded()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chunks {
		if pred(c) {
			n++
		}
	}
	return n
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.Lock()
	s.ensureLoaded()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Sources returns per-source chunk counts and the most recent IndexedAt.
func (s *Store) Sources() map[string]SourceInfo {
	s.mu.Lock()
	s.ensureLoaded()
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]SourceInfo)
	for _, c := range s.chunks {
		info := out[c.Source]
		info.Count++
		if c.IndexedAt.After(info.LastIndexed) {
			info.LastIndexed = c.IndexedAt
		}
		out[c.Source] = info
	}
	return out
}

// Reload discards in-memory state and re-reads the file. An absent or
// invalid file yields an empty store.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunks = nil
	s.seenHashes = make(map[string]struct{})
	s.createdAt = time.Time{}
	s.updatedAt = time.Time{}
	s.loaded = false
	s.ensureLoaded()
	return nil
}

// Save persists the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.saveLocked()
}

// saveLocked writes the document atomically. Callers hold the write lock.
func (s *Store) saveLocked() error {
	now := time.Now().UTC()
	if s.createdAt.IsZero() {
		s.createdAt = now
	}
	s.updatedAt = now

	hashes := make([]string, 0, len(s.seenHashes))
	for h := range s.seenHashes {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	chunks := s.chunks
	if chunks == nil {
		chunks = []docs.Chunk{}
	}
	data, err := json.Marshal(storeFile{
		SchemaVersion: schemaVersion,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		SeenHashes:    hashes,
		Chunks:        chunks,
	})
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking store: %w", err)
	}
	defer fl.Unlock() //nolint:errcheck

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}

// validateVector checks dimension, finiteness, and unit norm.
func validateVector(vec []float32) error {
	if len(vec) != docs.VectorDimension {
		return fmt.Errorf("%w: dimension %d, want %d",
			ErrInvalidVector, len(vec), docs.VectorDimension)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
		sum += f * f
	}
	if math.Abs(math.Sqrt(sum)-1) >= 1e-4 {
		return fmt.Errorf("%w: norm %.6f is not unit", ErrInvalidVector, math.Sqrt(sum))
	}
	return nil
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// worse reports whether a ranks strictly below b: lower score, then older
// IndexedAt, then greater id.
func worse(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.Chunk.IndexedAt.Equal(b.Chunk.IndexedAt) {
		return a.Chunk.IndexedAt.Before(b.Chunk.IndexedAt)
	}
	return a.Chunk.ID > b.Chunk.ID
}

// resultHeap is a min-heap ordered by worse, so the weakest result sits at
// the root and is evicted first.
type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
