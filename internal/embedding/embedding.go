// Package embedding produces fixed-dimension unit vectors for text using a
// local all-MiniLM-L6-v2 model via fastembed.
//
// Model initialization is expensive: the first call downloads roughly 90MB
// of model assets into the user cache and loads an ONNX runtime. The Service
// therefore initializes lazily on first use. At most one initialization
// attempt runs at a time, concurrent callers share its outcome, and a failed
// attempt resets the guard so a later call can retry (the usual failure is a
// sandboxed host without network access, which may be fixed out of band).
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/coderag/coderag/internal/docs"
	"github.com/coderag/coderag/internal/log"
)

// Dimension is the output dimension of the embedding model.
const Dimension = docs.VectorDimension

// maxInputLength is the per-text truncation bound in bytes. The model
// truncates to 512 tokens anyway; trimming earlier keeps tokenization cheap
// for pathological inputs.
const maxInputLength = 8192

const (
	embedRetries     = 3
	retryBackoffBase = 200 * time.Millisecond
)

var (
	// ErrUnavailable indicates the model could not be initialized. The
	// condition may clear later (e.g. network restored), so callers may
	// retry on a subsequent request.
	ErrUnavailable = errors.New("embedding model unavailable")

	// ErrTransient indicates an embedding call failed after internal
	// retries. The model itself is loaded and later calls may succeed.
	ErrTransient = errors.New("transient embedding failure")
)

// Embedder converts texts to unit vectors. Implementations must return one
// vector per input text, in order, each with Dimension components.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config holds Service settings.
type Config struct {
	// CacheDir is where model assets are stored. Empty means
	// os.UserCacheDir()/coderag (resolved by the caller via CacheDir).
	CacheDir string

	// BatchSize is the number of texts embedded per model call.
	BatchSize int
}

// model is the subset of fastembed.FlagEmbedding the Service uses.
type model interface {
	Embed(input []string, batchSize int) ([][]float32, error)
}

// initAttempt is one in-flight initialization. Waiters block on done and
// then read model/err, so every caller present during the attempt observes
// the same outcome.
type initAttempt struct {
	done  chan struct{}
	model model
	err   error
}

// Service is the production Embedder backed by fastembed.
type Service struct {
	cfg    Config
	logger log.Logger

	// newModel is swapped in tests.
	newModel func() (model, error)

	mu      sync.Mutex
	model   model
	attempt *initAttempt
}

// NewService creates a Service. No model assets are touched until the first
// Embed call.
func NewService(cfg Config, logger log.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	s := &Service{cfg: cfg, logger: logger.With("component", "embedding")}
	s.newModel = s.openFastembed
	return s
}

// Embed returns one unit vector per input text. Initializes the model on
// first use.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	m, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	input := make([]string, len(texts))
	for i, t := range texts {
		input[i] = truncate(t, maxInputLength)
	}

	var vecs [][]float32
	for attempt := 0; ; attempt++ {
		vecs, err = m.Embed(input, s.cfg.BatchSize)
		if err == nil {
			break
		}
		if attempt+1 >= embedRetries {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		s.logger.Warn("embedding call failed, retrying",
			"attempt", attempt+1, "error", err)
		if serr := sleepJittered(ctx, retryBackoffBase<<attempt); serr != nil {
			return nil, serr
		}
	}

	if len(vecs) != len(input) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts",
			ErrTransient, len(vecs), len(input))
	}
	for i := range vecs {
		if err := normalize(vecs[i]); err != nil {
			return nil, fmt.Errorf("%w: text %d: %v", ErrTransient, i, err)
		}
	}
	return vecs, nil
}

// acquire returns the loaded model, starting or joining an initialization
// attempt as needed.
func (s *Service) acquire(ctx context.Context) (model, error) {
	s.mu.Lock()
	if s.model != nil {
		m := s.model
		s.mu.Unlock()
		return m, nil
	}
	att := s.attempt
	if att == nil {
		att = &initAttempt{done: make(chan struct{})}
		s.attempt = att
		go s.runInit(att)
	}
	s.mu.Unlock()

	select {
	case <-att.done:
	case <-ctx.Done():
		// The attempt keeps running; a later caller will pick up its result.
		return nil, ctx.Err()
	}
	if att.err != nil {
		return nil, att.err
	}
	return att.model, nil
}

func (s *Service) runInit(att *initAttempt) {
	s.logger.Info("initializing embedding model", "cache_dir", s.cfg.CacheDir)
	start := time.Now()

	m, err := s.newModel()

	s.mu.Lock()
	s.attempt = nil
	if err != nil {
		att.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		s.logger.Error("embedding model initialization failed", "error", err)
	} else {
		att.model = m
		s.model = m
		s.logger.Info("embedding model ready", "elapsed", time.Since(start))
	}
	s.mu.Unlock()
	close(att.done)
}

func (s *Service) openFastembed() (model, error) {
	m, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:     fastembed.AllMiniLML6V2,
		CacheDir:  s.cfg.CacheDir,
		MaxLength: 512,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close releases model resources if the model was loaded.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.model.(interface{ Destroy() }); ok {
		d.Destroy()
	}
	s.model = nil
}

// normalize verifies the vector shape and scales it to unit L2 norm in
// place. fastembed output is already normalized; this guards against model
// or runtime anomalies before anything reaches the store.
func normalize(vec []float32) error {
	if len(vec) != Dimension {
		return fmt.Errorf("dimension %d, want %d", len(vec), Dimension)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("non-finite component")
		}
		sum += f * f
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return errors.New("zero vector")
	}
	inv := float32(1 / norm)
	for i := range vec {
		vec[i] *= inv
	}
	return nil
}

// truncate cuts s to at most max bytes without splitting a UTF-8 rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func sleepJittered(ctx context.Context, d time.Duration) error {
	d += time.Duration(rand.Int63n(int64(d) / 2))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CacheDir resolves the model cache directory: the override if set,
// otherwise <user cache>/coderag.
func CacheDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache directory: %w", err)
	}
	return filepath.Join(base, "coderag"), nil
}
