package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coderag/coderag/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeModel returns canned vectors and records call counts and inputs.
type fakeModel struct {
	mu        sync.Mutex
	calls     int
	failNext  int
	vec       []float32
	lastInput []string
}

func (f *fakeModel) Embed(input []string, _ int) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastInput = input
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("onnx session error")
	}
	out := make([][]float32, len(input))
	for i := range input {
		v := make([]float32, len(f.vec))
		copy(v, f.vec)
		out[i] = v
	}
	return out, nil
}

func unitVec() []float32 {
	v := make([]float32, Dimension)
	v[0] = 1
	return v
}

func newFakeService(t *testing.T, m *fakeModel, initErr error) (*Service, *atomic.Int32) {
	t.Helper()
	svc := NewService(Config{BatchSize: 4}, log.NewNop())
	var inits atomic.Int32
	svc.newModel = func() (model, error) {
		inits.Add(1)
		if initErr != nil {
			return nil, initErr
		}
		return m, nil
	}
	return svc, &inits
}

func TestEmbed_EmptyInputSkipsInit(t *testing.T) {
	svc, inits := newFakeService(t, &fakeModel{vec: unitVec()}, nil)

	vecs, err := svc.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Zero(t, inits.Load())
}

func TestEmbed_LazyInitOnce(t *testing.T) {
	fm := &fakeModel{vec: unitVec()}
	svc, inits := newFakeService(t, fm, nil)

	assert.Zero(t, inits.Load(), "construction must not initialize")

	vecs, err := svc.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, int32(1), inits.Load())

	_, err = svc.Embed(context.Background(), []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inits.Load(), "second call must reuse the model")
}

func TestEmbed_ConcurrentCallersShareOneInit(t *testing.T) {
	fm := &fakeModel{vec: unitVec()}
	svc := NewService(Config{}, log.NewNop())

	var inits atomic.Int32
	release := make(chan struct{})
	svc.newModel = func() (model, error) {
		inits.Add(1)
		<-release
		return fm, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Embed(context.Background(), []string{"x"})
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), inits.Load())
}

func TestEmbed_FailedInitResetsGuard(t *testing.T) {
	fm := &fakeModel{vec: unitVec()}
	svc := NewService(Config{}, log.NewNop())

	var inits atomic.Int32
	svc.newModel = func() (model, error) {
		if inits.Add(1) == 1 {
			return nil, errors.New("download failed: no network")
		}
		return fm, nil
	}

	_, err := svc.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	vecs, err := svc.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, int32(2), inits.Load())
}

func TestEmbed_CancelWhileInitializing(t *testing.T) {
	svc := NewService(Config{}, log.NewNop())

	release := make(chan struct{})
	svc.newModel = func() (model, error) {
		<-release
		return &fakeModel{vec: unitVec()}, nil
	}
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbed_RetriesTransientFailures(t *testing.T) {
	fm := &fakeModel{vec: unitVec(), failNext: 2}
	svc, _ := newFakeService(t, fm, nil)

	vecs, err := svc.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, 3, fm.calls)
}

func TestEmbed_TransientAfterRetriesExhausted(t *testing.T) {
	fm := &fakeModel{vec: unitVec(), failNext: embedRetries}
	svc, _ := newFakeService(t, fm, nil)

	_, err := svc.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestEmbed_NormalizesOutput(t *testing.T) {
	raw := make([]float32, Dimension)
	raw[0] = 3
	raw[1] = 4
	svc, _ := newFakeService(t, &fakeModel{vec: raw}, nil)

	vecs, err := svc.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)

	var sum float64
	for _, v := range vecs[0] {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestEmbed_RejectsWrongDimension(t *testing.T) {
	svc, _ := newFakeService(t, &fakeModel{vec: []float32{1, 0, 0}}, nil)

	_, err := svc.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestEmbed_TruncatesOversizedInput(t *testing.T) {
	fm := &fakeModel{vec: unitVec()}
	svc, _ := newFakeService(t, fm, nil)

	big := make([]byte, maxInputLength*2)
	for i := range big {
		big[i] = 'a'
	}

	vecs, err := svc.Embed(context.Background(), []string{string(big)})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
}

func TestEmbed_TruncationKeepsValidUTF8(t *testing.T) {
	fm := &fakeModel{vec: unitVec()}
	svc, _ := newFakeService(t, fm, nil)

	// Three-byte runes place the byte limit mid-rune.
	text := strings.Repeat("€", maxInputLength/3+10)
	_, err := svc.Embed(context.Background(), []string{text})
	require.NoError(t, err)

	fm.mu.Lock()
	got := fm.lastInput[0]
	fm.mu.Unlock()
	assert.LessOrEqual(t, len(got), maxInputLength)
	assert.True(t, utf8.ValidString(got))
}

func TestNormalize(t *testing.T) {
	t.Run("zero vector", func(t *testing.T) {
		err := normalize(make([]float32, Dimension))
		assert.Error(t, err)
	})

	t.Run("non-finite component", func(t *testing.T) {
		v := unitVec()
		v[5] = float32(math.NaN())
		assert.Error(t, normalize(v))
	})

	t.Run("already unit", func(t *testing.T) {
		v := unitVec()
		require.NoError(t, normalize(v))
		assert.Equal(t, float32(1), v[0])
	})
}
