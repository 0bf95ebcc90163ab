package brand

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearch struct {
	urls    []string
	err     error
	images  map[string][]byte
	fetched atomic.Int32
	query   string
}

func (f *fakeSearch) SearchImages(_ context.Context, query string, n int) ([]string, error) {
	f.query = query
	if f.err != nil {
		return nil, f.err
	}
	if len(f.urls) > n {
		return f.urls[:n], nil
	}
	return f.urls, nil
}

func (f *fakeSearch) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.fetched.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, ok := f.images[url]
	if !ok {
		return nil, errors.New("404")
	}
	return img, nil
}

// vectorEmbedder maps image bytes to fixed vectors.
type vectorEmbedder map[string][]float64

func (v vectorEmbedder) Embed(_ context.Context, image []byte) ([]float64, error) {
	vec, ok := v[string(image)]
	if !ok {
		return nil, errors.New("not an image")
	}
	return vec, nil
}

type fakeLiveness bool

func (f fakeLiveness) Reachable(context.Context, string) bool { return bool(f) }

type validationRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (r *validationRecorder) RecordValidation(_ string, passed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, passed)
}

var embeddings = vectorEmbedder{
	"ref":   {1, 0},
	"same":  {0.9, 0.1},
	"close": {0.83, 0.55},
	"other": {0, 1},
}

func TestValidate_LogoModeMatches(t *testing.T) {
	search := &fakeSearch{
		urls:   []string{"u1", "u2", "u3"},
		images: map[string][]byte{"u1": []byte("other"), "u2": []byte("same"), "u3": []byte("other")},
	}
	rec := &validationRecorder{}
	v := NewValidator(ValidatorConfig{Threshold: 0.83}, search, embeddings, nil, nil, WithValidationMetrics(rec))

	assert.True(t, v.Validate(context.Background(), "paypal.com", []byte("ref")))
	assert.Equal(t, "paypal.com logo", search.query)
	assert.Equal(t, []bool{true}, rec.results)
}

func TestValidate_ThresholdIsStrict(t *testing.T) {
	search := &fakeSearch{urls: []string{"u1"}, images: map[string][]byte{"u1": []byte("close")}}
	v := NewValidator(ValidatorConfig{Threshold: 0.83}, search, embeddings, nil, nil)
	assert.False(t, v.Validate(context.Background(), "paypal.com", []byte("ref")))
}

func TestValidate_LogoModeFailures(t *testing.T) {
	t.Run("no reference logo", func(t *testing.T) {
		search := &fakeSearch{urls: []string{"u1"}, images: map[string][]byte{"u1": []byte("ref")}}
		v := NewValidator(ValidatorConfig{Threshold: 0.5}, search, embeddings, nil, nil)
		assert.False(t, v.Validate(context.Background(), "paypal.com", nil))
		assert.Zero(t, search.fetched.Load())
	})

	t.Run("search error", func(t *testing.T) {
		search := &fakeSearch{err: errors.New("quota")}
		v := NewValidator(ValidatorConfig{Threshold: 0.5}, search, embeddings, nil, nil)
		assert.False(t, v.Validate(context.Background(), "paypal.com", []byte("ref")))
	})

	t.Run("every download fails", func(t *testing.T) {
		search := &fakeSearch{urls: []string{"a", "b", "c"}}
		v := NewValidator(ValidatorConfig{Threshold: 0.5}, search, embeddings, nil, nil)
		assert.False(t, v.Validate(context.Background(), "paypal.com", []byte("ref")))
		assert.Equal(t, int32(3), search.fetched.Load())
	})

	t.Run("no candidates", func(t *testing.T) {
		v := NewValidator(ValidatorConfig{Threshold: 0.5}, &fakeSearch{}, embeddings, nil, nil)
		assert.False(t, v.Validate(context.Background(), "paypal.com", []byte("ref")))
	})
}

func TestValidate_RespectsResultLimit(t *testing.T) {
	search := &fakeSearch{
		urls:   []string{"u1", "u2", "u3", "u4"},
		images: map[string][]byte{"u4": []byte("same")},
	}
	v := NewValidator(ValidatorConfig{Threshold: 0.5, Results: 3, Workers: 1}, search, embeddings, nil, nil)
	assert.False(t, v.Validate(context.Background(), "paypal.com", []byte("ref")))
	assert.Equal(t, int32(3), search.fetched.Load())
}

func TestValidate_OtherModes(t *testing.T) {
	ctx := context.Background()

	none := NewValidator(ValidatorConfig{Mode: ModeNone}, nil, nil, nil, nil)
	assert.True(t, none.Validate(ctx, "anything.com", nil))

	up := NewValidator(ValidatorConfig{Mode: ModeLiveness}, nil, nil, fakeLiveness(true), nil)
	assert.True(t, up.Validate(ctx, "paypal.com", nil))

	down := NewValidator(ValidatorConfig{Mode: ModeLiveness}, nil, nil, fakeLiveness(false), nil)
	assert.False(t, down.Validate(ctx, "paypal.com", nil))

	missing := NewValidator(ValidatorConfig{Mode: ModeLiveness}, nil, nil, nil, nil)
	assert.False(t, missing.Validate(ctx, "paypal.com", nil))
}

func TestNewValidator_Defaults(t *testing.T) {
	v := NewValidator(ValidatorConfig{}, nil, nil, nil, nil)
	require.NotNil(t, v)
	assert.Equal(t, ModeLogo, v.Mode())
	assert.Equal(t, 5, v.cfg.Results)
	assert.Equal(t, 4, v.cfg.Workers)
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, Similarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, -1.0, Similarity([]float64{1}, []float64{1, 0}))
	assert.Equal(t, -1.0, Similarity(nil, nil))
}
