package ranker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// fakeDriver serves a fixed page of elements.
type fakeDriver struct {
	navErr   error
	listErr  error
	elements []domain.Element
	boxes    map[string]domain.Rect
	shotErr  map[string]bool
	height   int

	navigated int
	resets    int
}

func (d *fakeDriver) Navigate(context.Context, string) error {
	d.navigated++
	return d.navErr
}

func (d *fakeDriver) Reset(context.Context) error {
	d.resets++
	return nil
}

func (d *fakeDriver) ClickableElements(_ context.Context, limit int) ([]domain.Element, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	if len(d.elements) > limit {
		return d.elements[:limit], nil
	}
	return d.elements, nil
}

func (d *fakeDriver) ScrollToTop(context.Context) error { return nil }

func (d *fakeDriver) Location(_ context.Context, el domain.Element) (domain.Rect, error) {
	box, ok := d.boxes[el.XPath]
	if !ok {
		return domain.Rect{}, errors.New("stale element")
	}
	return box, nil
}

func (d *fakeDriver) WindowSize(context.Context) (int, int, error) {
	return 1920, d.height, nil
}

func (d *fakeDriver) ElementScreenshot(_ context.Context, el domain.Element) ([]byte, error) {
	if d.shotErr[el.XPath] {
		return nil, errors.New("detached")
	}
	return []byte(el.XPath), nil
}

// labelScorer gives each image a fixed positive logit keyed by its bytes.
type labelScorer struct {
	logits  map[string]float64
	batches []int
	err     error
}

func (s *labelScorer) ScoreConcepts(_ context.Context, images [][]byte, concepts []string) ([][]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.batches = append(s.batches, len(images))
	out := make([][]float64, len(images))
	for i, img := range images {
		out[i] = []float64{0, s.logits[string(img)]}
	}
	return out, nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func element(i int) domain.Element {
	return domain.Element{Kind: domain.ElementButton, XPath: fmt.Sprintf("/html/body/button[%d]", i)}
}

func TestRank_OrdersByLoginLikelihood(t *testing.T) {
	drv := &fakeDriver{height: 1000, boxes: map[string]domain.Rect{}}
	scorer := &labelScorer{logits: map[string]float64{}}
	for i := 1; i <= 5; i++ {
		el := element(i)
		drv.elements = append(drv.elements, el)
		drv.boxes[el.XPath] = domain.Rect{X1: 0, Y1: 10, X2: 100, Y2: 40}
		scorer.logits[el.XPath] = float64(i % 3)
	}

	r := New(scorer, Config{TopN: 3, BatchSize: 2}, nil, WithSleeper(noSleep))
	got, err := r.Rank(context.Background(), "https://example.test", drv, true)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// logits 1,2,0,1,2: the two 2s first in discovery order, then the first 1.
	assert.Equal(t, element(2).XPath, got[0].Element.XPath)
	assert.Equal(t, element(5).XPath, got[1].Element.XPath)
	assert.Equal(t, element(1).XPath, got[2].Element.XPath)
	assert.Greater(t, got[0].Score, got[2].Score)
	assert.Equal(t, []int{2, 2, 1}, scorer.batches)
	assert.Equal(t, 1, drv.navigated)
}

func TestRank_FiltersInvisibleAndLowElements(t *testing.T) {
	drv := &fakeDriver{
		height:   1000,
		elements: []domain.Element{element(1), element(2), element(3), element(4), element(5), element(6)},
		boxes: map[string]domain.Rect{
			element(1).XPath: {X1: 0, Y1: 0, X2: 0, Y2: 20},     // zero width
			element(2).XPath: {X1: 0, Y1: 10, X2: 50, Y2: 10},   // zero height
			element(3).XPath: {X1: 0, Y1: 480, X2: 50, Y2: 500}, // at the fold
			element(4).XPath: {X1: 0, Y1: 10, X2: 50, Y2: 40},
			element(5).XPath: {X1: 0, Y1: 10, X2: 50, Y2: 40},
		},
		shotErr: map[string]bool{element(5).XPath: true},
	}
	scorer := &labelScorer{logits: map[string]float64{}}

	r := New(scorer, Config{}, nil, WithSleeper(noSleep))
	got, err := r.Rank(context.Background(), "https://example.test", drv, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, element(4).XPath, got[0].Element.XPath)
	assert.InDelta(t, 0.5, got[0].Score, 1e-9)
	assert.Zero(t, drv.navigated)
}

func TestRank_NavigationFailureResetsDriver(t *testing.T) {
	drv := &fakeDriver{navErr: errors.New("net::ERR_CONNECTION_RESET"), height: 1000}
	r := New(&labelScorer{}, Config{}, nil, WithSleeper(noSleep))

	got, err := r.Rank(context.Background(), "https://example.test", drv, true)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, drv.resets)
}

func TestRank_EmptyPage(t *testing.T) {
	scorer := &labelScorer{}
	r := New(scorer, Config{}, nil, WithSleeper(noSleep))

	got, err := r.Rank(context.Background(), "https://example.test", &fakeDriver{height: 1000}, true)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, scorer.batches)

	got, err = r.Rank(context.Background(), "https://example.test", &fakeDriver{listErr: errors.New("js error")}, true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRank_CapsCandidates(t *testing.T) {
	drv := &fakeDriver{height: 1000, boxes: map[string]domain.Rect{}}
	for i := 0; i < 10; i++ {
		el := element(i)
		drv.elements = append(drv.elements, el)
		drv.boxes[el.XPath] = domain.Rect{X2: 10, Y2: 10}
	}
	scorer := &labelScorer{}
	r := New(scorer, Config{MaxCandidates: 4, BatchSize: 32}, nil, WithSleeper(noSleep))

	_, err := r.Rank(context.Background(), "https://example.test", drv, false)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, scorer.batches)
}

func TestRank_ScorerError(t *testing.T) {
	drv := &fakeDriver{height: 1000, elements: []domain.Element{element(1)}, boxes: map[string]domain.Rect{element(1).XPath: {X2: 10, Y2: 10}}}
	r := New(&labelScorer{err: errors.New("unavailable")}, Config{}, nil, WithSleeper(noSleep))

	_, err := r.Rank(context.Background(), "https://example.test", drv, false)
	assert.Error(t, err)
}

func TestRank_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	drv := &fakeDriver{height: 1000, elements: []domain.Element{element(1)}, boxes: map[string]domain.Rect{element(1).XPath: {X2: 10, Y2: 10}}}
	r := New(&labelScorer{}, Config{}, nil, WithSleeper(noSleep))

	_, err := r.Rank(ctx, "https://example.test", drv, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{0, 0})
	assert.InDelta(t, 0.5, p[0], 1e-9)
	assert.InDelta(t, 0.5, p[1], 1e-9)

	p = Softmax([]float64{1000, 0})
	assert.InDelta(t, 1.0, p[0], 1e-9)
	assert.Nil(t, Softmax(nil))
}

func TestTopN_Stable(t *testing.T) {
	in := []domain.Candidate{
		{Element: element(1), Score: 0.5},
		{Element: element(2), Score: 0.9},
		{Element: element(3), Score: 0.5},
	}
	got := TopN(in, 5)
	require.Len(t, got, 3)
	assert.Equal(t, element(2), got[0].Element)
	assert.Equal(t, element(1), got[1].Element)
	assert.Equal(t, element(3), got[2].Element)
	assert.Equal(t, element(1), in[0].Element)
}
