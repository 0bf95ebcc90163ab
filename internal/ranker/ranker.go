// Package ranker orders the clickable elements of a page by how much they
// look like a login button.
package ranker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/resilience"
)

// DefaultConcepts are the text prompts elements are scored against. The
// last one is the positive concept.
var DefaultConcepts = []string{"not a login button", "a login button"}

// Driver is the part of a browser session the ranker needs.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Reset(ctx context.Context) error
	ClickableElements(ctx context.Context, limit int) ([]domain.Element, error)
	ScrollToTop(ctx context.Context) error
	Location(ctx context.Context, el domain.Element) (domain.Rect, error)
	WindowSize(ctx context.Context) (width, height int, err error)
	ElementScreenshot(ctx context.Context, el domain.Element) ([]byte, error)
}

// ConceptScorer returns one row of logits per image, one column per concept.
type ConceptScorer interface {
	ScoreConcepts(ctx context.Context, images [][]byte, concepts []string) ([][]float64, error)
}

// Config configures a Ranker.
type Config struct {
	MaxCandidates int
	BatchSize     int
	TopN          int
	Concepts      []string
	// SettleDelay is waited after navigation before elements are read.
	SettleDelay time.Duration
}

// DefaultConfig returns the production ranking settings.
func DefaultConfig() Config {
	return Config{
		MaxCandidates: 300,
		BatchSize:     32,
		TopN:          3,
		Concepts:      DefaultConcepts,
		SettleDelay:   5 * time.Second,
	}
}

// Ranker scores clickable elements with a joint image/text model.
type Ranker struct {
	scorer ConceptScorer
	cfg    Config
	sleep  resilience.Sleeper
	logger *zap.Logger
}

// Option customises a Ranker.
type Option func(*Ranker)

// WithSleeper replaces the settle wait, for tests.
func WithSleeper(fn resilience.Sleeper) Option {
	return func(r *Ranker) { r.sleep = fn }
}

// New creates a Ranker. Zero config fields take their defaults.
func New(scorer ConceptScorer, cfg Config, logger *zap.Logger, opts ...Option) *Ranker {
	def := DefaultConfig()
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if len(cfg.Concepts) < 2 {
		cfg.Concepts = def.Concepts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Ranker{scorer: scorer, cfg: cfg, sleep: resilience.SleepContext, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rank returns up to TopN candidates for url, best first. When refresh is
// set the driver is navigated to url first; a navigation failure resets
// the driver and yields no candidates. Only context errors and scorer
// failures are returned.
func (r *Ranker) Rank(ctx context.Context, url string, driver Driver, refresh bool) ([]domain.Candidate, error) {
	if refresh {
		if err := driver.Navigate(ctx, url); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("ranking navigation failed, resetting driver", zap.String("url", url), zap.Error(err))
			if rerr := driver.Reset(ctx); rerr != nil {
				r.logger.Error("driver reset failed", zap.Error(rerr))
			}
			return nil, nil
		}
		if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
			return nil, err
		}
	}

	elements, err := driver.ClickableElements(ctx, r.cfg.MaxCandidates)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("listing clickable elements failed", zap.Error(err))
		return nil, nil
	}
	if len(elements) > r.cfg.MaxCandidates {
		elements = elements[:r.cfg.MaxCandidates]
	}

	candidates, err := r.collect(ctx, driver, elements)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if err := r.score(ctx, candidates); err != nil {
		return nil, err
	}
	return TopN(candidates, r.cfg.TopN), nil
}

// collect keeps the visible elements in the upper half of the window and
// captures their images.
func (r *Ranker) collect(ctx context.Context, driver Driver, elements []domain.Element) ([]domain.Candidate, error) {
	_, height, err := driver.WindowSize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("reading window size failed", zap.Error(err))
		return nil, nil
	}
	fold := float64(height / 2)

	var out []domain.Candidate
	for _, el := range elements {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := driver.ScrollToTop(ctx); err != nil {
			r.logger.Debug("scroll failed", zap.String("xpath", el.XPath), zap.Error(err))
			continue
		}
		box, err := driver.Location(ctx, el)
		if err != nil {
			r.logger.Debug("element location failed", zap.String("xpath", el.XPath), zap.Error(err))
			continue
		}
		if box.Width() <= 0 || box.Height() <= 0 || box.Y2 >= fold {
			continue
		}
		img, err := driver.ElementScreenshot(ctx, el)
		if err != nil || len(img) == 0 {
			r.logger.Debug("element screenshot failed", zap.String("xpath", el.XPath), zap.Error(err))
			continue
		}
		out = append(out, domain.Candidate{Element: el, Box: box, Image: img})
	}
	return out, nil
}

func (r *Ranker) score(ctx context.Context, candidates []domain.Candidate) error {
	positive := len(r.cfg.Concepts) - 1
	for start := 0; start < len(candidates); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(candidates))
		images := make([][]byte, 0, end-start)
		for _, c := range candidates[start:end] {
			images = append(images, c.Image)
		}

		logits, err := r.scorer.ScoreConcepts(ctx, images, r.cfg.Concepts)
		if err != nil {
			return fmt.Errorf("scoring candidates: %w", err)
		}
		if len(logits) != len(images) {
			return fmt.Errorf("scoring candidates: got %d rows for %d images", len(logits), len(images))
		}
		for i, row := range logits {
			probs := Softmax(row)
			if len(probs) <= positive {
				return fmt.Errorf("scoring candidates: got %d logits for %d concepts", len(row), len(r.cfg.Concepts))
			}
			candidates[start+i].Score = probs[positive]
		}
	}
	return nil
}

// Softmax converts logits to probabilities.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	hi := math.Inf(-1)
	for _, v := range logits {
		hi = math.Max(hi, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// TopN returns the n highest scoring candidates, keeping discovery order
// among equal scores.
func TopN(candidates []domain.Candidate, n int) []domain.Candidate {
	sorted := make([]domain.Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
