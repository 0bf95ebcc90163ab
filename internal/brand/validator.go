package brand

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Validation modes.
const (
	ModeLogo     = "logo"
	ModeLiveness = "liveness"
	ModeNone     = "none"
)

// ImageSearcher finds and downloads images for a query.
type ImageSearcher interface {
	SearchImages(ctx context.Context, query string, n int) ([]string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Embedder maps a logo image to a normalised embedding.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float64, error)
}

// LivenessChecker reports whether a domain resolves and serves content.
type LivenessChecker interface {
	Reachable(ctx context.Context, domain string) bool
}

// ValidationRecorder receives validation outcomes.
type ValidationRecorder interface {
	RecordValidation(mode string, passed bool)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Mode      string
	Results   int
	Workers   int
	Threshold float64
}

// Validator cross-checks a brand hypothesis.
type Validator struct {
	cfg      ValidatorConfig
	search   ImageSearcher
	embedder Embedder
	liveness LivenessChecker
	metrics  ValidationRecorder
	logger   *zap.Logger
}

// ValidatorOption customises a Validator.
type ValidatorOption func(*Validator)

// WithValidationMetrics attaches a recorder.
func WithValidationMetrics(m ValidationRecorder) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator creates a Validator. Collaborators not needed by the
// configured mode may be nil.
func NewValidator(cfg ValidatorConfig, search ImageSearcher, embedder Embedder, liveness LivenessChecker, logger *zap.Logger, opts ...ValidatorOption) *Validator {
	if cfg.Mode == "" {
		cfg.Mode = ModeLogo
	}
	if cfg.Results <= 0 {
		cfg.Results = 5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{cfg: cfg, search: search, embedder: embedder, liveness: liveness, logger: logger}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Mode returns the configured validation mode.
func (v *Validator) Mode() string { return v.cfg.Mode }

// Validate reports whether domain is a credible brand for a page showing
// referenceLogo.
func (v *Validator) Validate(ctx context.Context, domain string, referenceLogo []byte) bool {
	var ok bool
	switch v.cfg.Mode {
	case ModeNone:
		ok = true
	case ModeLiveness:
		ok = v.liveness != nil && v.liveness.Reachable(ctx, domain)
	default:
		ok = v.logoMatches(ctx, domain, referenceLogo)
	}

	v.logger.Debug("brand validation",
		zap.String("mode", v.cfg.Mode),
		zap.String("domain", domain),
		zap.Bool("passed", ok),
	)
	if v.metrics != nil {
		v.metrics.RecordValidation(v.cfg.Mode, ok)
	}
	return ok
}

var errMatched = errors.New("logo matched")

func (v *Validator) logoMatches(ctx context.Context, domain string, referenceLogo []byte) bool {
	if len(referenceLogo) == 0 || v.search == nil || v.embedder == nil {
		return false
	}

	ref, err := v.embedder.Embed(ctx, referenceLogo)
	if err != nil {
		v.logger.Warn("reference logo embedding failed", zap.Error(err))
		return false
	}

	urls, err := v.search.SearchImages(ctx, domain+" logo", v.cfg.Results)
	if err != nil {
		v.logger.Warn("logo image search failed", zap.String("domain", domain), zap.Error(err))
		return false
	}
	if len(urls) > v.cfg.Results {
		urls = urls[:v.cfg.Results]
	}

	var matched atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Workers)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			img, err := v.search.Fetch(gctx, u)
			if err != nil {
				v.logger.Debug("logo fetch failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			vec, err := v.embedder.Embed(gctx, img)
			if err != nil {
				v.logger.Debug("logo embedding failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			if Similarity(ref, vec) > v.cfg.Threshold {
				matched.Store(true)
				// stops the remaining downloads
				return errMatched
			}
			return nil
		})
	}
	_ = g.Wait()
	return matched.Load()
}

// Similarity is the dot product of two embeddings; vectors of different
// length never match.
func Similarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
