// Package ocr turns a page snapshot into text, choosing the OCR language
// model that reads the screenshot most confidently and falling back to the
// page's HTML when none does.
package ocr

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// Engine runs OCR with a given language model.
type Engine interface {
	OCR(ctx context.Context, image []byte, lang string) ([]domain.OcrToken, error)
}

// Config is the language fallback policy.
type Config struct {
	Languages       []string
	SureThreshold   float64
	UnsureThreshold float64
	LocalBestWindow int
}

// DefaultLanguages is the priority-ordered language list.
var DefaultLanguages = []string{
	"en", "ch", "ru", "japan", "fa", "ar", "korean", "vi", "ms",
	"fr", "german", "it", "es", "pt", "uk", "be", "te",
	"sa", "ta", "nl", "tr", "ga",
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Languages:       DefaultLanguages,
		SureThreshold:   0.98,
		UnsureThreshold: 0.9,
		LocalBestWindow: 2,
	}
}

// Result is the extracted page text.
type Result struct {
	Tokens   []domain.OcrToken
	Text     string
	Language string
	// Attempts lists the languages actually run, in order.
	Attempts []string
	FromHTML bool
}

// Extractor implements the language fallback.
type Extractor struct {
	engine Engine
	cfg    Config
	logger *zap.Logger
}

// NewExtractor creates an Extractor; zero config fields take defaults.
func NewExtractor(engine Engine, cfg Config, logger *zap.Logger) *Extractor {
	def := DefaultConfig()
	if len(cfg.Languages) == 0 {
		cfg.Languages = def.Languages
	}
	if cfg.SureThreshold == 0 {
		cfg.SureThreshold = def.SureThreshold
	}
	if cfg.UnsureThreshold == 0 {
		cfg.UnsureThreshold = def.UnsureThreshold
	}
	if cfg.LocalBestWindow == 0 {
		cfg.LocalBestWindow = def.LocalBestWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{engine: engine, cfg: cfg, logger: logger}
}

// Extract reads text from screenshot, falling back to htmlDoc. The only
// error returned is the context's.
func (e *Extractor) Extract(ctx context.Context, screenshot, htmlDoc []byte) (Result, error) {
	var (
		res      Result
		best     []domain.OcrToken
		bestConf float64
		bestIdx  = -1
	)

	for i, lang := range e.cfg.Languages {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		// A failed language still counts as a scanned position.
		if bestIdx >= 0 && i-bestIdx > e.cfg.LocalBestWindow {
			break
		}

		res.Attempts = append(res.Attempts, lang)
		tokens, err := e.engine.OCR(ctx, screenshot, lang)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			e.logger.Warn("ocr failed, skipping language", zap.String("lang", lang), zap.Error(err))
			continue
		}

		med := MedianConfidence(tokens)
		if math.IsNaN(med) {
			// no text at all: another language will not find any either
			break
		}

		if med > bestConf && med >= e.cfg.UnsureThreshold {
			bestConf, bestIdx, best = med, i, tokens
			res.Language = lang
		}
		if med >= e.cfg.SureThreshold {
			break
		}
	}

	if len(best) > 0 {
		res.Tokens = best
		res.Text = domain.TokensText(best)
		e.logger.Debug("ocr language selected",
			zap.String("lang", res.Language),
			zap.Float64("median_confidence", bestConf),
			zap.Int("tokens", len(best)),
		)
		return res, nil
	}

	res.Language = ""
	res.FromHTML = true
	res.Text = HTMLText(htmlDoc)
	return res, nil
}

// MedianConfidence returns the median token confidence, NaN for no tokens.
func MedianConfidence(tokens []domain.OcrToken) float64 {
	if len(tokens) == 0 {
		return math.NaN()
	}
	c := make([]float64, len(tokens))
	for i, t := range tokens {
		c[i] = t.Confidence
	}
	sort.Float64s(c)
	mid := len(c) / 2
	if len(c)%2 == 1 {
		return c[mid]
	}
	return (c[mid-1] + c[mid]) / 2
}
