// Package pipeline runs phishing investigations: it sequences text
// extraction, brand recognition, credential page classification and
// click-through exploration until a verdict is reached.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/brand"
	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/domainutil"
	"github.com/crpwatch/crpwatch/internal/ocr"
	"github.com/crpwatch/crpwatch/internal/ranker"
	"github.com/crpwatch/crpwatch/internal/resilience"
)

// Stage names used for timing metrics.
const (
	StageBrandRecognition  = "brand_recognition"
	StageCRPClassification = "crp_classification"
	StageCRPTransition     = "crp_transition"
)

// TextExtractor recovers page text from a screenshot and its HTML.
type TextExtractor interface {
	Extract(ctx context.Context, screenshot, htmlDoc []byte) (ocr.Result, error)
}

// LogoLocator finds the main logo of a screenshot.
type LogoLocator interface {
	Locate(ctx context.Context, screenshot []byte) (*domain.LogoRegion, error)
}

// BrandRecognizer infers the brand a page presents.
type BrandRecognizer interface {
	Recognize(ctx context.Context, in brand.RecognitionInput) (*domain.BrandHypothesis, error)
}

// BrandValidator cross-checks a brand hypothesis.
type BrandValidator interface {
	Validate(ctx context.Context, domain string, referenceLogo []byte) bool
}

// CRPClassifier decides whether page text asks for credentials.
type CRPClassifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Ranker orders clickable elements by login likelihood.
type Ranker interface {
	Rank(ctx context.Context, url string, driver ranker.Driver, refresh bool) ([]domain.Candidate, error)
}

// Driver is the browser session an investigation owns.
type Driver interface {
	ranker.Driver
	ClickAndCapture(ctx context.Context, url string, el domain.Element, shotPath, htmlPath string) (domain.PageSnapshot, error)
}

// ArtefactStore keeps the screenshots and HTML of each step.
type ArtefactStore interface {
	UploadSnapshot(ctx context.Context, identifier string, step int, snap domain.PageSnapshot) error
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordVerdict(verdict, reason string, steps int)
	RecordStage(stage string, d time.Duration)
	RecordTransition()
}

// Components are the stages an Orchestrator sequences.
type Components struct {
	Text       TextExtractor
	Logos      LogoLocator
	Recognizer BrandRecognizer
	Validator  BrandValidator
	Classifier CRPClassifier
	Ranker     Ranker
}

// Config configures an Orchestrator.
type Config struct {
	InteractionLimit int
	// Cooldown is waited after brand recognition to spread model calls.
	Cooldown         time.Duration
	HostingProviders []string
}

// Outcome is the result of one investigation.
type Outcome struct {
	Verdict    domain.Verdict
	Timings    domain.Timings
	Steps      int
	Hypothesis *domain.BrandHypothesis
	FinalURL   string
}

// Orchestrator runs investigations. It holds no per-investigation state
// and may be shared by concurrent investigations with separate drivers.
type Orchestrator struct {
	c         Components
	cfg       Config
	hosting   map[string]struct{}
	artefacts ArtefactStore
	metrics   Recorder
	sleep     resilience.Sleeper
	now       func() time.Time
	logger    *zap.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithArtefactStore uploads every captured step.
func WithArtefactStore(s ArtefactStore) Option {
	return func(o *Orchestrator) { o.artefacts = s }
}

// WithRecorder attaches metrics.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.metrics = r }
}

// WithSleeper replaces the cooldown wait.
func WithSleeper(s resilience.Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithClock replaces the clock used for stage timings.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(c Components, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	hosting := make(map[string]struct{}, len(cfg.HostingProviders))
	for _, h := range cfg.HostingProviders {
		if r := domainutil.Registrable(h); r != "" {
			hosting[r] = struct{}{}
		}
	}
	o := &Orchestrator{
		c:       c,
		cfg:     cfg,
		hosting: hosting,
		sleep:   resilience.SleepContext,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Investigate decides whether the site captured in snap is a phishing
// page. It only fails when ctx is done; every other failure resolves to a
// benign verdict.
func (o *Orchestrator) Investigate(ctx context.Context, identifier string, snap domain.PageSnapshot, driver Driver) (Outcome, error) {
	state := domain.PipelineState{Snapshot: snap, PageChanged: true}
	logger := o.logger.With(zap.String("identifier", identifier))

	for steps := 1; ; steps++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Timings: state.Timings, Steps: steps}, err
		}

		verdict, next, err := o.step(ctx, logger, identifier, state, driver)
		if err != nil {
			return Outcome{Timings: state.Timings, Steps: steps}, err
		}
		if verdict != nil {
			out := Outcome{
				Verdict:    *verdict,
				Timings:    next.Timings,
				Steps:      steps,
				Hypothesis: next.Hypothesis,
				FinalURL:   next.Snapshot.URL,
			}
			logger.Info("investigation finished",
				zap.String("verdict", string(verdict.Kind)),
				zap.String("target", verdict.TargetOrNone()),
				zap.String("reason", verdict.Reason),
				zap.Int("steps", steps),
			)
			if o.metrics != nil {
				o.metrics.RecordVerdict(string(verdict.Kind), verdict.Reason, steps)
			}
			return out, nil
		}
		state = next
	}
}

// step evaluates one snapshot. It returns either a terminal verdict or
// the state for the next snapshot.
func (o *Orchestrator) step(ctx context.Context, logger *zap.Logger, identifier string, state domain.PipelineState, driver Driver) (*domain.Verdict, domain.PipelineState, error) {
	snap := state.Snapshot
	logger = logger.With(zap.Int("depth", state.Depth), zap.String("url", snap.URL))

	shot, err := os.ReadFile(snap.ScreenshotPath)
	if err != nil {
		logger.Warn("screenshot unreadable", zap.Error(err))
		return verdictPtr(domain.Benign(domain.ReasonSnapshotMissing)), state, nil
	}
	htmlDoc, err := os.ReadFile(snap.HTMLPath)
	if err != nil {
		logger.Debug("html unreadable", zap.Error(err))
	}

	text, err := o.c.Text.Extract(ctx, shot, htmlDoc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, state, ctx.Err()
		}
		logger.Warn("text extraction failed", zap.Error(err))
	}

	if !state.SkipBrand {
		start := o.now()
		hyp, err := o.recognize(ctx, logger, snap, shot, text)
		elapsed := o.now().Sub(start)
		state.Timings.BrandRecognition += elapsed
		o.recordStage(StageBrandRecognition, elapsed)
		if err != nil {
			return nil, state, err
		}
		state.Hypothesis = hyp
		if err := o.sleep(ctx, o.cfg.Cooldown); err != nil {
			return nil, state, err
		}
	}

	hyp := state.Hypothesis
	if hyp == nil {
		return verdictPtr(domain.Benign(domain.ReasonNoBrand)), state, nil
	}
	if domainutil.SameRegistrable(hyp.Domain, snap.URL) {
		logger.Debug("brand matches url", zap.String("brand", hyp.Domain))
		return verdictPtr(domain.Benign(domain.ReasonSameDomain)), state, nil
	}
	if !state.SkipBrand {
		ok := o.c.Validator.Validate(ctx, hyp.Domain, hyp.Logo)
		if err := ctx.Err(); err != nil {
			return nil, state, err
		}
		if !ok {
			logger.Debug("brand rejected by validation", zap.String("brand", hyp.Domain))
			return verdictPtr(domain.Benign(domain.ReasonValidation)), state, nil
		}
	}

	start := o.now()
	crp, err := o.c.Classifier.Classify(ctx, text.Text)
	elapsed := o.now().Sub(start)
	state.Timings.CRPClassification += elapsed
	o.recordStage(StageCRPClassification, elapsed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, state, ctx.Err()
		}
		logger.Warn("crp classification failed, treating page as non-credential", zap.Error(err))
		crp = false
	}

	if crp {
		if o.isHostingProvider(hyp.Domain) {
			return verdictPtr(domain.Benign(domain.ReasonHostingProvider)), state, nil
		}
		return verdictPtr(domain.Phish(hyp.Domain)), state, nil
	}

	if state.Depth >= o.cfg.InteractionLimit {
		return verdictPtr(domain.Benign(domain.ReasonDepthExhausted)), state, nil
	}

	start = o.now()
	candidates, err := o.c.Ranker.Rank(ctx, snap.URL, driver, state.PageChanged)
	elapsed = o.now().Sub(start)
	state.Timings.CRPTransition += elapsed
	o.recordStage(StageCRPTransition, elapsed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, state, ctx.Err()
		}
		logger.Warn("ranking failed", zap.Error(err))
	}
	if len(candidates) == 0 {
		return verdictPtr(domain.Benign(domain.ReasonNoCandidates)), state, nil
	}

	pick := PickCandidate(len(candidates), state.Depth, state.PageChanged)
	target := candidates[pick].Element
	shotPath, htmlPath := StepPaths(snap.ScreenshotPath, state.Depth+1)

	next, err := driver.ClickAndCapture(ctx, snap.URL, target, shotPath, htmlPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, state, ctx.Err()
		}
		logger.Info("click transition failed", zap.String("xpath", target.XPath), zap.Error(err))
		return verdictPtr(domain.Benign(domain.ReasonClickFailed)), state, nil
	}
	if next.URL == "" {
		next.URL = snap.URL
	}
	if o.metrics != nil {
		o.metrics.RecordTransition()
	}
	o.upload(ctx, logger, identifier, state.Depth+1, next)

	logger.Info("followed click",
		zap.String("xpath", target.XPath),
		zap.Int("rank", pick),
		zap.String("next_url", next.URL),
	)
	return nil, domain.PipelineState{
		Snapshot:    next,
		Hypothesis:  hyp,
		Depth:       state.Depth + 1,
		PageChanged: next.URL != snap.URL,
		SkipBrand:   true,
		Timings:     state.Timings,
	}, nil
}

func (o *Orchestrator) recognize(ctx context.Context, logger *zap.Logger, snap domain.PageSnapshot, shot []byte, text ocr.Result) (*domain.BrandHypothesis, error) {
	logo, err := o.c.Logos.Locate(ctx, shot)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("logo detection failed", zap.Error(err))
		logo = nil
	}

	hyp, err := o.c.Recognizer.Recognize(ctx, brand.RecognitionInput{
		Logo:       logo,
		Tokens:     text.Tokens,
		Text:       text.Text,
		PageWidth:  snap.ImageWidth,
		PageHeight: snap.ImageHeight,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("brand recognition failed", zap.Error(err))
		return nil, nil
	}
	if hyp != nil {
		logger.Info("brand recognised", zap.String("brand", hyp.Domain))
	}
	return hyp, nil
}

func (o *Orchestrator) isHostingProvider(d string) bool {
	_, ok := o.hosting[domainutil.Registrable(d)]
	return ok
}

func (o *Orchestrator) recordStage(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordStage(stage, d)
	}
}

func (o *Orchestrator) upload(ctx context.Context, logger *zap.Logger, identifier string, step int, snap domain.PageSnapshot) {
	if o.artefacts == nil {
		return
	}
	if err := o.artefacts.UploadSnapshot(ctx, identifier, step, snap); err != nil {
		logger.Warn("artefact upload failed", zap.Int("step", step), zap.Error(err))
	}
}

// PickCandidate chooses which ranked candidate to click. When the last
// click left the URL unchanged the top candidates have presumably been
// tried already, so the pick moves down the ranking with depth.
func PickCandidate(n, depth int, pageChanged bool) int {
	if pageChanged || n == 0 {
		return 0
	}
	return min(n-1, depth)
}

// StepPaths returns the artefact paths for step next, next to the
// current screenshot.
func StepPaths(currentShot string, next int) (shotPath, htmlPath string) {
	dir := filepath.Dir(currentShot)
	return filepath.Join(dir, fmt.Sprintf("shot%d.png", next)),
		filepath.Join(dir, fmt.Sprintf("index%d.html", next))
}

func verdictPtr(v domain.Verdict) *domain.Verdict { return &v }
