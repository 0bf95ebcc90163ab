// Package app assembles the investigation pipeline from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/brand"
	"github.com/crpwatch/crpwatch/internal/browser"
	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/crp"
	"github.com/crpwatch/crpwatch/internal/domainutil"
	"github.com/crpwatch/crpwatch/internal/imagesearch"
	"github.com/crpwatch/crpwatch/internal/llm"
	"github.com/crpwatch/crpwatch/internal/logo"
	"github.com/crpwatch/crpwatch/internal/observability"
	"github.com/crpwatch/crpwatch/internal/ocr"
	"github.com/crpwatch/crpwatch/internal/perception"
	"github.com/crpwatch/crpwatch/internal/pipeline"
	"github.com/crpwatch/crpwatch/internal/ranker"
	"github.com/crpwatch/crpwatch/internal/repository/postgres"
	rediscache "github.com/crpwatch/crpwatch/internal/repository/redis"
	"github.com/crpwatch/crpwatch/internal/resilience"
	"github.com/crpwatch/crpwatch/internal/storage"
)

// Options selects the optional backends Build connects.
type Options struct {
	// UseDatabase connects PostgreSQL and migrates the result table.
	UseDatabase bool
	// Registry receives the metrics; nil uses the default registerer.
	Registry *prometheus.Registry
}

// Stack is the wired pipeline plus the connections it owns.
type Stack struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Breakers     *resilience.Registry
	Orchestrator *pipeline.Orchestrator

	// Optional backends; nil when not configured.
	DB        *postgres.DB
	Results   *postgres.ResultRepository
	Cache     *rediscache.Cache
	Artefacts *storage.MinIOClient

	LLM *llm.Client

	closers []func() error
}

// Build connects every configured backend and wires the pipeline stages.
// On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Stack, error) {
	s := &Stack{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics("crpwatch", opts.Registry),
	}
	if err := s.build(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) build(ctx context.Context, opts Options) error {
	cfg, logger := s.Config, s.Logger

	s.Breakers = resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Perception.BreakerThreshold,
		Cooldown:         cfg.Perception.BreakerCooldown,
		Probes:           1,
		OnStateChange:    s.Metrics.RecordBreakerState,
	})

	models, err := perception.NewClient(perception.ClientConfig{
		Address:    cfg.Perception.Address(),
		Timeout:    cfg.Perception.Timeout,
		MaxMsgSize: cfg.Perception.MaxMessageBytes,
		Breaker:    s.Breakers.Get("perception"),
		Logger:     logger.Named("perception"),
	})
	if err != nil {
		return err
	}
	s.closers = append(s.closers, models.Close)

	if cfg.Redis.Enabled {
		cache, err := rediscache.New(cfg.Redis)
		if err != nil {
			return err
		}
		s.Cache = cache
		s.closers = append(s.closers, cache.Close)
	}

	llmOpts := []llm.Option{llm.WithLogger(logger.Named("llm")), llm.WithMetrics(s.Metrics)}
	if s.Cache != nil && cfg.LLM.EnableCaching {
		llmOpts = append(llmOpts, llm.WithCache(llm.NewRedisCache(s.Cache.Client(), cfg.LLM.CacheTTL, logger)))
	}
	s.LLM, err = llm.NewClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
		RateLimitRPM: cfg.LLM.RateLimitRPM,
	}, llmOpts...)
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}
	retrier := resilience.NewRetrier(cfg.Retry.Policy(),
		resilience.WithRetryLogger(logger.Named("retry")),
		resilience.WithRetryHook(s.Metrics.RecordLLMRetry),
	)
	caller := llm.NewCaller(s.LLM, retrier, logger)

	recognizer, err := brand.NewRecognizer(models, caller, brand.RecognizerConfig{
		InferIndustry:     cfg.Brand.InferIndustry,
		LogoExpandRatio:   cfg.Brand.LogoExpandRatio,
		MaxTokens:         cfg.LLM.BrandMaxTokens,
		IndustryMaxTokens: cfg.LLM.IndustryMaxTokens,
	}, logger.Named("brand"))
	if err != nil {
		return err
	}

	classifier, err := crp.NewClassifier(caller, cfg.LLM.CRPMaxTokens, logger.Named("crp"))
	if err != nil {
		return err
	}

	var search brand.ImageSearcher
	if cfg.Brand.ValidationMode == brand.ModeLogo {
		sc, err := imagesearch.NewClient(imagesearch.Config{
			Endpoint:    cfg.ImageSearch.Endpoint,
			APIKey:      cfg.ImageSearch.APIKey,
			EngineID:    cfg.ImageSearch.EngineID,
			Timeout:     cfg.ImageSearch.Timeout,
			MaxBytes:    cfg.ImageSearch.MaxBytes,
			RateLimitPS: cfg.ImageSearch.RateLimitPS,
			UserAgent:   cfg.Browser.UserAgent,
		}, imagesearch.WithBreaker(s.Breakers.Get("image_search")), imagesearch.WithLogger(logger.Named("imagesearch")))
		if err != nil {
			return err
		}
		search = sc
	}
	validator := brand.NewValidator(brand.ValidatorConfig{
		Mode:      cfg.Brand.ValidationMode,
		Results:   cfg.Brand.ValidationResults,
		Workers:   cfg.Brand.ValidationWorkers,
		Threshold: cfg.Brand.SimilarityThreshold,
	}, search, models, domainutil.NewChecker(cfg.ImageSearch.Timeout, logger.Named("liveness")), logger.Named("validator"),
		brand.WithValidationMetrics(s.Metrics))

	rk := ranker.New(models, ranker.Config{
		MaxCandidates: cfg.Ranker.MaxCandidates,
		BatchSize:     cfg.Ranker.BatchSize,
		TopN:          cfg.Ranker.TopN,
		Concepts:      cfg.Ranker.Concepts,
		SettleDelay:   cfg.Browser.RankDelay,
	}, logger.Named("ranker"))

	orchOpts := []pipeline.Option{pipeline.WithRecorder(s.Metrics)}
	if cfg.Storage.Enabled {
		store, err := storage.NewMinIOClient(storage.MinIOConfig{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKey,
			SecretAccessKey: cfg.Storage.SecretKey,
			UseSSL:          cfg.Storage.UseSSL,
			BucketName:      cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
		}, logger.Named("storage"))
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		s.Artefacts = store
		if cfg.Pipeline.UploadArtefacts {
			orchOpts = append(orchOpts, pipeline.WithArtefactStore(store))
		}
	}

	s.Orchestrator = pipeline.New(pipeline.Components{
		Text:       ocr.NewExtractor(models, ocrConfig(cfg.OCR), logger.Named("ocr")),
		Logos:      logo.NewLocator(models, logger.Named("logo")),
		Recognizer: recognizer,
		Validator:  validator,
		Classifier: classifier,
		Ranker:     rk,
	}, pipeline.Config{
		InteractionLimit: cfg.Pipeline.InteractionLimit,
		Cooldown:         cfg.Pipeline.Cooldown,
		HostingProviders: cfg.Brand.HostingProviders,
	}, logger.Named("pipeline"), orchOpts...)

	if opts.UseDatabase {
		db, err := postgres.New(cfg.Database)
		if err != nil {
			return err
		}
		s.DB = db
		s.closers = append(s.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		s.Results = postgres.NewRepositories(db.DB).Results
	}

	return nil
}

func ocrConfig(c config.OCRConfig) ocr.Config {
	return ocr.Config{
		Languages:       c.Languages,
		SureThreshold:   c.SureThreshold,
		UnsureThreshold: c.UnsureThreshold,
		LocalBestWindow: c.LocalBestWindow,
	}
}

// BrowserConfig converts the browser settings.
func (s *Stack) BrowserConfig() browser.Config {
	c := s.Config.Browser
	return browser.Config{
		Headless:          c.Headless,
		ViewportWidth:     c.ViewportWidth,
		ViewportHeight:    c.ViewportHeight,
		NavigationTimeout: c.NavigationTimeout,
		ScriptTimeout:     c.ScriptTimeout,
		LoadDelay:         c.LoadDelay,
		ClickDelay:        c.ClickDelay,
		UserAgent:         c.UserAgent,
	}
}

// NewSession starts a browser session.
func (s *Stack) NewSession(context.Context) (*browser.Session, error) {
	return browser.NewSession(s.BrowserConfig(), s.Logger.Named("browser"))
}

// Runner creates a batch runner saving results to sink.
func (s *Stack) Runner(sink pipeline.ResultSink) *pipeline.Runner {
	var opts []pipeline.RunnerOption
	if s.Artefacts != nil && s.Config.Pipeline.UploadArtefacts {
		opts = append(opts, pipeline.WithInitialUpload(s.Artefacts))
	}
	return pipeline.NewRunner(s.Orchestrator, sink, pipeline.RunnerConfig{
		WorkDir:        s.Config.Pipeline.WorkDir,
		BlankThreshold: s.Config.Pipeline.BlankThreshold,
	}, s.Logger.Named("runner"), opts...)
}

// Close releases every connection in reverse order of opening.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
