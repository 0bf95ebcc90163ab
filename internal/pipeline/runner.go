package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/imaging"
	"github.com/crpwatch/crpwatch/internal/resilience"
)

const discardTimeout = 30 * time.Second

// ErrBlankPage is returned for targets that still render blank after a
// second look.
var ErrBlankPage = errors.New("page renders blank")

// Session is a browser session able to capture the initial page.
type Session interface {
	Driver
	Capture(ctx context.Context, url, shotPath, htmlPath string) (domain.PageSnapshot, error)
	Save(ctx context.Context, shotPath, htmlPath string) (domain.PageSnapshot, error)
}

// ResultSink stores finished investigations.
type ResultSink interface {
	Exists(ctx context.Context, identifier string) (bool, error)
	Save(ctx context.Context, result *domain.Result) error
}

// SnapshotStore is an ArtefactStore that can also drop everything kept
// for an identifier.
type SnapshotStore interface {
	ArtefactStore
	DeleteArtefacts(ctx context.Context, identifier string) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	WorkDir        string
	BlankThreshold float64
	// BlankRecheckDelay is waited before a blank page is captured again.
	BlankRecheckDelay time.Duration
}

// Summary counts what a batch run did.
type Summary struct {
	Investigated int
	Phish        int
	Skipped      int
	Failed       int
}

// Runner investigates targets one after another on a single session.
type Runner struct {
	orch      *Orchestrator
	sink      ResultSink
	artefacts SnapshotStore
	cfg       RunnerConfig
	sleep     resilience.Sleeper
	logger    *zap.Logger
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRunnerSleeper replaces the blank page wait.
func WithRunnerSleeper(s resilience.Sleeper) RunnerOption {
	return func(r *Runner) { r.sleep = s }
}

// WithInitialUpload uploads the initial capture of every target. Stored
// artefacts of a target whose capture fails are deleted.
func WithInitialUpload(s SnapshotStore) RunnerOption {
	return func(r *Runner) { r.artefacts = s }
}

// NewRunner creates a Runner.
func NewRunner(orch *Orchestrator, sink ResultSink, cfg RunnerConfig, logger *zap.Logger, opts ...RunnerOption) *Runner {
	if cfg.BlankRecheckDelay <= 0 {
		cfg.BlankRecheckDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{orch: orch, sink: sink, cfg: cfg, sleep: resilience.SleepContext, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run investigates every target not already in the sink. progress, if
// set, is called after each target with its result, or nil when the
// target was skipped or failed. Only context errors stop the batch.
func (r *Runner) Run(ctx context.Context, targets []Target, session Session, progress func(Target, *domain.Result)) (Summary, error) {
	var sum Summary
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		done, err := r.sink.Exists(ctx, t.Identifier)
		if err != nil {
			r.logger.Warn("result lookup failed", zap.String("identifier", t.Identifier), zap.Error(err))
		}
		if done {
			sum.Skipped++
			if progress != nil {
				progress(t, nil)
			}
			continue
		}

		res, err := r.RunOne(ctx, t, session)
		switch {
		case ctx.Err() != nil:
			return sum, ctx.Err()
		case errors.Is(err, ErrBlankPage):
			sum.Skipped++
		case err != nil:
			sum.Failed++
			r.logger.Warn("investigation failed", zap.String("identifier", t.Identifier), zap.String("url", t.URL), zap.Error(err))
		default:
			sum.Investigated++
			if res.Verdict.IsPhish() {
				sum.Phish++
			}
		}
		if progress != nil {
			progress(t, res)
		}
	}
	return sum, nil
}

// RunOne captures target, investigates it and stores the result. The
// target's working folder and stored artefacts are removed when the
// initial capture fails.
func (r *Runner) RunOne(ctx context.Context, t Target, session Session) (*domain.Result, error) {
	folder, err := r.workFolder(t.Identifier)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("creating work folder: %w", err)
	}
	shotPath := filepath.Join(folder, "shot.png")
	htmlPath := filepath.Join(folder, "index.html")

	snap, err := session.Capture(ctx, t.URL, shotPath, htmlPath)
	if err != nil {
		r.discard(ctx, t.Identifier, folder)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.ErrCaptureFailed(t.URL, err)
	}

	blank, err := r.isBlank(shotPath)
	if err != nil {
		r.logger.Debug("blank page check failed", zap.Error(err))
	}
	if blank {
		if err := r.sleep(ctx, r.cfg.BlankRecheckDelay); err != nil {
			return nil, err
		}
		snap, err = session.Save(ctx, shotPath, htmlPath)
		if err != nil {
			r.discard(ctx, t.Identifier, folder)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.ErrCaptureFailed(t.URL, err)
		}
		if blank, _ = r.isBlank(shotPath); blank {
			r.logger.Info("skipping blank page", zap.String("identifier", t.Identifier), zap.String("url", t.URL))
			return nil, ErrBlankPage
		}
	}

	if r.artefacts != nil {
		if err := r.artefacts.UploadSnapshot(ctx, t.Identifier, 0, snap); err != nil {
			r.logger.Warn("artefact upload failed", zap.Int("step", 0), zap.Error(err))
		}
	}

	out, err := r.orch.Investigate(ctx, t.Identifier, snap, session)
	if err != nil {
		return nil, err
	}

	res := domain.NewResult(t.Identifier, t.URL, out.Verdict, out.Timings, out.Steps)
	if err := r.sink.Save(ctx, res); err != nil {
		return res, fmt.Errorf("saving result: %w", err)
	}
	return res, nil
}

// discard removes what earlier runs left for identifier.
func (r *Runner) discard(ctx context.Context, identifier, folder string) {
	if err := os.RemoveAll(folder); err != nil {
		r.logger.Warn("removing work folder failed", zap.String("folder", folder), zap.Error(err))
	}
	if r.artefacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if err := r.artefacts.DeleteArtefacts(ctx, identifier); err != nil {
		r.logger.Warn("deleting stored artefacts failed", zap.String("identifier", identifier), zap.Error(err))
	}
}

// workFolder returns the folder for identifier, which must be a direct
// child of the work directory.
func (r *Runner) workFolder(identifier string) (string, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return "", err
	}
	root, err := filepath.Abs(r.cfg.WorkDir)
	if err != nil {
		return "", fmt.Errorf("resolving work dir: %w", err)
	}
	folder := filepath.Join(root, identifier)
	if filepath.Dir(folder) != root {
		return "", fmt.Errorf("%w: %q escapes the work dir", ErrInvalidIdentifier, identifier)
	}
	return folder, nil
}

func (r *Runner) isBlank(shotPath string) (bool, error) {
	if r.cfg.BlankThreshold <= 0 {
		return false, nil
	}
	data, err := os.ReadFile(shotPath)
	if err != nil {
		return false, err
	}
	ratio, err := imaging.WhiteRatio(data)
	if err != nil {
		return false, err
	}
	return ratio >= r.cfg.BlankThreshold, nil
}
