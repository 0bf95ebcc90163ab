package investigation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/pipeline"
	"github.com/crpwatch/crpwatch/internal/workflows"
)

// Investigator runs a single target to a stored result.
type Investigator interface {
	RunOne(ctx context.Context, t pipeline.Target, session pipeline.Session) (*domain.Result, error)
}

// BrowserSession is a pipeline session owning a browser process.
type BrowserSession interface {
	pipeline.Session
	Close() error
}

// SessionFactory starts a fresh browser session for one activity.
type SessionFactory func(ctx context.Context) (BrowserSession, error)

// Publisher caches and announces stored results.
type Publisher interface {
	SetResult(ctx context.Context, result *domain.Result) error
	PublishResult(ctx context.Context, result *domain.Result) error
}

// Recorder receives activity and workflow metrics.
type Recorder interface {
	RecordActivityExecution(activityType, status string)
	RecordWorkflowComplete(workflowType, status string, duration time.Duration)
}

// Activity runs investigations inside Temporal activities
type Activity struct {
	runner    Investigator
	sessions  SessionFactory
	publisher Publisher
	metrics   Recorder
	logger    *zap.Logger
	heartbeat time.Duration
}

// Option customises an Activity.
type Option func(*Activity)

// WithPublisher sets where finished results are announced.
func WithPublisher(p Publisher) Option {
	return func(a *Activity) { a.publisher = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Recorder) Option {
	return func(a *Activity) { a.metrics = m }
}

// WithHeartbeatInterval sets how often a running investigation heartbeats.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Activity) { a.heartbeat = d }
}

// NewActivity creates a new investigation activity
func NewActivity(runner Investigator, sessions SessionFactory, logger *zap.Logger, opts ...Option) *Activity {
	a := &Activity{
		runner:    runner,
		sessions:  sessions,
		logger:    logger,
		heartbeat: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Investigate captures and investigates one URL on its own browser session.
func (a *Activity) Investigate(ctx context.Context, input workflows.InvestigationInput) (*workflows.InvestigateActivityOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Investigating", "identifier", input.Identifier, "url", input.URL)

	target, err := targetOf(input)
	if err != nil {
		a.record("failed")
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), workflows.ErrTypeInvalidTarget, err)
	}

	stop := a.keepAlive(ctx)
	defer stop()

	session, err := a.sessions(ctx)
	if err != nil {
		a.record("failed")
		return nil, fmt.Errorf("starting browser session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			a.logger.Warn("closing browser session", zap.Error(err))
		}
	}()

	res, err := a.runner.RunOne(ctx, target, session)
	switch {
	case errors.Is(err, pipeline.ErrBlankPage):
		a.record("skipped")
		return &workflows.InvestigateActivityOutput{Skipped: true}, nil
	case err != nil:
		a.record("failed")
		return nil, err
	}

	a.record("completed")
	logger.Info("Investigation finished",
		"identifier", res.Identifier,
		"verdict", string(res.Verdict.Kind),
		"target", res.Verdict.TargetOrNone(),
		"steps", res.Steps,
	)
	return &workflows.InvestigateActivityOutput{Result: res}, nil
}

// Publish caches the result of a finished workflow and announces it.
func (a *Activity) Publish(ctx context.Context, input workflows.PublishInput) error {
	if a.metrics != nil {
		a.metrics.RecordWorkflowComplete(workflows.InvestigateWorkflowName, input.Status, input.Duration)
	}
	if a.publisher == nil || input.Result == nil {
		return nil
	}

	if err := a.publisher.SetResult(ctx, input.Result); err != nil {
		return fmt.Errorf("caching result: %w", err)
	}
	if err := a.publisher.PublishResult(ctx, input.Result); err != nil {
		return fmt.Errorf("publishing result: %w", err)
	}
	return nil
}

func (a *Activity) record(status string) {
	if a.metrics != nil {
		a.metrics.RecordActivityExecution(workflows.InvestigateActivityName, status)
	}
}

// keepAlive heartbeats until the returned func is called.
func (a *Activity) keepAlive(ctx context.Context) func() {
	if !activity.IsActivity(ctx) || a.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func targetOf(input workflows.InvestigationInput) (pipeline.Target, error) {
	u, err := url.Parse(input.URL)
	if err != nil {
		return pipeline.Target{}, fmt.Errorf("parsing url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return pipeline.Target{}, fmt.Errorf("unsupported url %q", input.URL)
	}
	id := input.Identifier
	if id == "" {
		id = pipeline.IdentifierFor(input.URL)
	}
	if err := pipeline.ValidateIdentifier(id); err != nil {
		return pipeline.Target{}, err
	}
	return pipeline.Target{Identifier: id, URL: input.URL}, nil
}
