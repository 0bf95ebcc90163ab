package investigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/pipeline"
	"github.com/crpwatch/crpwatch/internal/workflows"
)

type fakeSession struct {
	pipeline.Session
	closed bool
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeRunner struct {
	got    pipeline.Target
	result *domain.Result
	err    error
}

func (r *fakeRunner) RunOne(_ context.Context, t pipeline.Target, _ pipeline.Session) (*domain.Result, error) {
	r.got = t
	return r.result, r.err
}

type fakePublisher struct {
	cached    []string
	published []string
	err       error
}

func (p *fakePublisher) SetResult(_ context.Context, r *domain.Result) error {
	if p.err != nil {
		return p.err
	}
	p.cached = append(p.cached, r.Identifier)
	return nil
}

func (p *fakePublisher) PublishResult(_ context.Context, r *domain.Result) error {
	p.published = append(p.published, r.Identifier)
	return nil
}

type fakeRecorder struct {
	activities []string
	workflows  []string
}

func (r *fakeRecorder) RecordActivityExecution(_, status string) {
	r.activities = append(r.activities, status)
}

func (r *fakeRecorder) RecordWorkflowComplete(_, status string, _ time.Duration) {
	r.workflows = append(r.workflows, status)
}

type harness struct {
	env       *testsuite.TestActivityEnvironment
	runner    *fakeRunner
	session   *fakeSession
	publisher *fakePublisher
	metrics   *fakeRecorder
}

func newHarness(sessionErr error) *harness {
	var suite testsuite.WorkflowTestSuite
	h := &harness{
		env:       suite.NewTestActivityEnvironment(),
		runner:    &fakeRunner{},
		session:   &fakeSession{},
		publisher: &fakePublisher{},
		metrics:   &fakeRecorder{},
	}
	sessions := func(context.Context) (BrowserSession, error) {
		if sessionErr != nil {
			return nil, sessionErr
		}
		return h.session, nil
	}
	a := NewActivity(h.runner, sessions, zap.NewNop(),
		WithPublisher(h.publisher),
		WithMetrics(h.metrics),
		WithHeartbeatInterval(time.Hour),
	)
	RegisterActivities(h.env, a)
	return h
}

func (h *harness) investigate(t *testing.T, in workflows.InvestigationInput) (*workflows.InvestigateActivityOutput, error) {
	t.Helper()
	val, err := h.env.ExecuteActivity(workflows.InvestigateActivityName, in)
	if err != nil {
		return nil, err
	}
	var out workflows.InvestigateActivityOutput
	require.NoError(t, val.Get(&out))
	return &out, nil
}

func TestInvestigate(t *testing.T) {
	h := newHarness(nil)
	h.runner.result = domain.NewResult("id-1", "https://login.example.net", domain.Phish("example.com"), domain.Timings{}, 1)

	out, err := h.investigate(t, workflows.InvestigationInput{Identifier: "id-1", URL: "https://login.example.net"})
	require.NoError(t, err)

	require.NotNil(t, out.Result)
	assert.Equal(t, "example.com", out.Result.Verdict.Target)
	assert.False(t, out.Skipped)
	assert.Equal(t, pipeline.Target{Identifier: "id-1", URL: "https://login.example.net"}, h.runner.got)
	assert.True(t, h.session.closed)
	assert.Equal(t, []string{"completed"}, h.metrics.activities)
}

func TestInvestigate_DerivesIdentifier(t *testing.T) {
	h := newHarness(nil)
	h.runner.result = domain.NewResult("x", "https://a.test", domain.Benign(domain.ReasonNoBrand), domain.Timings{}, 1)

	_, err := h.investigate(t, workflows.InvestigationInput{URL: "https://a.test"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.IdentifierFor("https://a.test"), h.runner.got.Identifier)
}

func TestInvestigate_BlankPageIsSkipped(t *testing.T) {
	h := newHarness(nil)
	h.runner.err = pipeline.ErrBlankPage

	out, err := h.investigate(t, workflows.InvestigationInput{Identifier: "b", URL: "https://blank.test"})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, []string{"skipped"}, h.metrics.activities)
}

func TestInvestigate_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://files.test/a", "not a url", "https://"} {
		t.Run(raw, func(t *testing.T) {
			h := newHarness(nil)
			_, err := h.investigate(t, workflows.InvestigationInput{Identifier: "x", URL: raw})
			require.Error(t, err)

			var appErr *temporal.ApplicationError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, workflows.ErrTypeInvalidTarget, appErr.Type())
			assert.True(t, appErr.NonRetryable())
			assert.Empty(t, h.runner.got.URL)
		})
	}
}

func TestInvestigate_InvalidIdentifier(t *testing.T) {
	h := newHarness(nil)
	_, err := h.investigate(t, workflows.InvestigationInput{Identifier: "../..", URL: "http://nonexistent.invalid"})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, workflows.ErrTypeInvalidTarget, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.Empty(t, h.runner.got.URL)
}

func TestInvestigate_SessionFailure(t *testing.T) {
	h := newHarness(errors.New("playwright not installed"))

	_, err := h.investigate(t, workflows.InvestigationInput{Identifier: "x", URL: "https://a.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "playwright not installed")
	assert.Equal(t, []string{"failed"}, h.metrics.activities)
}

func TestInvestigate_RunnerFailureClosesSession(t *testing.T) {
	h := newHarness(nil)
	h.runner.err = domain.ErrCaptureFailed("https://a.test", errors.New("net::ERR_NAME_NOT_RESOLVED"))

	_, err := h.investigate(t, workflows.InvestigationInput{Identifier: "x", URL: "https://a.test"})
	require.Error(t, err)
	assert.True(t, h.session.closed)
}

func TestPublish(t *testing.T) {
	h := newHarness(nil)
	res := domain.NewResult("id-9", "https://a.test", domain.Benign(domain.ReasonSameDomain), domain.Timings{}, 1)

	_, err := h.env.ExecuteActivity(workflows.PublishActivityName, workflows.PublishInput{
		Identifier: "id-9",
		Status:     workflows.StatusCompleted,
		Result:     res,
		Duration:   time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id-9"}, h.publisher.cached)
	assert.Equal(t, []string{"id-9"}, h.publisher.published)
	assert.Equal(t, []string{workflows.StatusCompleted}, h.metrics.workflows)
}

func TestPublish_WithoutResult(t *testing.T) {
	h := newHarness(nil)

	_, err := h.env.ExecuteActivity(workflows.PublishActivityName, workflows.PublishInput{Identifier: "f", Status: workflows.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, h.publisher.cached)
	assert.Equal(t, []string{workflows.StatusFailed}, h.metrics.workflows)
}

func TestPublish_CacheFailure(t *testing.T) {
	h := newHarness(nil)
	h.publisher.err = errors.New("connection refused")
	res := domain.NewResult("id-3", "https://a.test", domain.Benign(domain.ReasonNoBrand), domain.Timings{}, 1)

	_, err := h.env.ExecuteActivity(workflows.PublishActivityName, workflows.PublishInput{Identifier: "id-3", Status: workflows.StatusCompleted, Result: res})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "caching result")
}
