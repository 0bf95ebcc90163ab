package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/domain"
	"github.com/crpwatch/crpwatch/internal/pipeline"
	"github.com/crpwatch/crpwatch/internal/repository/postgres"
	"github.com/crpwatch/crpwatch/internal/storage"
	"github.com/crpwatch/crpwatch/internal/temporal"
	"github.com/crpwatch/crpwatch/internal/workflows"
	"github.com/crpwatch/crpwatch/pkg/httputil"
)

// ResultStore reads stored investigation results.
type ResultStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (*domain.Result, error)
	List(ctx context.Context, f postgres.ListFilter) ([]*domain.Result, error)
	TopTargets(ctx context.Context, limit int) ([]postgres.TargetCount, error)
}

// ResultCache is a read-through cache in front of the ResultStore.
type ResultCache interface {
	GetResult(ctx context.Context, identifier string) (*domain.Result, error)
	SetResult(ctx context.Context, result *domain.Result) error
	InvalidateResult(ctx context.Context, identifier string) error
}

// ArtefactLinker lists stored step artefacts and signs download links.
type ArtefactLinker interface {
	ListArtefacts(ctx context.Context, identifier string) ([]string, error)
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// WorkflowStarter starts and inspects investigation workflows.
type WorkflowStarter interface {
	StartInvestigation(ctx context.Context, identifier string, workflow interface{}, input interface{}) (client.WorkflowRun, error)
	GetWorkflowStatus(ctx context.Context, workflowID, runID string) (*temporal.WorkflowStatus, error)
}

// WorkflowRecorder counts started workflows.
type WorkflowRecorder interface {
	RecordWorkflowStart(workflowType string)
}

// InvestigationHandler handles investigation related requests
type InvestigationHandler struct {
	results ResultStore
	cache   ResultCache
	starter WorkflowStarter
	metrics WorkflowRecorder
	links   ArtefactLinker
	expiry  time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// InvestigationHandlerConfig holds the handler's collaborators. Cache,
// Starter, Metrics and Artefacts are optional.
type InvestigationHandlerConfig struct {
	Results   ResultStore
	Cache     ResultCache
	Starter   WorkflowStarter
	Metrics   WorkflowRecorder
	Artefacts ArtefactLinker
	// LinkExpiry defaults to 15 minutes.
	LinkExpiry time.Duration
	Timeout    time.Duration
	Logger     *zap.Logger
}

// NewInvestigationHandler creates a new investigation handler
func NewInvestigationHandler(cfg InvestigationHandlerConfig) *InvestigationHandler {
	expiry := cfg.LinkExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &InvestigationHandler{
		results: cfg.Results,
		cache:   cfg.Cache,
		starter: cfg.Starter,
		metrics: cfg.Metrics,
		links:   cfg.Artefacts,
		expiry:  expiry,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// ResultResponse is the API representation of a result
type ResultResponse struct {
	Identifier string      `json:"identifier"`
	URL        string      `json:"url"`
	Verdict    string      `json:"verdict"`
	Target     string      `json:"target,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Steps      int         `json:"steps"`
	Timings    TimingsBody `json:"timings"`
	CreatedAt  string      `json:"created_at"`
	// Screenshots are presigned links, one per uploaded step.
	Screenshots []string `json:"screenshots,omitempty"`
}

// TimingsBody reports stage timings in seconds
type TimingsBody struct {
	BrandRecognition  float64 `json:"brand_recognition"`
	CRPClassification float64 `json:"crp_classification"`
	CRPTransition     float64 `json:"crp_transition"`
}

func toResultResponse(r *domain.Result) ResultResponse {
	return ResultResponse{
		Identifier: r.Identifier,
		URL:        r.URL,
		Verdict:    string(r.Verdict.Kind),
		Target:     r.Verdict.Target,
		Reason:     r.Verdict.Reason,
		Steps:      r.Steps,
		Timings: TimingsBody{
			BrandRecognition:  r.Timings.BrandRecognition.Seconds(),
			CRPClassification: r.Timings.CRPClassification.Seconds(),
			CRPTransition:     r.Timings.CRPTransition.Seconds(),
		},
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// SubmitRequest is the request body for submitting a URL
type SubmitRequest struct {
	URL        string `json:"url"`
	Identifier string `json:"identifier,omitempty"`
}

// SubmitResponse acknowledges a started investigation
type SubmitResponse struct {
	Identifier string `json:"identifier"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
}

// Submit handles POST /api/v1/investigations
func (h *InvestigationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if err := validateURL(req.URL); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	if h.starter == nil {
		httputil.JSONError(w, http.StatusServiceUnavailable, domain.ErrCodeServiceUnavail, "Workflow engine not configured", nil)
		return
	}

	identifier := req.Identifier
	if identifier == "" {
		identifier = pipeline.IdentifierFor(req.URL)
	} else if err := pipeline.ValidateIdentifier(identifier); err != nil {
		httputil.ErrorFromDomain(w, domain.ErrValidation("identifier may only contain letters, digits, '.', '_' and '-'").WithDetails(err.Error()))
		return
	}

	input := workflows.InvestigationInput{
		Identifier:  identifier,
		URL:         req.URL,
		SubmittedBy: "api",
		Timeout:     h.timeout,
	}
	run, err := h.starter.StartInvestigation(r.Context(), identifier, workflows.InvestigateWorkflowName, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			httputil.JSONError(w, http.StatusConflict, domain.ErrCodeConflict,
				"Investigation already running", map[string]any{"identifier": identifier})
			return
		}
		h.logger.Error("Failed to start workflow", zap.String("identifier", identifier), zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			httputil.ErrorFromDomain(w, domain.ErrTimeout("starting investigation"))
			return
		}
		httputil.ErrorFromDomain(w, domain.ErrExternalAPI("temporal", err))
		return
	}
	if h.metrics != nil {
		h.metrics.RecordWorkflowStart(workflows.InvestigateWorkflowName)
	}
	// A resubmission replaces the stored result once it completes.
	if h.cache != nil {
		if err := h.cache.InvalidateResult(r.Context(), identifier); err != nil {
			h.logger.Warn("result cache invalidation failed", zap.String("identifier", identifier), zap.Error(err))
		}
	}

	h.logger.Info("Investigation submitted",
		zap.String("identifier", identifier),
		zap.String("url", req.URL),
		zap.String("workflow_id", run.GetID()),
	)

	httputil.JSON(w, http.StatusAccepted, SubmitResponse{
		Identifier: identifier,
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
		Status:     "running",
	})
}

// Get handles GET /api/v1/investigations/{identifier}
func (h *InvestigationHandler) Get(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	ctx := r.Context()

	if h.cache != nil {
		if res, err := h.cache.GetResult(ctx, identifier); err != nil {
			h.logger.Warn("result cache read failed", zap.Error(err))
		} else if res != nil {
			httputil.JSON(w, http.StatusOK, h.withScreenshots(ctx, toResultResponse(res)))
			return
		}
	}

	res, err := h.results.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrResultNotFound) {
			h.pending(ctx, w, identifier, err)
			return
		}
		httputil.ErrorFromDomain(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetResult(ctx, res); err != nil {
			h.logger.Warn("result cache write failed", zap.Error(err))
		}
	}
	httputil.JSON(w, http.StatusOK, h.withScreenshots(ctx, toResultResponse(res)))
}

// pending answers a lookup with no stored result from the state of the
// identifier's workflow. Without a workflow notFound is returned as is.
func (h *InvestigationHandler) pending(ctx context.Context, w http.ResponseWriter, identifier string, notFound error) {
	if h.starter == nil {
		httputil.ErrorFromDomain(w, notFound)
		return
	}
	status, err := h.starter.GetWorkflowStatus(ctx, temporal.WorkflowID(identifier), "")
	if err != nil {
		httputil.ErrorFromDomain(w, notFound)
		return
	}

	switch {
	case status.IsRunning():
		httputil.JSON(w, http.StatusAccepted, map[string]string{
			"identifier": identifier,
			"status":     "running",
		})
	case status.IsFailed():
		httputil.ErrorFromDomain(w, domain.ErrInvestigationNotFound(identifier).
			WithMetadata("workflow_status", "failed"))
	case status.IsCompleted():
		// Blank pages and failed captures finish without a result.
		httputil.ErrorFromDomain(w, domain.ErrInvestigationNotFound(identifier).
			WithMetadata("workflow_status", "completed"))
	default:
		httputil.ErrorFromDomain(w, domain.ErrInvestigationNotFound(identifier).
			WithMetadata("workflow_status", strings.ToLower(status.Status)))
	}
}

// withScreenshots attaches presigned links to the step screenshots. Storage
// errors leave the response without links.
func (h *InvestigationHandler) withScreenshots(ctx context.Context, resp ResultResponse) ResultResponse {
	if h.links == nil {
		return resp
	}
	keys, err := h.links.ListArtefacts(ctx, resp.Identifier)
	if err != nil {
		h.logger.Warn("listing artefacts failed", zap.String("identifier", resp.Identifier), zap.Error(err))
		return resp
	}
	for _, key := range keys {
		if path.Base(key) != storage.ScreenshotObject {
			continue
		}
		link, err := h.links.GetPresignedURL(ctx, key, h.expiry)
		if err != nil {
			h.logger.Warn("signing artefact link failed", zap.String("key", key), zap.Error(err))
			continue
		}
		resp.Screenshots = append(resp.Screenshots, link)
	}
	return resp
}

// List handles GET /api/v1/investigations
func (h *InvestigationHandler) List(w http.ResponseWriter, r *http.Request) {
	pagination := httputil.GetPagination(r, 50, 500)
	filter := postgres.ListFilter{
		Verdict: r.URL.Query().Get("verdict"),
		Target:  r.URL.Query().Get("target"),
		Limit:   pagination.PerPage,
		Offset:  pagination.Offset,
	}
	switch filter.Verdict {
	case "", string(domain.VerdictPhish), string(domain.VerdictBenign):
	default:
		httputil.ErrorFromDomain(w, domain.ErrValidation("verdict must be phish or benign"))
		return
	}

	results, err := h.results.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list results", zap.Error(err))
		httputil.ErrorFromDomain(w, err)
		return
	}

	response := make([]ResultResponse, len(results))
	for i, res := range results {
		response[i] = toResultResponse(res)
	}

	httputil.JSONWithMeta(w, http.StatusOK, response, &httputil.Meta{
		Page:    pagination.Page,
		PerPage: pagination.PerPage,
		Count:   len(response),
	})
}

// TopTargets handles GET /api/v1/targets
func (h *InvestigationHandler) TopTargets(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	targets, err := h.results.TopTargets(r.Context(), limit)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, targets)
}

func validateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return domain.ErrValidation("invalid url").WithDetails(err.Error())
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return domain.ErrValidation("URL must use http or https scheme")
	}

	if parsed.Host == "" {
		return domain.ErrValidation("URL must have a host")
	}

	return nil
}
