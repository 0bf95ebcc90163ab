package workflows

import (
	"time"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// Investigation statuses reported in InvestigationOutput
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// InvestigationInput is the input for the investigation workflow
type InvestigationInput struct {
	Identifier  string `json:"identifier"`
	URL         string `json:"url"`
	SubmittedBy string `json:"submitted_by,omitempty"`

	// Timeout bounds one investigation attempt, retries included.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// InvestigationOutput is the output of the investigation workflow
type InvestigationOutput struct {
	Identifier    string         `json:"identifier"`
	URL           string         `json:"url"`
	Status        string         `json:"status"`
	Result        *domain.Result `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CompletedAt   time.Time      `json:"completed_at"`
	TotalDuration time.Duration  `json:"total_duration"`
}

// InvestigateActivityOutput is what the investigate activity returns.
// Skipped is set when the page rendered blank.
type InvestigateActivityOutput struct {
	Result  *domain.Result `json:"result,omitempty"`
	Skipped bool           `json:"skipped"`
}

// PublishInput is the input for the publish activity
type PublishInput struct {
	Identifier string         `json:"identifier"`
	Status     string         `json:"status"`
	Result     *domain.Result `json:"result,omitempty"`
	Duration   time.Duration  `json:"duration"`
}
