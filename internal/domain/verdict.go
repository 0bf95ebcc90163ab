package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VerdictKind is the terminal classification of an investigation.
type VerdictKind string

const (
	VerdictBenign VerdictKind = "benign"
	VerdictPhish  VerdictKind = "phish"
)

// Verdict is the immutable outcome of the decision pipeline. Target is set
// only for phishing verdicts.
type Verdict struct {
	Kind   VerdictKind `json:"kind"`
	Target string      `json:"target,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Benign builds a benign verdict with the reason that terminated the run.
func Benign(reason string) Verdict {
	return Verdict{Kind: VerdictBenign, Reason: reason}
}

// Phish builds a phishing verdict against target.
func Phish(target string) Verdict {
	return Verdict{Kind: VerdictPhish, Target: target, Reason: ReasonCredentialPage}
}

// IsPhish reports whether the verdict flags phishing.
func (v Verdict) IsPhish() bool { return v.Kind == VerdictPhish }

// TargetOrNone returns the target domain, or "None" for benign verdicts.
func (v Verdict) TargetOrNone() string {
	if v.Kind != VerdictPhish || v.Target == "" {
		return "None"
	}
	return v.Target
}

// Verdict reasons recorded with benign outcomes.
const (
	ReasonNoBrand         = "no_brand"
	ReasonSameDomain      = "brand_matches_url"
	ReasonValidation      = "brand_validation_failed"
	ReasonCredentialPage  = "credential_page"
	ReasonHostingProvider = "hosting_provider"
	ReasonDepthExhausted  = "interaction_limit"
	ReasonNoCandidates    = "no_clickable_candidates"
	ReasonClickFailed     = "click_failed"
	ReasonSnapshotMissing = "snapshot_unreadable"
)

// Timings accumulates time spent in the expensive stages.
type Timings struct {
	BrandRecognition  time.Duration `json:"brand_recognition"`
	CRPClassification time.Duration `json:"crp_classification"`
	CRPTransition     time.Duration `json:"crp_transition"`
}

// PipelineState is the context threaded through one investigation.
type PipelineState struct {
	Snapshot    PageSnapshot
	Hypothesis  *BrandHypothesis
	Depth       int
	PageChanged bool
	SkipBrand   bool
	Timings     Timings
}

// Result is the record produced for every investigated URL.
type Result struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Identifier string    `json:"identifier" db:"identifier"`
	URL        string    `json:"url" db:"url"`
	Verdict    Verdict   `json:"verdict" db:"-"`
	Timings    Timings   `json:"timings" db:"-"`
	Steps      int       `json:"steps" db:"steps"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NewResult creates a result record for identifier.
func NewResult(identifier, url string, verdict Verdict, timings Timings, steps int) *Result {
	return &Result{
		ID:         uuid.New(),
		Identifier: identifier,
		URL:        url,
		Verdict:    verdict,
		Timings:    timings,
		Steps:      steps,
		CreatedAt:  time.Now().UTC(),
	}
}

// TSV renders the result as a tab separated line without trailing newline.
func (r *Result) TSV() string {
	return fmt.Sprintf("%s\t%s\t%s\t%.4f\t%.4f\t%.4f",
		r.Identifier,
		r.Verdict.Kind,
		r.Verdict.TargetOrNone(),
		r.Timings.BrandRecognition.Seconds(),
		r.Timings.CRPClassification.Seconds(),
		r.Timings.CRPTransition.Seconds(),
	)
}
