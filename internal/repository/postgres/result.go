package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/crpwatch/crpwatch/internal/domain"
)

// ResultRepository stores investigation results in PostgreSQL
type ResultRepository struct {
	db *sqlx.DB
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *sqlx.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// resultRow represents the database row structure
type resultRow struct {
	ID                  uuid.UUID      `db:"id"`
	Identifier          string         `db:"identifier"`
	URL                 string         `db:"url"`
	Verdict             string         `db:"verdict"`
	Target              sql.NullString `db:"target"`
	Reason              string         `db:"reason"`
	BrandRecognitionMS  int64          `db:"brand_recognition_ms"`
	CRPClassificationMS int64          `db:"crp_classification_ms"`
	CRPTransitionMS     int64          `db:"crp_transition_ms"`
	Steps               int            `db:"steps"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *resultRow) toDomain() *domain.Result {
	return &domain.Result{
		ID:         r.ID,
		Identifier: r.Identifier,
		URL:        r.URL,
		Verdict: domain.Verdict{
			Kind:   domain.VerdictKind(r.Verdict),
			Target: r.Target.String,
			Reason: r.Reason,
		},
		Timings: domain.Timings{
			BrandRecognition:  time.Duration(r.BrandRecognitionMS) * time.Millisecond,
			CRPClassification: time.Duration(r.CRPClassificationMS) * time.Millisecond,
			CRPTransition:     time.Duration(r.CRPTransitionMS) * time.Millisecond,
		},
		Steps:     r.Steps,
		CreatedAt: r.CreatedAt,
	}
}

const resultColumns = `
	id, identifier, url, verdict, target, reason,
	brand_recognition_ms, crp_classification_ms, crp_transition_ms,
	steps, created_at, updated_at
`

// Save inserts a result, replacing an earlier result for the same
// identifier.
func (r *ResultRepository) Save(ctx context.Context, result *domain.Result) error {
	query := `
		INSERT INTO investigation_results (` + resultColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (identifier) DO UPDATE SET
			url = EXCLUDED.url,
			verdict = EXCLUDED.verdict,
			target = EXCLUDED.target,
			reason = EXCLUDED.reason,
			brand_recognition_ms = EXCLUDED.brand_recognition_ms,
			crp_classification_ms = EXCLUDED.crp_classification_ms,
			crp_transition_ms = EXCLUDED.crp_transition_ms,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at
	`

	var target sql.NullString
	if result.Verdict.IsPhish() {
		target = sql.NullString{String: result.Verdict.Target, Valid: true}
	}
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		result.ID,
		result.Identifier,
		result.URL,
		string(result.Verdict.Kind),
		target,
		result.Verdict.Reason,
		result.Timings.BrandRecognition.Milliseconds(),
		result.Timings.CRPClassification.Milliseconds(),
		result.Timings.CRPTransition.Milliseconds(),
		result.Steps,
		result.CreatedAt,
		time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict("result id already used").WithCause(err)
		}
		return domain.ErrDatabase(err)
	}

	return nil
}

// Exists reports whether a result is stored for identifier
func (r *ResultRepository) Exists(ctx context.Context, identifier string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM investigation_results WHERE identifier = $1)`
	if err := r.db.GetContext(ctx, &exists, query, identifier); err != nil {
		return false, domain.ErrDatabase(err)
	}
	return exists, nil
}

// GetByIdentifier retrieves the result for an identifier
func (r *ResultRepository) GetByIdentifier(ctx context.Context, identifier string) (*domain.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM investigation_results WHERE identifier = $1`

	var row resultRow
	if err := r.db.GetContext(ctx, &row, query, identifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound("result", identifier).WithCause(domain.ErrResultNotFound)
		}
		return nil, domain.ErrDatabase(err)
	}

	return row.toDomain(), nil
}

// ListFilter narrows List.
type ListFilter struct {
	Verdict string
	Target  string
	Limit   int
	Offset  int
}

// List returns results newest first
func (r *ResultRepository) List(ctx context.Context, f ListFilter) ([]*domain.Result, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	query := `
		SELECT ` + resultColumns + `
		FROM investigation_results
		WHERE ($1 = '' OR verdict = $1)
		  AND ($2 = '' OR target = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	var rows []resultRow
	if err := r.db.SelectContext(ctx, &rows, query, f.Verdict, f.Target, f.Limit, f.Offset); err != nil {
		return nil, domain.ErrDatabase(err)
	}

	results := make([]*domain.Result, 0, len(rows))
	for i := range rows {
		results = append(results, rows[i].toDomain())
	}
	return results, nil
}

// TargetCount is the number of phishing results impersonating one brand.
type TargetCount struct {
	Target string `db:"target" json:"target"`
	Count  int    `db:"count" json:"count"`
}

// TopTargets returns the most impersonated brands
func (r *ResultRepository) TopTargets(ctx context.Context, limit int) ([]TargetCount, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT target, COUNT(*) AS count
		FROM investigation_results
		WHERE verdict = 'phish' AND target IS NOT NULL
		GROUP BY target
		ORDER BY count DESC, target
		LIMIT $1
	`
	var out []TargetCount
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, domain.ErrDatabase(err)
	}
	return out, nil
}

// Delete removes the result for identifier
func (r *ResultRepository) Delete(ctx context.Context, identifier string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM investigation_results WHERE identifier = $1`, identifier)
	if err != nil {
		return domain.ErrDatabase(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ErrDatabase(err)
	}
	if n == 0 {
		return domain.ErrNotFound("result", identifier).WithCause(domain.ErrResultNotFound)
	}
	return nil
}
