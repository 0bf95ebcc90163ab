package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crpwatch/crpwatch/internal/domain"
)

func TestResultRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := SetupTestDB(t)
	defer testDB.Cleanup(t)

	repo := NewRepositories(testDB.Sqlx()).Results
	ctx := context.Background()

	phish := domain.NewResult("case-1", "https://paypa1-secure.com/login", domain.Phish("paypal.com"), domain.Timings{
		BrandRecognition:  1500 * time.Millisecond,
		CRPClassification: 700 * time.Millisecond,
	}, 2)

	t.Run("Migrate is idempotent", func(t *testing.T) {
		require.NoError(t, testDB.DB.Migrate(ctx))
		require.NoError(t, testDB.DB.Health(ctx))
	})

	t.Run("Save and GetByIdentifier", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, phish))

		got, err := repo.GetByIdentifier(ctx, "case-1")
		require.NoError(t, err)
		assert.Equal(t, phish.ID, got.ID)
		assert.Equal(t, domain.VerdictPhish, got.Verdict.Kind)
		assert.Equal(t, "paypal.com", got.Verdict.Target)
		assert.Equal(t, domain.ReasonCredentialPage, got.Verdict.Reason)
		assert.Equal(t, 1500*time.Millisecond, got.Timings.BrandRecognition)
		assert.Equal(t, 2, got.Steps)
	})

	t.Run("Exists", func(t *testing.T) {
		ok, err := repo.Exists(ctx, "case-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Exists(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Save replaces by identifier", func(t *testing.T) {
		again := domain.NewResult("case-1", "https://paypa1-secure.com/login", domain.Benign(domain.ReasonValidation), domain.Timings{}, 1)
		require.NoError(t, repo.Save(ctx, again))

		got, err := repo.GetByIdentifier(ctx, "case-1")
		require.NoError(t, err)
		assert.Equal(t, domain.VerdictBenign, got.Verdict.Kind)
		assert.Empty(t, got.Verdict.Target)
		assert.Equal(t, phish.ID, got.ID)
	})

	t.Run("GetByIdentifier not found", func(t *testing.T) {
		_, err := repo.GetByIdentifier(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrResultNotFound))
		assert.Equal(t, 404, domain.HTTPStatusOf(err))
	})

	t.Run("List and TopTargets", func(t *testing.T) {
		testDB.TruncateTables(t)
		for i, target := range []string{"paypal.com", "paypal.com", "dhl.com"} {
			r := domain.NewResult(string(rune('a'+i)), "https://x.test", domain.Phish(target), domain.Timings{}, 1)
			require.NoError(t, repo.Save(ctx, r))
		}
		require.NoError(t, repo.Save(ctx, domain.NewResult("d", "https://y.test", domain.Benign(domain.ReasonNoBrand), domain.Timings{}, 1)))

		all, err := repo.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		phishOnly, err := repo.List(ctx, ListFilter{Verdict: "phish", Target: "paypal.com"})
		require.NoError(t, err)
		assert.Len(t, phishOnly, 2)

		top, err := repo.TopTargets(ctx, 5)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, TargetCount{Target: "paypal.com", Count: 2}, top[0])
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "d"))
		err := repo.Delete(ctx, "d")
		assert.True(t, errors.Is(err, domain.ErrResultNotFound))
	})
}
