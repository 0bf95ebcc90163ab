package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/ocr"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("BRAND_VALIDATION_MODE", "liveness")
	t.Setenv("PIPELINE_WORK_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)

	s, err := Build(context.Background(), cfg, zap.NewNop(), Options{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.Orchestrator)
	assert.NotNil(t, s.Metrics)
	assert.NotNil(t, s.LLM)
	assert.Nil(t, s.DB)
	assert.Nil(t, s.Cache)
	assert.Nil(t, s.Artefacts)
	assert.NotNil(t, s.Runner(nil))

	bc := s.BrowserConfig()
	assert.Equal(t, cfg.Browser.ViewportWidth, bc.ViewportWidth)
	assert.Equal(t, cfg.Browser.LoadDelay, bc.LoadDelay)
}

func TestBuild_LogoModeCreatesBreaker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Brand.ValidationMode = "logo"

	s, err := Build(context.Background(), cfg, zap.NewNop(), Options{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer s.Close()

	states := s.Breakers.States()
	assert.Contains(t, states, "perception")
	assert.Contains(t, states, "image_search")
}

func TestOCRConfig(t *testing.T) {
	got := ocrConfig(config.OCRConfig{Languages: []string{"en", "fr"}, SureThreshold: 0.97, UnsureThreshold: 0.8, LocalBestWindow: 3})
	assert.Equal(t, ocr.Config{Languages: []string{"en", "fr"}, SureThreshold: 0.97, UnsureThreshold: 0.8, LocalBestWindow: 3}, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	calls := 0
	s := &Stack{closers: []func() error{func() error { calls++; return nil }}}
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		env, level string
		debug      bool
	}{
		{"production", "debug", true},
		{"development", "warn", false},
		{"development", "nonsense", false},
	}
	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			logger := NewLogger(tt.env, tt.level)
			require.NotNil(t, logger)
			assert.Equal(t, tt.debug, logger.Core().Enabled(zap.DebugLevel))
		})
	}
}
