package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/logger"
)

func TestBuildWithoutBackends(t *testing.T) {
	cfg := config.GetDefaults()
	s, err := Build(context.Background(), cfg, logger.NewNop(), Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Cache)
	assert.Nil(t, s.Incidents)
	require.NotNil(t, s.Moderator)

	out, err := s.Moderator.Detect(context.Background(), "only men", "test")
	require.NoError(t, err)
	assert.True(t, out.Result.HasBias)
}

func TestBuildSkipsDisabledBackends(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Cache.Enabled = true
	cfg.Database.Enabled = true

	s, err := Build(context.Background(), cfg, logger.NewNop(), Options{SkipCache: true, SkipStorage: true})
	require.NoError(t, err)
	assert.Nil(t, s.Cache)
	assert.Nil(t, s.Incidents)
}

func TestBuildRejectsInvalidRules(t *testing.T) {
	cfg := config.GetDefaults()
	cfg.Bias.Categories = []config.CategoryConfig{{Name: "x", Patterns: []string{"("}, Alternatives: []string{"y"}}}

	_, err := Build(context.Background(), cfg, logger.NewNop(), Options{})
	assert.Error(t, err)
}
