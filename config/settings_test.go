package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySetting(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplySetting("solver.base_lr=0.01"))
	require.NoError(t, cfg.ApplySetting("model.arch=slowfast"))
	require.NoError(t, cfg.ApplySetting("train.batch_size=16"))
	require.NoError(t, cfg.ApplySetting("data.train_jitter_scales=[128, 160]"))
	require.NoError(t, cfg.ApplySetting("multigrid.long_cycle=true"))

	assert.Equal(t, 0.01, cfg.Solver.BaseLR)
	assert.Equal(t, "slowfast", cfg.Model.Arch)
	assert.Equal(t, 16, cfg.Train.BatchSize)
	assert.Equal(t, [2]int{128, 160}, cfg.Data.TrainJitterScales)
	assert.True(t, cfg.Multigrid.LongCycle)

	// Untouched fields keep their defaults.
	assert.Equal(t, "cosine", cfg.Solver.LRPolicy)
}

func TestApplySettingRejectsBadSpecs(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.ApplySetting("solver.base_lr"))
	require.Error(t, cfg.ApplySetting("train.batch_size=not-a-number"))
}
