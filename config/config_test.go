package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
train:
  batch_size: 16
solver:
  base_lr: 0.2
  max_epoch: 30
model:
  num_classes: 101
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden fields.
	assert.Equal(t, 16, cfg.Train.BatchSize)
	assert.Equal(t, 0.2, cfg.Solver.BaseLR)
	assert.Equal(t, 30, cfg.Solver.MaxEpoch)
	assert.Equal(t, 101, cfg.Model.NumClasses)

	// Untouched fields keep their defaults.
	def := Default()
	assert.Equal(t, def.Data.NumFrames, cfg.Data.NumFrames)
	assert.Equal(t, def.Solver.LRPolicy, cfg.Solver.LRPolicy)
	assert.Equal(t, def.LogPeriod, cfg.LogPeriod)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
train:
  batch_size: 0
`), 0644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestValidateStepsPolicy(t *testing.T) {
	cfg := Default()
	cfg.Solver.LRPolicy = "steps"
	require.Error(t, cfg.Validate(), "steps policy without steps must fail")

	cfg.Solver.Steps = []int{0, 40, 80}
	cfg.Solver.LRs = []float64{1, 0.1, 0.01}
	require.NoError(t, cfg.Validate())

	cfg.Solver.Steps = []int{10, 40, 80}
	require.Error(t, cfg.Validate(), "steps must start at epoch 0")
}

func TestLRAtCosine(t *testing.T) {
	s := &Solver{
		LRPolicy:      "cosine",
		BaseLR:        0.1,
		CosineEndLR:   0.0,
		MaxEpoch:      100,
		WarmupEpochs:  0,
		WarmupStartLR: 0,
	}
	assert.InDelta(t, 0.1, s.LRAt(0), 1e-9)
	assert.InDelta(t, 0.05, s.LRAt(50), 1e-9)
	assert.InDelta(t, 0.0, s.LRAt(100), 1e-9)

	// The schedule must be non-increasing.
	prev := s.LRAt(0)
	for e := 1; e <= 100; e++ {
		cur := s.LRAt(float64(e))
		assert.LessOrEqual(t, cur, prev+1e-12)
		prev = cur
	}

	// Past the horizon the cosine holds at the end value instead of
	// climbing back up.
	assert.InDelta(t, 0.0, s.LRAt(120), 1e-9)
}

func TestStretchSchedule(t *testing.T) {
	s := &Solver{
		LRPolicy:      "cosine",
		BaseLR:        0.1,
		CosineEndLR:   0.0,
		MaxEpoch:      100,
		WarmupEpochs:  5,
		WarmupStartLR: 0.01,
	}
	s.StretchSchedule(150)
	assert.Equal(t, 150, s.MaxEpoch)

	// Non-increasing past warmup over the whole stretched run.
	prev := s.LRAt(s.WarmupEpochs)
	for e := 6; e <= 150; e++ {
		cur := s.LRAt(float64(e))
		assert.LessOrEqual(t, cur, prev+1e-12, "LR climbed at epoch %d", e)
		prev = cur
	}
	assert.InDelta(t, 0.0, s.LRAt(150), 1e-9)

	// A shorter run leaves the schedule alone.
	s.StretchSchedule(100)
	assert.Equal(t, 150, s.MaxEpoch)

	// Step boundaries scale with the run; the original slice is untouched.
	steps := []int{0, 40, 80}
	st := &Solver{
		LRPolicy: "steps",
		BaseLR:   0.1,
		MaxEpoch: 100,
		Steps:    steps,
		LRs:      []float64{1, 0.1, 0.01},
	}
	st.StretchSchedule(150)
	assert.Equal(t, []int{0, 60, 120}, st.Steps)
	assert.Equal(t, []int{0, 40, 80}, steps)
	assert.InDelta(t, 0.1, st.LRAt(59), 1e-9)
	assert.InDelta(t, 0.01, st.LRAt(60), 1e-9)
}

func TestValidateRejectsZeroLogPeriod(t *testing.T) {
	cfg := Default()
	cfg.LogPeriod = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_period")
}

func TestLRAtWarmup(t *testing.T) {
	s := &Solver{
		LRPolicy:      "cosine",
		BaseLR:        0.1,
		MaxEpoch:      100,
		WarmupEpochs:  5,
		WarmupStartLR: 0.01,
	}
	assert.InDelta(t, 0.01, s.LRAt(0), 1e-9)

	// Warmup ends exactly at the policy value and ramps monotonically.
	end := s.policyLR(5)
	assert.InDelta(t, end, s.LRAt(5), 1e-9)
	assert.Greater(t, s.LRAt(2.5), s.LRAt(0))
	assert.Less(t, s.LRAt(2.5), s.LRAt(4.9))
}

func TestLRAtSteps(t *testing.T) {
	s := &Solver{
		LRPolicy: "steps",
		BaseLR:   0.1,
		MaxEpoch: 100,
		Steps:    []int{0, 40, 80},
		LRs:      []float64{1, 0.1, 0.01},
	}
	assert.InDelta(t, 0.1, s.LRAt(10), 1e-9)
	assert.InDelta(t, 0.01, s.LRAt(45), 1e-9)
	assert.InDelta(t, 0.001, s.LRAt(90), 1e-9)
}
