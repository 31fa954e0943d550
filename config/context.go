package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Hyperparameter keys consumed by the model graphs (package models).
const (
	ParamNumClasses = "num_classes"
	ParamNumFrames  = "num_frames"
)

// NewContext creates a GoMLX context seeded from the config, with the solver
// and model hyperparameters projected into context parameters, the way the
// optimizer and layer builders expect to find them.
func (cfg *Config) NewContext() (*context.Context, error) {
	ctx := context.New()
	if err := ctx.SetRNGStateFromSeed(cfg.RNGSeed); err != nil {
		return nil, errors.Wrap(err, "failed to seed the context RNG")
	}
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    cfg.Solver.Optimizer,
		optimizers.ParamLearningRate: cfg.Solver.BaseLR,
		regularizers.ParamL2:         cfg.Solver.WeightDecay,

		layers.ParamDropoutRate:   cfg.Model.DropoutRate,
		layers.ParamNormalization: "batch",

		ParamNumClasses: cfg.Model.NumClasses,
		ParamNumFrames:  cfg.Data.NumFrames,
	})
	return ctx, nil
}
