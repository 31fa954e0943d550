// Package config defines the experiment configuration for vidtrain.
//
// Configurations are plain YAML files organized in sections (train, data,
// solver, model, bn, multigrid, test, loader, dist). A file only needs to
// list the fields it wants to change: everything else comes from Default().
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the root of an experiment configuration.
type Config struct {
	// OutputDir receives checkpoints, training plot points and eval scatter
	// plots. Created if missing.
	OutputDir string `yaml:"output_dir"`

	// RNGSeed seeds model initialization and data shuffling.
	RNGSeed int64 `yaml:"rng_seed"`

	// LogPeriod is the number of iterations between meter log lines.
	LogPeriod int `yaml:"log_period"`

	Train     Train     `yaml:"train"`
	Data      Data      `yaml:"data"`
	Solver    Solver    `yaml:"solver"`
	Model     Model     `yaml:"model"`
	BN        BN        `yaml:"bn"`
	Multigrid Multigrid `yaml:"multigrid"`
	Test      Test      `yaml:"test"`
	Loader    Loader    `yaml:"loader"`
	Dist      Dist      `yaml:"dist"`
}

// Train holds the training-loop settings.
type Train struct {
	Enable bool `yaml:"enable"`

	// BatchSize is the per-worker batch size.
	BatchSize int `yaml:"batch_size"`

	// EvalPeriod and CheckpointPeriod are in epochs.
	EvalPeriod       int `yaml:"eval_period"`
	CheckpointPeriod int `yaml:"checkpoint_period"`

	// AutoResume reloads the latest checkpoint in OutputDir before training.
	AutoResume bool `yaml:"auto_resume"`

	// NumCheckpoints is how many checkpoints to keep.
	NumCheckpoints int `yaml:"num_checkpoints"`
}

// Data describes the dataset and the clip sampling geometry.
type Data struct {
	// Dir contains train.csv, val.csv and test.csv annotation files, each
	// listing `<video path> <label>` rows, plus the referenced videos.
	Dir string `yaml:"dir"`

	// NumFrames is the number of frames per clip fed to the model.
	NumFrames int `yaml:"num_frames"`

	// SamplingRate is the stride, in video frames, between sampled frames.
	SamplingRate int `yaml:"sampling_rate"`

	// TrainJitterScales is the [min, max] short-side scale range used for
	// spatial jittering during training.
	TrainJitterScales [2]int `yaml:"train_jitter_scales"`

	// TrainCropSize and TestCropSize are the square crop sizes.
	TrainCropSize int `yaml:"train_crop_size"`
	TestCropSize  int `yaml:"test_crop_size"`

	// Mean and Std normalize each RGB channel.
	Mean [3]float32 `yaml:"mean"`
	Std  [3]float32 `yaml:"std"`

	// RandomFlip enables horizontal flipping during training.
	RandomFlip bool `yaml:"random_flip"`
}

// Solver holds optimizer and learning-rate schedule settings.
type Solver struct {
	// Optimizer is any optimizer known to GoMLX ("sgd", "adam", "adamw", ...).
	Optimizer string `yaml:"optimizer"`

	BaseLR      float64 `yaml:"base_lr"`
	WeightDecay float64 `yaml:"weight_decay"`

	// LRPolicy is "cosine" or "steps".
	LRPolicy string `yaml:"lr_policy"`

	// CosineEndLR is the final learning rate of the cosine policy.
	CosineEndLR float64 `yaml:"cosine_end_lr"`

	// Steps/LRs define the stepwise policy: LR is BaseLR*LRs[i] for epochs in
	// [Steps[i], Steps[i+1]). Steps[0] must be 0 and len(LRs) == len(Steps).
	Steps []int     `yaml:"steps"`
	LRs   []float64 `yaml:"lrs"`

	// WarmupEpochs linearly ramps the LR from WarmupStartLR to the policy
	// value over the first epochs. Fractional values are allowed.
	WarmupEpochs  float64 `yaml:"warmup_epochs"`
	WarmupStartLR float64 `yaml:"warmup_start_lr"`

	// MaxEpoch is the number of training epochs (before any multigrid
	// adjustment).
	MaxEpoch int `yaml:"max_epoch"`
}

// Model selects the video architecture.
type Model struct {
	// Arch is a key into models.Registry ("c3d", "slowfast").
	Arch        string  `yaml:"arch"`
	NumClasses  int     `yaml:"num_classes"`
	DropoutRate float64 `yaml:"dropout_rate"`
}

// BN controls batch-normalization statistics recalibration.
type BN struct {
	// UsePreciseStats re-estimates moving mean/variance after every training
	// epoch from NumBatchesPrecise batches of training data.
	UsePreciseStats   bool `yaml:"use_precise_stats"`
	NumBatchesPrecise int  `yaml:"num_batches_precise"`
}

// Multigrid enables progressive-resizing training. See package multigrid.
type Multigrid struct {
	LongCycle  bool `yaml:"long_cycle"`
	ShortCycle bool `yaml:"short_cycle"`

	// LongCycleFactors scale (clip length, crop size) per stage. The last
	// entry is the fine-tuning stage and is expected to be (1, 1).
	LongCycleFactors []FactorPair `yaml:"long_cycle_factors"`

	// ShortCycleFactors scale the crop size within the short cycle.
	ShortCycleFactors []float64 `yaml:"short_cycle_factors"`

	// EpochFactor stretches the schedule so total iterations roughly match
	// non-multigrid training.
	EpochFactor float64 `yaml:"epoch_factor"`
}

// FactorPair scales the temporal and spatial shape of a long-cycle stage.
type FactorPair struct {
	Temporal float64 `yaml:"temporal"`
	Spatial  float64 `yaml:"spatial"`
}

// Test configures the multi-view ensemble evaluation run after training.
type Test struct {
	Enable           bool `yaml:"enable"`
	BatchSize        int  `yaml:"batch_size"`
	NumEnsembleViews int  `yaml:"num_ensemble_views"`
	NumSpatialCrops  int  `yaml:"num_spatial_crops"`
}

// Loader configures the data-loading pipeline.
type Loader struct {
	// NumWorkers is the number of goroutines decoding clips per dataset.
	NumWorkers int `yaml:"num_workers"`

	// CacheSize is the capacity (in clips) of the decoded-clip LRU cache
	// shared between the training and precise-BN loaders. 0 disables it.
	CacheSize int `yaml:"cache_size"`
}

// Dist configures the process group for data-parallel training.
type Dist struct {
	// WorldSize is the total number of workers; 1 means single-process.
	WorldSize int `yaml:"world_size"`

	// Rank of this worker, in [0, WorldSize).
	Rank int `yaml:"rank"`

	// Coordinator is the host:port of the rank-0 worker's reduction server.
	Coordinator string `yaml:"coordinator"`

	// SyncPeriod is the number of training steps between cross-worker weight
	// averaging. 0 synchronizes only at epoch boundaries.
	SyncPeriod int `yaml:"sync_period"`
}

// Default returns the baseline configuration. Loaded files overlay it.
func Default() *Config {
	return &Config{
		OutputDir: "./output",
		RNGSeed:   42,
		LogPeriod: 10,
		Train: Train{
			Enable:           true,
			BatchSize:        8,
			EvalPeriod:       10,
			CheckpointPeriod: 1,
			AutoResume:       true,
			NumCheckpoints:   3,
		},
		Data: Data{
			Dir:               "./data",
			NumFrames:         8,
			SamplingRate:      8,
			TrainJitterScales: [2]int{256, 320},
			TrainCropSize:     224,
			TestCropSize:      256,
			Mean:              [3]float32{0.45, 0.45, 0.45},
			Std:               [3]float32{0.225, 0.225, 0.225},
			RandomFlip:        true,
		},
		Solver: Solver{
			Optimizer:     "sgd",
			BaseLR:        0.1,
			WeightDecay:   1e-4,
			LRPolicy:      "cosine",
			CosineEndLR:   0.0,
			WarmupEpochs:  5,
			WarmupStartLR: 0.01,
			MaxEpoch:      100,
		},
		Model: Model{
			Arch:        "c3d",
			NumClasses:  400,
			DropoutRate: 0.5,
		},
		BN: BN{
			UsePreciseStats:   false,
			NumBatchesPrecise: 200,
		},
		Multigrid: Multigrid{
			LongCycle:  false,
			ShortCycle: false,
			LongCycleFactors: []FactorPair{
				{Temporal: 0.25, Spatial: 0.7071},
				{Temporal: 0.5, Spatial: 0.7071},
				{Temporal: 0.5, Spatial: 1},
				{Temporal: 1, Spatial: 1},
			},
			ShortCycleFactors: []float64{0.5, 0.7071},
			EpochFactor:       1.5,
		},
		Test: Test{
			Enable:           false,
			BatchSize:        8,
			NumEnsembleViews: 10,
			NumSpatialCrops:  3,
		},
		Loader: Loader{
			NumWorkers: 4,
			CacheSize:  0,
		},
		Dist: Dist{
			WorldSize:   1,
			Rank:        0,
			Coordinator: "localhost:29500",
			SyncPeriod:  0,
		},
	}
}

// Load reads a YAML config file overlaid on Default() and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open config %q", path)
	}
	defer func() { _ = f.Close() }()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config %q", path)
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (cfg *Config) Validate() error {
	if cfg.Train.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be > 0, got %d", cfg.Train.BatchSize)
	}
	if cfg.LogPeriod <= 0 {
		return errors.Errorf("log_period must be > 0, got %d", cfg.LogPeriod)
	}
	if cfg.Data.NumFrames <= 0 || cfg.Data.SamplingRate <= 0 {
		return errors.Errorf("data.num_frames (%d) and data.sampling_rate (%d) must be > 0",
			cfg.Data.NumFrames, cfg.Data.SamplingRate)
	}
	if cfg.Data.TrainJitterScales[0] > cfg.Data.TrainJitterScales[1] {
		return errors.Errorf("data.train_jitter_scales must be [min, max], got %v",
			cfg.Data.TrainJitterScales)
	}
	if cfg.Data.TrainCropSize > cfg.Data.TrainJitterScales[0] {
		return errors.Errorf("data.train_crop_size (%d) cannot exceed the minimum jitter scale (%d)",
			cfg.Data.TrainCropSize, cfg.Data.TrainJitterScales[0])
	}
	if cfg.Model.NumClasses < 2 {
		return errors.Errorf("model.num_classes must be >= 2, got %d", cfg.Model.NumClasses)
	}
	if cfg.Solver.MaxEpoch <= 0 {
		return errors.Errorf("solver.max_epoch must be > 0, got %d", cfg.Solver.MaxEpoch)
	}
	switch cfg.Solver.LRPolicy {
	case "cosine":
	case "steps":
		if len(cfg.Solver.Steps) == 0 || len(cfg.Solver.Steps) != len(cfg.Solver.LRs) {
			return errors.Errorf("steps policy requires len(solver.steps) == len(solver.lrs) > 0, got %d and %d",
				len(cfg.Solver.Steps), len(cfg.Solver.LRs))
		}
		if cfg.Solver.Steps[0] != 0 {
			return errors.Errorf("solver.steps must start at epoch 0, got %d", cfg.Solver.Steps[0])
		}
	default:
		return errors.Errorf("unknown solver.lr_policy %q, valid values are \"cosine\" and \"steps\"", cfg.Solver.LRPolicy)
	}
	if cfg.Multigrid.LongCycle && len(cfg.Multigrid.LongCycleFactors) == 0 {
		return errors.Errorf("multigrid.long_cycle enabled but multigrid.long_cycle_factors is empty")
	}
	if cfg.Dist.WorldSize < 1 {
		return errors.Errorf("dist.world_size must be >= 1, got %d", cfg.Dist.WorldSize)
	}
	if cfg.Dist.Rank < 0 || cfg.Dist.Rank >= cfg.Dist.WorldSize {
		return errors.Errorf("dist.rank %d out of range for world size %d", cfg.Dist.Rank, cfg.Dist.WorldSize)
	}
	return nil
}
