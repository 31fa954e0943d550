// vidtrain trains and evaluates video classification models from YAML
// experiment configs: an epoch loop with warmup learning-rate schedules,
// optional multigrid progressive resizing, precise batch-norm recalibration,
// checkpointing with auto-resume, validation and multi-view test ensembling.
// With dist.world_size > 1 it runs data-parallel, one process per worker.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/videoml/vidtrain/collective"
	"github.com/videoml/vidtrain/config"
	"github.com/videoml/vidtrain/stats"
	"github.com/videoml/vidtrain/trainer"
	"github.com/videoml/vidtrain/videodata"
)

var (
	flagConfig    = flag.String("config", "", "Path to the YAML experiment config.")
	flagOutputDir = flag.String("output_dir", "", "Overrides output_dir from the config.")
	flagSynthetic = flag.Bool("synthetic", false,
		"Train on synthetic random clips instead of the configured videos, for smoke runs.")
	flagVerifyData = flag.Bool("verify_data", false,
		"Decode every video in the training list before starting, to surface broken files early.")
)

func main() {
	var settings []string
	flag.Func("set",
		"Override a config field, e.g. -set solver.base_lr=0.01. May be repeated.",
		func(s string) error {
			settings = append(settings, s)
			return nil
		})
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "usage: vidtrain --config <experiment.yaml>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := must.M1(config.Load(*flagConfig))
	for _, setting := range settings {
		must.M(cfg.ApplySetting(setting))
	}
	if *flagOutputDir != "" {
		cfg.OutputDir = *flagOutputDir
	}
	must.M(cfg.Validate())

	err := exceptions.TryCatch[error](func() { run(cfg) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(cfg *config.Config) {
	must.M(os.MkdirAll(cfg.OutputDir, 0777))
	klog.Infof("run %s: rank %d of %d, output %s",
		uuid.NewString(), cfg.Dist.Rank, cfg.Dist.WorldSize, cfg.OutputDir)

	backend := backends.New()
	klog.Infof("backend %q: %s", backend.Name(), backend.Description())

	group := must.M1(newGroup(cfg))
	defer func() { _ = group.Close() }()

	if *flagVerifyData && !*flagSynthetic {
		must.M(verifyData(cfg))
	}
	trainDS, valDS, testDS := must.M3(buildDatasets(cfg, group))

	// Only rank 0 writes metric points and plots; every worker logs.
	var sink *stats.Sink
	if group.Rank() == 0 {
		sink = must.M1(stats.NewSink(cfg.OutputDir))
		defer func() { _ = sink.Close() }()
	}

	tr := must.M1(trainer.New(cfg, backend, group, trainDS, valDS, sink))
	if cfg.Train.Enable {
		must.M(tr.Train())
		logModelSize(tr)
	}
	if cfg.Test.Enable {
		must.M(tr.Test(testDS))
	}
}

func newGroup(cfg *config.Config) (collective.Group, error) {
	if cfg.Dist.WorldSize <= 1 {
		return collective.Local{}, nil
	}
	return collective.NewTCPGroup(cfg.Dist.Rank, cfg.Dist.WorldSize, cfg.Dist.Coordinator)
}

// buildDatasets creates the train/val/test pipelines, sharded per worker. The
// test dataset is only built when test.enable is set, since test.csv may not
// exist otherwise.
func buildDatasets(cfg *config.Config, group collective.Group) (trainDS, valDS, testDS trainer.ClipDataset, err error) {
	if *flagSynthetic {
		return syntheticDatasets(cfg)
	}
	cache, err := videodata.NewClipCache(cfg.Loader.CacheSize)
	if err != nil {
		return nil, nil, nil, err
	}
	modes := []videodata.Mode{videodata.Train, videodata.Val}
	if cfg.Test.Enable {
		modes = append(modes, videodata.Test)
	}
	built := make([]*videodata.Dataset, len(modes))
	for i, mode := range modes {
		built[i], err = videodata.New(cfg, mode, cache)
		if err != nil {
			return nil, nil, nil, err
		}
		if err = built[i].Shard(group.Rank(), group.WorldSize()); err != nil {
			return nil, nil, nil, err
		}
	}
	trainDS, valDS = built[0], built[1]
	if cfg.Test.Enable {
		testDS = built[2]
	}
	return trainDS, valDS, testDS, nil
}

func syntheticDatasets(cfg *config.Config) (trainDS, valDS, testDS trainer.ClipDataset, err error) {
	newDS := func(name string, batchSize, cropSize, numBatches int, seed int64) *videodata.Synthetic {
		return videodata.NewSynthetic(name, batchSize, cfg.Data.NumFrames, cropSize,
			cfg.Model.NumClasses, numBatches, seed)
	}
	trainDS = newDS("train-synth", cfg.Train.BatchSize, cfg.Data.TrainCropSize, 16, cfg.RNGSeed)
	valDS = newDS("val-synth", cfg.Train.BatchSize, cfg.Data.TrainCropSize, 4, cfg.RNGSeed+1)
	testDS = newDS("test-synth", cfg.Test.BatchSize, cfg.Data.TestCropSize, 4, cfg.RNGSeed+2)
	return
}

// verifyData decodes every video in the training annotation list once,
// reporting the files that fail before a long run trips over them.
func verifyData(cfg *config.Config) error {
	annotations, err := videodata.LoadAnnotations(filepath.Join(cfg.Data.Dir, "train.csv"))
	if err != nil {
		return err
	}
	bar := progressbar.Default(int64(len(annotations)), "verifying videos")
	bad := 0
	for _, ann := range annotations {
		if _, err := videodata.DecodeVideo(ann.Path); err != nil {
			klog.Warningf("bad video %s: %v", ann.Path, err)
			bad++
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	if bad > 0 {
		return errors.Errorf("%d of %d training videos failed to decode", bad, len(annotations))
	}
	klog.Infof("verified %d training videos", len(annotations))
	return nil
}

func logModelSize(tr *trainer.Trainer) {
	var total int64
	for v := range tr.Context().IterVariables() {
		if v == nil || !v.Trainable {
			continue
		}
		total += int64(v.Shape().Size())
	}
	klog.Infof("model: %s trainable parameters", humanize.Comma(total))
}
