package trainer

import (
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/videoml/vidtrain/collective"
	"github.com/videoml/vidtrain/config"
	"github.com/videoml/vidtrain/meters"
	"github.com/videoml/vidtrain/models"
	"github.com/videoml/vidtrain/multigrid"
	"github.com/videoml/vidtrain/stats"
)

// epochVarName stores the number of finished epochs, checkpointed so resumed
// runs continue at the right epoch.
const epochVarName = "epoch"

// ClipDataset is the clip pipeline contract the trainer drives. Both the
// video dataset and the synthetic dataset implement it.
type ClipDataset interface {
	train.Dataset

	// SetClipShape switches the clip shape and batch size between epochs.
	SetClipShape(numFrames, cropSize, batchSize int)

	// NumBatches per epoch at the current batch size.
	NumBatches() int

	// BatchSize currently served.
	BatchSize() int
}

// shuffler is implemented by datasets that reshuffle per epoch.
type shuffler interface {
	Shuffle(seed int64)
}

// cropSetter is implemented by datasets that can cycle the spatial crop
// between iterations.
type cropSetter interface {
	SetCropSize(crop int)
}

// Trainer owns the model context and runs the training and evaluation
// epochs.
type Trainer struct {
	cfg     *config.Config
	backend backends.Backend
	group   collective.Group
	sink    *stats.Sink

	ctx      *context.Context
	modelCtx *context.Context
	trainer  *train.Trainer
	forward  *context.Exec

	// Solver schedule used per iteration, stretched to the multigrid total
	// when the long cycle is on.
	solver config.Solver

	// Positions of the top-k error metrics in the train step output. The
	// trainer prepends its own loss metrics, so the positions are resolved
	// from the registered metrics rather than assumed.
	top1Idx, top5Idx int

	checkpoint *checkpoints.Handler
	epochVar   *context.Variable

	schedule *multigrid.Schedule

	trainDS, valDS ClipDataset

	trainMeter *meters.TrainMeter
	valMeter   *meters.ValMeter
}

// New assembles a trainer from the config. The sink may be nil (typically on
// ranks other than 0). If the output directory holds checkpoints and
// train.auto_resume is on, the latest one is loaded.
func New(cfg *config.Config, backend backends.Backend, group collective.Group,
	trainDS, valDS ClipDataset, sink *stats.Sink) (*Trainer, error) {
	ctx, err := cfg.NewContext()
	if err != nil {
		return nil, err
	}
	modelCtx := ctx.In("model")

	var checkpoint *checkpoints.Handler
	if cfg.OutputDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			Dir(filepath.Join(cfg.OutputDir, "checkpoints")).
			Keep(cfg.Train.NumCheckpoints).
			Done()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to set up checkpointing")
		}
	}

	// Created after the checkpoint handler so a loaded value wins over the
	// zero initialization.
	epochVar := ctx.Checked(false).VariableWithValue(epochVarName, int64(0)).SetTrainable(false)
	epoch := loadedEpoch(epochVar)
	resumed := epoch > 0
	if resumed {
		if !cfg.Train.AutoResume {
			return nil, errors.Errorf(
				"%s holds a checkpoint at epoch %d but train.auto_resume is off; clear the directory or enable resuming",
				checkpoint.Dir(), epoch)
		}
		klog.Infof("loaded checkpoint from %s at epoch %d", checkpoint.Dir(), epoch)
	}

	modelFn, err := models.Select(cfg.Model.Arch)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		cfg:     cfg,
		backend: backend,
		group:   group,
		sink:    sink,

		ctx:        ctx,
		modelCtx:   modelCtx,
		checkpoint: checkpoint,
		epochVar:   epochVar,
		trainDS:    trainDS,
		valDS:      valDS,
	}
	t.trainer = train.NewTrainer(backend, modelCtx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		newTopKErrorMetrics(),
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
	// The trainer prepends loss metrics of its own before the registered
	// ones, so look the top-k error metrics up by short name.
	t.top1Idx, err = metricIndex(t.trainer.TrainMetrics(), top1ShortName)
	if err != nil {
		return nil, err
	}
	t.top5Idx, err = metricIndex(t.trainer.TrainMetrics(), top5ShortName)
	if err != nil {
		return nil, err
	}
	if resumed {
		// The variables already exist, loaded from the checkpoint: graph
		// building must reuse them instead of creating fresh ones.
		t.trainer.SetContext(modelCtx.Reuse())
	}

	// Forward-only pass over reused variables, for validation and testing.
	t.forward, err = context.NewExec(backend, modelCtx.Reuse(),
		func(ctx *context.Context, clips *graph.Node) *graph.Node {
			ctx.SetTraining(clips.Graph(), false)
			return modelFn(ctx, nil, []*graph.Node{clips})[0]
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to set up the inference pass")
	}

	t.solver = cfg.Solver
	if cfg.Multigrid.LongCycle || cfg.Multigrid.ShortCycle {
		t.schedule, err = multigrid.NewSchedule(cfg)
		if err != nil {
			return nil, err
		}
		// The long cycle stretches the run past solver.max_epoch; the
		// learning rate schedule must cover the stretched range or the
		// cosine would fold back up in the final stage.
		t.solver.StretchSchedule(t.schedule.TotalEpochs())
		for _, stage := range t.schedule.Stages() {
			klog.Infof("multigrid stage %d: epochs [%d, %d), %d frames, crop %d, batch x%d",
				stage.Index, stage.StartEpoch, stage.EndEpoch, stage.NumFrames, stage.CropSize, stage.BatchFactor)
		}
	}
	return t, nil
}

func loadedEpoch(epochVar *context.Variable) int {
	value, err := epochVar.Value()
	if err != nil {
		return 0
	}
	return int(value.Value().(int64))
}

// TotalEpochs of the run: the solver epochs, stretched by the multigrid
// schedule when enabled.
func (t *Trainer) TotalEpochs() int {
	if t.schedule != nil {
		return t.schedule.TotalEpochs()
	}
	return t.cfg.Solver.MaxEpoch
}

// GlobalStep returns the number of optimizer updates so far.
func (t *Trainer) GlobalStep() int64 { return t.trainer.GlobalStep() }

// Context holding the model variables.
func (t *Trainer) Context() *context.Context { return t.ctx }

// isCheckpointEpoch: on the period, at multigrid stage ends and on the final
// epoch.
func (t *Trainer) isCheckpointEpoch(epoch int) bool {
	if t.schedule != nil {
		return t.schedule.IsCheckpointEpoch(epoch, t.cfg.Train.CheckpointPeriod)
	}
	return epochMatchesPeriod(epoch, t.TotalEpochs(), t.cfg.Train.CheckpointPeriod)
}

// isEvalEpoch: on the period, at multigrid stage ends and on the final epoch.
func (t *Trainer) isEvalEpoch(epoch int) bool {
	if t.schedule != nil {
		return t.schedule.IsEvalEpoch(epoch, t.cfg.Train.EvalPeriod)
	}
	return epochMatchesPeriod(epoch, t.TotalEpochs(), t.cfg.Train.EvalPeriod)
}

func epochMatchesPeriod(epoch, total, period int) bool {
	if epoch+1 == total {
		return true
	}
	return period > 0 && (epoch+1)%period == 0
}

// Train runs the remaining epochs of the schedule.
func (t *Trainer) Train() error {
	total := t.TotalEpochs()
	start := loadedEpoch(t.epochVar)
	if start >= total {
		klog.Infof("training already finished: epoch %d of %d", start, total)
		return nil
	}
	if start > 0 {
		klog.Infof("resuming training at epoch %d of %d", start, total)
	}

	t.trainMeter = meters.NewTrainMeter(t.trainDS.NumBatches(), total, t.cfg.LogPeriod)
	t.valMeter = meters.NewValMeter(t.valDS.NumBatches(), t.cfg.LogPeriod)

	for epoch := start; epoch < total; epoch++ {
		stageCrop := t.cfg.Data.TrainCropSize
		if t.schedule != nil {
			stage, changed := t.schedule.Update(epoch)
			if changed || epoch == start {
				t.applyStage(stage)
			}
			stageCrop = stage.CropSize
		}

		if s, ok := t.trainDS.(shuffler); ok {
			s.Shuffle(t.cfg.RNGSeed + int64(epoch))
		}
		itersPerEpoch := t.trainDS.NumBatches()
		if itersPerEpoch == 0 {
			return errors.Errorf("training dataset %s yields no batches at epoch %d", t.trainDS.Name(), epoch)
		}
		t.trainMeter.SetEpochIters(itersPerEpoch)

		if err := t.trainEpoch(epoch, itersPerEpoch, stageCrop); err != nil {
			return err
		}

		if t.cfg.BN.UsePreciseStats {
			if err := t.recalibrateBatchNorm(); err != nil {
				return err
			}
		}
		if err := collective.SyncVariables(t.ctx, t.group); err != nil {
			return err
		}

		if t.isCheckpointEpoch(epoch) {
			if err := t.saveCheckpoint(epoch); err != nil {
				return err
			}
		}
		if t.isEvalEpoch(epoch) {
			if err := t.evalEpoch(epoch); err != nil {
				return err
			}
		}
	}

	klog.Infof("training done after %d epochs, %d steps, best top1_err %.2f",
		total, t.GlobalStep(), t.valMeter.MinTop1Err())
	return nil
}

// applyStage reshapes the training pipeline for a multigrid stage. The model
// graphs are compiled per input shape, so switching shapes only JIT-compiles
// the new stage's graph; weights carry over unchanged.
func (t *Trainer) applyStage(stage multigrid.Stage) {
	batchSize := t.cfg.Train.BatchSize * stage.BatchFactor
	t.trainDS.SetClipShape(stage.NumFrames, stage.CropSize, batchSize)
	klog.Infof("entering multigrid stage %d: %d frames, crop %d, batch %d",
		stage.Index, stage.NumFrames, stage.CropSize, batchSize)
}

// trainEpoch runs the optimizer over one pass of the training data.
func (t *Trainer) trainEpoch(epoch, itersPerEpoch, stageCrop int) error {
	t.trainMeter.Reset()
	t.trainDS.Reset()
	epochStart := time.Now()
	samples := 0

	for iter := 0; ; iter++ {
		t.trainMeter.IterTic()
		if t.schedule != nil {
			if cs, ok := t.trainDS.(cropSetter); ok {
				cs.SetCropSize(t.schedule.ShortCycleCrop(iter, stageCrop))
			}
		}
		spec, inputs, labels, err := t.trainDS.Yield()
		if err == io.EOF {
			t.trainMeter.IterToc()
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "training data failed at epoch %d iter %d", epoch, iter)
		}
		batchSize := labels[0].Shape().Dimensions[0]

		lr := t.solver.LRAt(float64(epoch) + float64(iter)/float64(itersPerEpoch))
		if err := t.setLearningRate(lr); err != nil {
			return err
		}

		metricsOut, err := t.trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return errors.WithMessagef(err, "train step failed at epoch %d iter %d", epoch, iter)
		}
		loss := shapes.ConvertTo[float64](metricsOut[0].Value())
		top1Err := shapes.ConvertTo[float64](metricsOut[t.top1Idx].Value())
		top5Err := shapes.ConvertTo[float64](metricsOut[t.top5Idx].Value())
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errors.Errorf("batch loss is %f at epoch %d iter %d, aborting the run", loss, epoch, iter)
		}

		reduced := []float64{loss, top1Err, top5Err}
		if err := t.group.AllReduce(collective.Mean, reduced); err != nil {
			return err
		}
		samples += batchSize
		t.trainMeter.Update(reduced[1], reduced[2], reduced[0], lr, batchSize*t.group.WorldSize())
		t.trainMeter.IterToc()
		t.trainMeter.LogIterStats(epoch, iter)

		if period := t.cfg.Dist.SyncPeriod; period > 0 && (iter+1)%period == 0 {
			if err := collective.SyncVariables(t.ctx, t.group); err != nil {
				return err
			}
		}
	}

	// Job rate across workers: all clips processed over the slowest worker's
	// wall time.
	processed := []float64{float64(samples)}
	if err := t.group.AllReduce(collective.Sum, processed); err != nil {
		return err
	}
	elapsed := []float64{time.Since(epochStart).Seconds()}
	if err := t.group.AllReduce(collective.Max, elapsed); err != nil {
		return err
	}
	if elapsed[0] > 0 {
		klog.Infof("epoch %d: %.1f clips/s over %d workers", epoch, processed[0]/elapsed[0], t.group.WorldSize())
	}

	epochStats := t.trainMeter.LogEpochStats(epoch)
	if t.sink != nil {
		if err := t.sink.WriteEpoch("train", t.GlobalStep(), epochStats); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) setLearningRate(lr float64) error {
	lrVar := optimizers.LearningRateVar(t.modelCtx, dtypes.Float32, lr)
	return errors.WithMessage(lrVar.SetValue(tensors.FromScalar(float32(lr))), "failed to set the learning rate")
}

// recalibrateBatchNorm re-estimates the batch normalization running averages
// over a bounded number of training batches.
func (t *Trainer) recalibrateBatchNorm() error {
	t.trainDS.Reset()
	bnDS := datasets.Take(t.trainDS, t.cfg.BN.NumBatchesPrecise)
	updated, err := batchnorm.UpdateAverages(t.trainer, bnDS)
	if err != nil {
		return errors.WithMessage(err, "batch normalization recalibration failed")
	}
	if updated {
		klog.V(1).Infof("recalibrated batch normalization averages over up to %d batches",
			t.cfg.BN.NumBatchesPrecise)
	}
	return nil
}

// saveCheckpoint records the finished epoch. Only rank 0 writes; the
// checkpoint directory is expected to be shared for multi-worker resume.
func (t *Trainer) saveCheckpoint(epoch int) error {
	if err := t.epochVar.SetValue(tensors.FromScalar(int64(epoch + 1))); err != nil {
		return err
	}
	if t.checkpoint == nil || t.group.Rank() != 0 {
		return nil
	}
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint after epoch %d", epoch)
	}
	klog.V(1).Infof("saved checkpoint after epoch %d at step %d", epoch, t.GlobalStep())
	return nil
}

// evalEpoch runs a full validation pass: forward-only, top-k errors reduced
// across workers, predictions and labels gathered for the scatter plot.
func (t *Trainer) evalEpoch(epoch int) error {
	t.valMeter.Reset()
	t.valDS.Reset()
	t.valMeter.SetEpochIters(t.valDS.NumBatches())

	for iter := 0; ; iter++ {
		t.valMeter.IterTic()
		_, inputs, labels, err := t.valDS.Yield()
		if err == io.EOF {
			t.valMeter.IterToc()
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "validation data failed at epoch %d iter %d", epoch, iter)
		}

		logits, labelsFlat, err := t.forwardBatch(inputs, labels)
		if err != nil {
			return err
		}
		numClasses := t.cfg.Model.NumClasses
		top1Err, top5Err, preds := topKErrors(logits, numClasses, labelsFlat)

		reduced := []float64{top1Err, top5Err}
		if err := t.group.AllReduce(collective.Mean, reduced); err != nil {
			return err
		}
		t.valMeter.Update(reduced[0], reduced[1], len(labelsFlat)*t.group.WorldSize())

		gatheredPreds, err := t.group.AllGatherFloat32(preds)
		if err != nil {
			return err
		}
		gatheredLabels, err := t.group.AllGatherInt(labelsFlat)
		if err != nil {
			return err
		}
		t.valMeter.UpdatePredictions(gatheredPreds, gatheredLabels)

		t.valMeter.IterToc()
		t.valMeter.LogIterStats(epoch, iter)
	}

	epochStats := t.valMeter.LogEpochStats(epoch)
	if t.sink != nil {
		if err := t.sink.WriteEpoch("val", t.GlobalStep(), epochStats); err != nil {
			return err
		}
		if len(t.valMeter.Preds) > 0 {
			if err := t.sink.ScatterPredictions(epoch, t.valMeter.Preds, t.valMeter.Labels); err != nil {
				return err
			}
		}
	}
	return nil
}

// forwardBatch runs the inference pass and returns the flat logits and
// labels of the batch.
func (t *Trainer) forwardBatch(inputs, labels []*tensors.Tensor) (logits []float32, labelsFlat []int32, err error) {
	logitsT, err := t.forward.Exec1(inputs[0])
	if err != nil {
		return nil, nil, errors.WithMessage(err, "inference pass failed")
	}
	err = tensors.ConstFlatData[float32](logitsT, func(flat []float32) {
		logits = append(logits, flat...)
	})
	if err != nil {
		return nil, nil, err
	}
	err = tensors.ConstFlatData[int32](labels[0], func(flat []int32) {
		labelsFlat = append(labelsFlat, flat...)
	})
	if err != nil {
		return nil, nil, err
	}
	return logits, labelsFlat, nil
}
