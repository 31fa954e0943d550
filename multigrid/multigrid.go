// Package multigrid implements the progressive-resizing training schedule:
// training alternates between cheap stages (short clips, small crops, large
// batches) and expensive stages (full clips, full crops, base batches), then
// fine-tunes at full shape.
//
// The long cycle changes the clip shape between epochs and forces the
// training pipeline to be rebuilt; the short cycle varies only the spatial
// crop within an epoch, cycling every few iterations. Since only a small,
// fixed set of shapes is produced, the JIT graph cache stays bounded.
package multigrid

import (
	"math"

	"github.com/pkg/errors"

	"github.com/videoml/vidtrain/config"
)

// Stage is one long-cycle segment of the schedule, covering epochs
// [StartEpoch, EndEpoch).
type Stage struct {
	Index int

	// Clip shape during this stage.
	NumFrames int
	CropSize  int

	// BatchFactor multiplies the base batch size. Cheap shapes get
	// proportionally larger batches so each iteration does comparable work.
	BatchFactor int

	StartEpoch int
	EndEpoch   int
}

// Schedule holds the computed long-cycle stages plus short-cycle settings.
type Schedule struct {
	stages      []Stage
	totalEpochs int

	shortCycle        bool
	shortCycleFactors []float64
}

// NewSchedule computes the long-cycle schedule from the config. The total
// number of epochs is solver.max_epoch stretched by multigrid.epoch_factor,
// distributed across stages proportionally to their batch factor, so every
// stage runs a comparable number of iterations.
func NewSchedule(cfg *config.Config) (*Schedule, error) {
	mg := cfg.Multigrid
	if !mg.LongCycle && !mg.ShortCycle {
		return nil, errors.New("multigrid schedule requested but neither long_cycle nor short_cycle is enabled")
	}

	s := &Schedule{
		shortCycle:        mg.ShortCycle,
		shortCycleFactors: mg.ShortCycleFactors,
	}
	if !mg.LongCycle {
		// Short cycle only: a single full-shape stage over all epochs.
		s.totalEpochs = cfg.Solver.MaxEpoch
		s.stages = []Stage{{
			NumFrames:   cfg.Data.NumFrames,
			CropSize:    cfg.Data.TrainCropSize,
			BatchFactor: 1,
			EndEpoch:    s.totalEpochs,
		}}
		return s, nil
	}

	baseFrames := cfg.Data.NumFrames
	baseCrop := cfg.Data.TrainCropSize
	baseSize := float64(baseFrames) * float64(baseCrop) * float64(baseCrop)

	stages := make([]Stage, 0, len(mg.LongCycleFactors))
	weightSum := 0.0
	for i, f := range mg.LongCycleFactors {
		frames := max(1, int(math.Round(float64(baseFrames)*f.Temporal)))
		crop := max(1, int(math.Round(float64(baseCrop)*f.Spatial)))
		factor := max(1, int(baseSize/(float64(frames)*float64(crop)*float64(crop))))
		stages = append(stages, Stage{
			Index:       i,
			NumFrames:   frames,
			CropSize:    crop,
			BatchFactor: factor,
		})
		weightSum += float64(factor)
	}

	epochFactor := mg.EpochFactor
	if epochFactor <= 0 {
		epochFactor = 1
	}
	total := int(math.Round(epochFactor * float64(cfg.Solver.MaxEpoch)))
	if total < len(stages) {
		total = len(stages)
	}

	// Allocate epochs proportionally to the batch factor; the last stage
	// absorbs the rounding drift, so it always exists and ends at total.
	cursor := 0
	for i := range stages {
		var span int
		if i == len(stages)-1 {
			span = total - cursor
		} else {
			span = max(1, int(math.Round(float64(total)*float64(stages[i].BatchFactor)/weightSum)))
			if cursor+span+len(stages)-i-1 > total {
				// Keep at least one epoch for every remaining stage.
				span = max(1, total-cursor-(len(stages)-i-1))
			}
		}
		stages[i].StartEpoch = cursor
		stages[i].EndEpoch = cursor + span
		cursor += span
	}

	s.stages = stages
	s.totalEpochs = total
	return s, nil
}

// TotalEpochs the schedule spans. Replaces solver.max_epoch when the long
// cycle is enabled.
func (s *Schedule) TotalEpochs() int { return s.totalEpochs }

// Stages returns the computed long-cycle stages.
func (s *Schedule) Stages() []Stage { return s.stages }

// StageAt returns the stage covering the given epoch. Epochs beyond the
// schedule map to the last stage.
func (s *Schedule) StageAt(epoch int) Stage {
	for _, st := range s.stages {
		if epoch < st.EndEpoch {
			return st
		}
	}
	return s.stages[len(s.stages)-1]
}

// Update returns the stage for the epoch and whether it differs from the
// previous epoch's stage -- which requires rebuilding the training pipeline.
// Epoch 0 reports changed=false: the pipeline is always built fresh there.
func (s *Schedule) Update(epoch int) (Stage, bool) {
	st := s.StageAt(epoch)
	if epoch == 0 {
		return st, false
	}
	return st, st.Index != s.StageAt(epoch-1).Index
}

// IsStageEnd reports whether the epoch is the last of its stage.
func (s *Schedule) IsStageEnd(epoch int) bool {
	return s.StageAt(epoch).EndEpoch == epoch+1
}

// IsCheckpointEpoch reports whether a checkpoint must be written after this
// epoch: on the configured period, and always at stage boundaries so the
// rebuild of the next stage has a matching checkpoint to reload.
func (s *Schedule) IsCheckpointEpoch(epoch, period int) bool {
	if s.IsStageEnd(epoch) {
		return true
	}
	return period > 0 && (epoch+1)%period == 0
}

// IsEvalEpoch reports whether validation runs after this epoch: on the
// configured period, at stage boundaries, and on the final epoch.
func (s *Schedule) IsEvalEpoch(epoch, period int) bool {
	if epoch+1 == s.totalEpochs || s.IsStageEnd(epoch) {
		return true
	}
	return period > 0 && (epoch+1)%period == 0
}

// ShortCycleCrop returns the spatial crop for a training iteration. With the
// short cycle enabled, iterations cycle through the reduced crops and then
// the stage crop; otherwise the stage crop is always used.
func (s *Schedule) ShortCycleCrop(iter, stageCrop int) int {
	if !s.shortCycle || len(s.shortCycleFactors) == 0 {
		return stageCrop
	}
	cycle := len(s.shortCycleFactors) + 1
	pos := iter % cycle
	if pos == len(s.shortCycleFactors) {
		return stageCrop
	}
	return max(1, int(math.Round(float64(stageCrop)*s.shortCycleFactors[pos])))
}
