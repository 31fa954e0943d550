package config

import "math"

// LRAt returns the learning rate at a fractional epoch position, applying the
// configured policy and linear warmup. It is evaluated once per iteration,
// with epoch = curEpoch + curIter/itersPerEpoch.
func (s *Solver) LRAt(epoch float64) float64 {
	lr := s.policyLR(epoch)
	if epoch < s.WarmupEpochs {
		// Ramp linearly from WarmupStartLR to the policy LR at warmup end.
		lrAtWarmupEnd := s.policyLR(s.WarmupEpochs)
		alpha := (lrAtWarmupEnd - s.WarmupStartLR) / s.WarmupEpochs
		lr = s.WarmupStartLR + epoch*alpha
	}
	return lr
}

func (s *Solver) policyLR(epoch float64) float64 {
	switch s.LRPolicy {
	case "steps":
		idx := 0
		for i, step := range s.Steps {
			if epoch >= float64(step) {
				idx = i
			}
		}
		return s.BaseLR * s.LRs[idx]
	default: // cosine
		// Clamp so the cosine never passes pi and climbs back up.
		epoch = math.Min(epoch, float64(s.MaxEpoch))
		return s.CosineEndLR +
			0.5*(s.BaseLR-s.CosineEndLR)*(math.Cos(math.Pi*epoch/float64(s.MaxEpoch))+1)
	}
}

// StretchSchedule rescales the schedule to a run of totalEpochs, keeping the
// relative position of the cosine horizon and the step boundaries. Used when
// the multigrid long cycle extends the run past MaxEpoch. The receiver's
// Steps slice is replaced, not mutated, so a copied Solver can be stretched
// without touching the original.
func (s *Solver) StretchSchedule(totalEpochs int) {
	if totalEpochs <= s.MaxEpoch {
		return
	}
	factor := float64(totalEpochs) / float64(s.MaxEpoch)
	if len(s.Steps) > 0 {
		steps := make([]int, len(s.Steps))
		for i, step := range s.Steps {
			steps[i] = int(math.Round(float64(step) * factor))
		}
		s.Steps = steps
	}
	s.MaxEpoch = totalEpochs
}
