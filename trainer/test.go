package trainer

import (
	"io"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/videoml/vidtrain/collective"
	"github.com/videoml/vidtrain/meters"
)

// Test runs the multi-view ensemble evaluation: every video is scored by
// num_ensemble_views x num_spatial_crops clips, their softmax scores are
// summed per video and the video-level top-k errors are reduced across
// workers. The dataset must keep all views of a video on the same worker,
// which holds when sharding happens per video.
func (t *Trainer) Test(testDS ClipDataset) error {
	numClasses := t.cfg.Model.NumClasses
	numViews := t.cfg.Test.NumEnsembleViews * t.cfg.Test.NumSpatialCrops

	scores := map[int32][]float64{}
	videoLabels := map[int32]int32{}
	viewCounts := map[int32]int{}

	testDS.Reset()
	start := time.Now()
	numBatches := testDS.NumBatches()
	for iter := 0; ; iter++ {
		_, inputs, labels, err := testDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "test data failed at iter %d", iter)
		}
		logits, labelsFlat, err := t.forwardBatch(inputs, labels)
		if err != nil {
			return err
		}
		var videoIdx []int32
		err = tensors.ConstFlatData[int32](inputs[1], func(flat []int32) {
			videoIdx = append(videoIdx, flat...)
		})
		if err != nil {
			return err
		}

		for i, vid := range videoIdx {
			acc := scores[vid]
			if acc == nil {
				acc = make([]float64, numClasses)
				scores[vid] = acc
			}
			softmaxInto(acc, logits[i*numClasses:(i+1)*numClasses])
			videoLabels[vid] = labelsFlat[i]
			viewCounts[vid]++
		}
		if t.cfg.LogPeriod > 0 && (iter+1)%t.cfg.LogPeriod == 0 {
			klog.Infof("test iter %d/%d: %d videos scored so far", iter+1, numBatches, len(scores))
		}
	}

	for vid, n := range viewCounts {
		if n != numViews {
			klog.Warningf("video %d was scored by %d views, expected %d", vid, n, numViews)
		}
	}

	var hits1, hits5 float64
	for vid, acc := range scores {
		rank := ensembleRank(acc, int(videoLabels[vid]))
		if rank < 1 {
			hits1++
		}
		if rank < 5 {
			hits5++
		}
	}
	counts := []float64{hits1, hits5, float64(len(scores))}
	if err := t.group.AllReduce(collective.Sum, counts); err != nil {
		return err
	}
	if counts[2] == 0 {
		return errors.New("the test dataset yielded no videos")
	}
	top1Err := 100 * (1 - counts[0]/counts[2])
	top5Err := 100 * (1 - counts[1]/counts[2])
	klog.Infof("test: %d videos, %d views each: top1_err %.2f top5_err %.2f in %s",
		int(counts[2]), numViews, top1Err, top5Err,
		commandline.FormatDuration(time.Since(start)))

	if t.sink != nil {
		return t.sink.WriteEpoch("test", t.GlobalStep(), meters.Stats{
			"top1_err": top1Err,
			"top5_err": top5Err,
		})
	}
	return nil
}

// ensembleRank counts how many other classes score at least as high as the
// label, so ties count as misses like everywhere else.
func ensembleRank(scores []float64, label int) int {
	if label < 0 || label >= len(scores) {
		return len(scores)
	}
	rank := 0
	for c, v := range scores {
		if c != label && v >= scores[label] {
			rank++
		}
	}
	return rank
}
