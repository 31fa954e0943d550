// Package trainer drives the epoch-level control loop: training epochs with
// per-iteration learning rates, distributed metric reduction, periodic weight
// synchronization, batch-norm recalibration, checkpointing, validation and
// multi-view testing.
package trainer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Short names of the per-batch error metrics, used to find them back in the
// train step output.
const (
	top1ShortName = "top1_err"
	top5ShortName = "top5_err"
)

// topKErrorGraph builds the batch top-k error (in percent) as a graph metric:
// the fraction of examples whose true label is not among the k largest
// logits. Ties count as misses.
func topKErrorGraph(k int) metrics.BaseMetricGraph {
	return func(ctx *context.Context, labels, predictions []*graph.Node) *graph.Node {
		logits := predictions[0]
		dtype := logits.DType()
		numClasses := logits.Shape().Dimensions[logits.Rank()-1]
		inTopK := graph.TopKMask(logits, min(k, numClasses), -1)
		truth := graph.ConvertDType(graph.OneHot(labels[0], numClasses, dtype), dtypes.Bool)
		hits := graph.ReduceSum(graph.ConvertDType(graph.And(inTopK, truth), dtype), -1)
		return graph.MulScalar(graph.OneMinus(graph.ReduceAllMean(hits)), 100)
	}
}

// newTopKErrorMetrics returns per-batch top-1 and top-5 error metrics, in
// that order. They are stateless so every training step reports the errors
// of its own batch.
func newTopKErrorMetrics() []metrics.Interface {
	return []metrics.Interface{
		metrics.NewBaseMetric("Top-1 Error (%)", top1ShortName, "error", topKErrorGraph(1), nil),
		metrics.NewBaseMetric("Top-5 Error (%)", top5ShortName, "error", topKErrorGraph(5), nil),
	}
}

// metricIndex finds the position of the metric with the given short name in
// the train step output, which includes the loss metrics the trainer adds on
// its own.
func metricIndex(trainMetrics []metrics.Interface, shortName string) (int, error) {
	for i, m := range trainMetrics {
		if m.ShortName() == shortName {
			return i, nil
		}
	}
	return 0, errors.Errorf("metric %q not registered with the trainer", shortName)
}

// topKErrors computes the top-1 and top-5 error percentages of a batch of
// logits on the host, plus the argmax class per example. Ties count as
// misses, matching the graph metric.
func topKErrors(logits []float32, numClasses int, labels []int32) (top1Err, top5Err float64, preds []float32) {
	numExamples := len(labels)
	preds = make([]float32, numExamples)
	miss1, miss5 := 0, 0
	for i := 0; i < numExamples; i++ {
		row := logits[i*numClasses : (i+1)*numClasses]
		argmax := 0
		for c, v := range row {
			if v > row[argmax] {
				argmax = c
			}
		}
		preds[i] = float32(argmax)

		label := int(labels[i])
		if label >= numClasses {
			miss1++
			miss5++
			continue
		}
		trueLogit := row[label]
		rank := 0
		for c, v := range row {
			if c != label && v >= trueLogit {
				rank++
			}
		}
		if rank >= 1 {
			miss1++
		}
		if rank >= 5 {
			miss5++
		}
	}
	top1Err = 100 * float64(miss1) / float64(numExamples)
	top5Err = 100 * float64(miss5) / float64(numExamples)
	return
}

// softmaxInto accumulates softmax(row) into dst, used to ensemble the view
// scores of a video.
func softmaxInto(dst []float64, row []float32) {
	maxLogit := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	exps := make([]float64, len(row))
	for c, v := range row {
		exps[c] = math.Exp(float64(v - maxLogit))
		sum += exps[c]
	}
	for c := range dst {
		dst[c] += exps[c] / sum
	}
}
