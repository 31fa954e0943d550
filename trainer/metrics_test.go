package trainer

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricIndex(t *testing.T) {
	// The trainer reports its own loss metrics ahead of the registered
	// ones, so the top-k error positions must be found, not assumed.
	trainMetrics := []metrics.Interface{
		metrics.NewBaseMetric("Batch Loss", "loss", "loss", nil, nil),
		metrics.NewBaseMetric("Moving Average Loss", "~loss", "loss", nil, nil),
	}
	trainMetrics = append(trainMetrics, newTopKErrorMetrics()...)

	idx1, err := metricIndex(trainMetrics, top1ShortName)
	require.NoError(t, err)
	assert.Equal(t, 2, idx1)

	idx5, err := metricIndex(trainMetrics, top5ShortName)
	require.NoError(t, err)
	assert.Equal(t, 3, idx5)

	_, err = metricIndex(trainMetrics, "no_such_metric")
	assert.Error(t, err)
}

func TestTopKErrors(t *testing.T) {
	logits := []float32{
		0, 1, 2, 3, 4, 5,
		5, 4, 3, 2, 1, 0,
	}
	labels := []int32{5, 5}
	top1Err, top5Err, preds := topKErrors(logits, 6, labels)
	assert.Equal(t, 50.0, top1Err, "the second example puts its label last")
	assert.Equal(t, 50.0, top5Err)
	assert.Equal(t, []float32{5, 0}, preds)
}

func TestTopKErrorsTiesAreMisses(t *testing.T) {
	top1Err, top5Err, preds := topKErrors([]float32{1, 1, 0}, 3, []int32{0})
	assert.Equal(t, 100.0, top1Err)
	assert.Equal(t, 0.0, top5Err)
	assert.Equal(t, []float32{0}, preds)
}

func TestSoftmaxInto(t *testing.T) {
	dst := make([]float64, 3)
	softmaxInto(dst, []float32{0, 0, 0})
	for _, v := range dst {
		assert.InDelta(t, 1.0/3, v, 1e-9)
	}
	softmaxInto(dst, []float32{100, 0, 0})
	assert.InDelta(t, 1.0/3+1, dst[0], 1e-6, "the large logit takes all the mass")
}

func TestEnsembleRank(t *testing.T) {
	scores := []float64{0.2, 0.5, 0.3}
	assert.Equal(t, 0, ensembleRank(scores, 1))
	assert.Equal(t, 1, ensembleRank(scores, 2))
	assert.Equal(t, 2, ensembleRank(scores, 0))
	assert.Equal(t, 3, ensembleRank(scores, 7), "out-of-range labels never hit")
}

func TestEpochMatchesPeriod(t *testing.T) {
	assert.True(t, epochMatchesPeriod(4, 10, 5))
	assert.False(t, epochMatchesPeriod(3, 10, 5))
	assert.True(t, epochMatchesPeriod(9, 10, 0), "the final epoch always matches")
	assert.False(t, epochMatchesPeriod(0, 10, 0))
}
