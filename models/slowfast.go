package models

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"

	"github.com/videoml/vidtrain/config"
)

// slowFastAlpha is the frame-rate ratio between the pathways: the slow
// pathway sees every alpha-th frame.
const slowFastAlpha = 4

// slowFastBetaInv divides the slow widths to get the fast pathway widths.
const slowFastBetaInv = 8

// SlowFastGraph implements train.ModelFn: a two-pathway model. The slow
// pathway runs wide channels over a strided subsample of the frames, the fast
// pathway runs narrow channels over every frame. Pathway features are fused
// by concatenation before the readout.
func SlowFastGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	clips := assertClipBatch(inputs)
	batchSize := clips.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, config.ParamNumClasses, 400)

	slowClips := graph.Slice(clips,
		graph.AxisRange(),
		graph.AxisRange().Stride(slowFastAlpha),
		graph.AxisRange(), graph.AxisRange(), graph.AxisRange())

	slow := pathway(ctx.In("slow"), slowClips, c3dWidths, 1)
	fastWidths := make([]int, len(c3dWidths))
	for i, w := range c3dWidths {
		fastWidths[i] = max(1, w/slowFastBetaInv)
	}
	fast := pathway(ctx.In("fast"), clips, fastWidths, 3)

	slowFeatures := graph.ReduceMean(slow, 1, 2, 3)
	fastFeatures := graph.ReduceMean(fast, 1, 2, 3)
	features := graph.Concatenate([]*graph.Node{slowFeatures, fastFeatures}, -1)

	logits := fnn.New(ctx.In("readout"), features, numClasses).Done()
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}
