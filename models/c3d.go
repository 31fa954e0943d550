package models

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"

	"github.com/videoml/vidtrain/config"
)

// c3dWidths are the channel counts of the convolution stages.
var c3dWidths = []int{32, 64, 128, 256}

// C3DGraph implements train.ModelFn: a plain stack of 3D convolutions with
// batch normalization and max pooling, followed by global average pooling and
// an FNN readout.
//
// Progressive resizing feeds clips of varying shape, so pooling windows adapt
// to the frame count instead of assuming the full-length clip.
func C3DGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	clips := assertClipBatch(inputs)
	batchSize := clips.Shape().Dimensions[0]
	numClasses := context.GetParamOr(ctx, config.ParamNumClasses, 400)

	logits := c3dBackbone(ctx.In("backbone"), clips)
	// Global average pool over frames, height and width.
	logits = graph.ReduceMean(logits, 1, 2, 3)
	logits = fnn.New(ctx.In("readout"), logits, numClasses).Done()
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}

// assertClipBatch panics unless the first input is a clip batch shaped
// [batch, frames, height, width, 3].
func assertClipBatch(inputs []*graph.Node) *graph.Node {
	if len(inputs) == 0 {
		exceptions.Panicf("model graphs require the clip batch as first input, got none")
	}
	clips := inputs[0]
	if clips.Rank() != 5 || clips.Shape().Dimensions[4] != 3 {
		exceptions.Panicf("clip batches must be shaped [batch, frames, height, width, 3], got %s", clips.Shape())
	}
	return clips
}

// c3dBackbone applies the convolution stages. Shared with the fused pathway
// models through pathway().
func c3dBackbone(ctx *context.Context, clips *graph.Node) *graph.Node {
	return pathway(ctx, clips, c3dWidths, 3)
}

// pathway builds one stack of 3D convolution stages over the clip, with the
// given channel widths and temporal kernel size.
func pathway(ctx *context.Context, x *graph.Node, widths []int, temporalKernel int) *graph.Node {
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	for stage, channels := range widths {
		kt := min(temporalKernel, x.Shape().Dimensions[1])
		x = layers.Convolution(nextCtx("conv"), x).
			Channels(channels).
			KernelSizePerAxis(kt, 3, 3).
			PadSame().
			Done()
		x = activations.Relu(x)
		x = batchnorm.New(nextCtx("norm"), x, -1).Done()

		// Pool spatially every stage; pool temporally once the stem has seen
		// full-rate frames, and only while frames remain to pool.
		poolT := 1
		if stage > 0 && x.Shape().Dimensions[1] > 1 {
			poolT = 2
		}
		if x.Shape().Dimensions[2] > 1 {
			x = graph.MaxPool(x).WindowPerAxis(poolT, 2, 2).PadSame().Done()
		}
	}
	return x
}
