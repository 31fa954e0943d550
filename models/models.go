// Package models builds the video classification graphs. Inputs are clip
// batches shaped [batch, frames, height, width, 3] (channels last); the
// output is one logits node shaped [batch, num_classes].
package models

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// archs maps the model.arch config value to its graph builder.
var archs = map[string]train.ModelFn{
	"c3d":      C3DGraph,
	"slowfast": SlowFastGraph,
}

// Select returns the graph builder for the architecture name.
func Select(arch string) (train.ModelFn, error) {
	modelFn, ok := archs[arch]
	if !ok {
		return nil, errors.Errorf("unknown model architecture %q, valid values are %v", arch, Archs())
	}
	return modelFn, nil
}

// Archs lists the registered architecture names, sorted.
func Archs() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
