package collective

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SyncVariables averages every trainable float variable of the context across
// the group, in place. Workers must call it at the same point of their loops.
//
// The data-parallel strategy here is periodic weight averaging rather than
// per-step gradient reduction, so the call cadence (every dist.sync_period
// steps plus epoch boundaries) controls how far the replicas may drift.
func SyncVariables(ctx *context.Context, g Group) error {
	if g.WorldSize() < 2 {
		return nil
	}
	// All workers create variables in the same order, but iteration order is
	// not guaranteed. Sort to agree on the reduction order.
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].ScopeAndName() < vars[j].ScopeAndName()
	})

	synced := 0
	for _, v := range vars {
		t, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
		}
		switch t.DType() {
		case dtypes.Float32:
			if err := syncTensor[float32](g, v, t); err != nil {
				return err
			}
		case dtypes.Float64:
			if err := syncTensor[float64](g, v, t); err != nil {
				return err
			}
		default:
			// Integer variables (counters) are not averaged.
			continue
		}
		synced++
	}
	klog.V(1).Infof("rank %d: averaged %d variables across %d workers", g.Rank(), synced, g.WorldSize())
	return nil
}

func syncTensor[T float32 | float64](g Group, v *context.Variable, t *tensors.Tensor) error {
	var vals []float64
	err := tensors.ConstFlatData[T](t, func(flat []T) {
		vals = make([]float64, len(flat))
		for i, x := range flat {
			vals[i] = float64(x)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to read variable %q", v.ScopeAndName())
	}
	if err := g.AllReduce(Mean, vals); err != nil {
		return errors.WithMessagef(err, "failed to average variable %q", v.ScopeAndName())
	}
	flat := make([]T, len(vals))
	for i, x := range vals {
		flat[i] = T(x)
	}
	avg := tensors.FromFlatDataAndDimensions(flat, t.Shape().Dimensions...)
	if err := v.SetValue(avg); err != nil {
		return errors.WithMessagef(err, "failed to update variable %q", v.ScopeAndName())
	}
	return nil
}
