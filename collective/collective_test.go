package collective

import (
	"net"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIsNoOp(t *testing.T) {
	g := Local{}
	assert.Equal(t, 0, g.Rank())
	assert.Equal(t, 1, g.WorldSize())

	vals := []float64{1, 2, 3}
	require.NoError(t, g.AllReduce(Sum, vals))
	assert.Equal(t, []float64{1, 2, 3}, vals)

	gathered, err := g.AllGatherInt([]int32{7})
	require.NoError(t, err)
	assert.Equal(t, []int32{7}, gathered)
	require.NoError(t, g.Barrier())
	require.NoError(t, g.Close())
}

// runWorld runs fn once per member concurrently and fails on any error.
func runWorld(t *testing.T, groups []Group, fn func(g Group) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for i, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(g)
		}()
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestMemWorldAllReduce(t *testing.T) {
	const n = 4
	for _, tc := range []struct {
		op   Op
		want []float64
	}{
		{Sum, []float64{0 + 1 + 2 + 3, 4 * 10}},
		{Mean, []float64{1.5, 10}},
		{Max, []float64{3, 10}},
	} {
		t.Run(tc.op.String(), func(t *testing.T) {
			groups := NewMemWorld(n)
			results := make([][]float64, n)
			runWorld(t, groups, func(g Group) error {
				vals := []float64{float64(g.Rank()), 10}
				if err := g.AllReduce(tc.op, vals); err != nil {
					return err
				}
				results[g.Rank()] = vals
				return nil
			})
			for rank := 0; rank < n; rank++ {
				assert.Equal(t, tc.want, results[rank], "rank %d", rank)
			}
		})
	}
}

func TestMemWorldAllGatherIsRankOrdered(t *testing.T) {
	const n = 3
	groups := NewMemWorld(n)
	results := make([][]int32, n)
	runWorld(t, groups, func(g Group) error {
		var err error
		results[g.Rank()], err = g.AllGatherInt([]int32{int32(g.Rank() * 10), int32(g.Rank()*10 + 1)})
		return err
	})
	want := []int32{0, 1, 10, 11, 20, 21}
	for rank := 0; rank < n; rank++ {
		assert.Equal(t, want, results[rank])
	}
}

func TestMemWorldBroadcast(t *testing.T) {
	const n = 3
	groups := NewMemWorld(n)
	results := make([][]float64, n)
	runWorld(t, groups, func(g Group) error {
		vals := []float64{float64(g.Rank()), float64(g.Rank())}
		if err := g.Broadcast(1, vals); err != nil {
			return err
		}
		results[g.Rank()] = vals
		return nil
	})
	for rank := 0; rank < n; rank++ {
		assert.Equal(t, []float64{1, 1}, results[rank])
	}
}

func TestMemWorldBarrier(t *testing.T) {
	groups := NewMemWorld(2)
	runWorld(t, groups, func(g Group) error {
		for i := 0; i < 10; i++ {
			if err := g.Barrier(); err != nil {
				return err
			}
		}
		return nil
	})
}

// freePort grabs a localhost port. There is a small window where another
// process could take it, acceptable for a test.
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestTCPGroup(t *testing.T) {
	const n = 3
	addr := freePort(t)

	var wg sync.WaitGroup
	errs := make([]error, n)
	sums := make([][]float64, n)
	gathered := make([][]int32, n)
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := NewTCPGroup(rank, n, addr)
			if err != nil {
				errs[rank] = err
				return
			}
			defer func() { _ = g.Close() }()

			vals := []float64{float64(rank + 1)}
			if err := g.AllReduce(Sum, vals); err != nil {
				errs[rank] = err
				return
			}
			sums[rank] = vals

			gathered[rank], err = g.AllGatherInt([]int32{int32(rank)})
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = g.Barrier()
		}()
	}
	wg.Wait()
	for rank := 0; rank < n; rank++ {
		require.NoError(t, errs[rank], "rank %d", rank)
		assert.Equal(t, []float64{6}, sums[rank], "rank %d", rank)
		assert.Equal(t, []int32{0, 1, 2}, gathered[rank], "rank %d", rank)
	}
}

func TestTCPGroupRejectsBadWorld(t *testing.T) {
	_, err := NewTCPGroup(0, 1, "127.0.0.1:0")
	require.Error(t, err)
	_, err = NewTCPGroup(5, 2, "127.0.0.1:0")
	require.Error(t, err)
}

func TestSyncVariablesAverages(t *testing.T) {
	const n = 2
	groups := NewMemWorld(n)

	ctxs := make([]*context.Context, n)
	for rank := 0; rank < n; rank++ {
		ctx := context.New()
		scoped := ctx.In("model")
		scoped.VariableWithValue("w", tensors.FromFlatDataAndDimensions(
			[]float32{float32(rank), float32(rank) * 2}, 2))
		scoped.VariableWithValue("step", int32(rank)).SetTrainable(false)
		ctxs[rank] = ctx
	}

	runWorld(t, groups, func(g Group) error {
		return SyncVariables(ctxs[g.Rank()], g)
	})

	for rank := 0; rank < n; rank++ {
		v := ctxs[rank].In("model").GetVariable("w")
		require.NotNil(t, v)
		val, err := v.Value()
		require.NoError(t, err)
		var got []float32
		require.NoError(t, tensors.ConstFlatData[float32](val, func(flat []float32) {
			got = append(got, flat...)
		}))
		// Ranks held {0,0} and {1,2}; the average is {0.5,1}.
		assert.Equal(t, []float32{0.5, 1}, got, "rank %d", rank)

		step := ctxs[rank].In("model").GetVariable("step")
		require.NotNil(t, step)
		stepVal, err := step.Value()
		require.NoError(t, err)
		assert.Equal(t, int32(rank), stepVal.Value(), "non-trainable variables stay untouched")
	}
}
