// Package collective provides the process-group primitives used by the
// distributed training loop: all-reduce of scalar statistics, all-gather of
// predictions and periodic averaging of model weights across workers.
//
// Three implementations are provided: Local (single process), an in-memory
// group for tests and a TCP group with a rank-0 coordinator for multi-machine
// runs.
package collective

import (
	"github.com/pkg/errors"
)

// Op selects the reduction applied by AllReduce.
type Op int

const (
	Sum Op = iota
	Mean
	Max
)

func (op Op) String() string {
	switch op {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	case Max:
		return "max"
	}
	return "invalid"
}

// Group is a set of workers that synchronize at collective calls. All
// methods except Rank and WorldSize block until every member of the group has
// made the matching call, so members must issue collectives in lockstep.
type Group interface {
	Rank() int
	WorldSize() int

	// AllReduce combines vals element-wise across the group, in place.
	AllReduce(op Op, vals []float64) error

	// AllGatherFloat32 concatenates every member's slice, in rank order.
	AllGatherFloat32(vals []float32) ([]float32, error)

	// AllGatherInt concatenates every member's slice, in rank order.
	AllGatherInt(vals []int32) ([]int32, error)

	// Broadcast replaces vals with the root member's slice, in place.
	// Slices must have the same length on every member.
	Broadcast(root int, vals []float64) error

	// Barrier blocks until every member reaches it.
	Barrier() error

	Close() error
}

// Local is the world-size-1 group: every collective is a no-op.
type Local struct{}

func (Local) Rank() int                      { return 0 }
func (Local) WorldSize() int                 { return 1 }
func (Local) AllReduce(Op, []float64) error  { return nil }
func (Local) Broadcast(int, []float64) error { return nil }
func (Local) Barrier() error                 { return nil }
func (Local) Close() error                   { return nil }

func (Local) AllGatherFloat32(vals []float32) ([]float32, error) { return vals, nil }
func (Local) AllGatherInt(vals []int32) ([]int32, error)         { return vals, nil }

// reduceParts combines rank-ordered contributions element-wise. All parts
// must have the same length.
func reduceParts(op Op, parts [][]float64) ([]float64, error) {
	if len(parts) == 0 {
		return nil, errors.New("allreduce with no contributions")
	}
	n := len(parts[0])
	for rank, p := range parts {
		if len(p) != n {
			return nil, errors.Errorf("allreduce length mismatch: rank 0 sent %d values, rank %d sent %d",
				n, rank, len(p))
		}
	}
	out := make([]float64, n)
	copy(out, parts[0])
	for _, p := range parts[1:] {
		for i, v := range p {
			switch op {
			case Sum, Mean:
				out[i] += v
			case Max:
				if v > out[i] {
					out[i] = v
				}
			default:
				return nil, errors.Errorf("unknown allreduce op %d", op)
			}
		}
	}
	if op == Mean {
		for i := range out {
			out[i] /= float64(len(parts))
		}
	}
	return out, nil
}
