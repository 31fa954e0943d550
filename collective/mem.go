package collective

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// part is one member's contribution to a collective round. Only the field
// matching the call kind is set.
type part struct {
	kind string
	op   Op
	root int
	f64  []float64
	f32  []float32
	i32  []int32
}

// memHub synchronizes the members of an in-memory group. Each collective is
// one exchange round: all members deposit a part and every member receives
// the full rank-ordered set.
type memHub struct {
	mu   sync.Mutex
	cond *sync.Cond

	n       int
	arrived int
	gen     uint64
	parts   []part
	result  []part
}

// exchange blocks until all n members contributed, then returns every part in
// rank order.
func (h *memHub) exchange(rank int, p part) []part {
	h.mu.Lock()
	defer h.mu.Unlock()
	gen := h.gen
	h.parts[rank] = p
	h.arrived++
	if h.arrived == h.n {
		h.result = slices.Clone(h.parts)
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
	} else {
		for gen == h.gen {
			h.cond.Wait()
		}
	}
	return h.result
}

// memGroup is one member of an in-memory group. Useful to exercise the
// distributed paths of the trainer with one goroutine per worker.
type memGroup struct {
	hub  *memHub
	rank int
}

// NewMemWorld creates an in-process group of n members communicating through
// shared memory. Member i of the returned slice has rank i.
func NewMemWorld(n int) []Group {
	hub := &memHub{n: n, parts: make([]part, n)}
	hub.cond = sync.NewCond(&hub.mu)
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = &memGroup{hub: hub, rank: i}
	}
	return groups
}

func (g *memGroup) Rank() int      { return g.rank }
func (g *memGroup) WorldSize() int { return g.hub.n }
func (g *memGroup) Close() error   { return nil }

func (g *memGroup) exchangeChecked(p part) ([]part, error) {
	parts := g.hub.exchange(g.rank, p)
	for rank, other := range parts {
		if other.kind != p.kind {
			return nil, errors.Errorf("collective mismatch: rank %d called %s while rank %d called %s",
				g.rank, p.kind, rank, other.kind)
		}
	}
	return parts, nil
}

func (g *memGroup) AllReduce(op Op, vals []float64) error {
	parts, err := g.exchangeChecked(part{kind: "allreduce", op: op, f64: slices.Clone(vals)})
	if err != nil {
		return err
	}
	contribs := make([][]float64, len(parts))
	for i, p := range parts {
		contribs[i] = p.f64
	}
	out, err := reduceParts(op, contribs)
	if err != nil {
		return err
	}
	copy(vals, out)
	return nil
}

func (g *memGroup) AllGatherFloat32(vals []float32) ([]float32, error) {
	parts, err := g.exchangeChecked(part{kind: "gather_f32", f32: slices.Clone(vals)})
	if err != nil {
		return nil, err
	}
	var out []float32
	for _, p := range parts {
		out = append(out, p.f32...)
	}
	return out, nil
}

func (g *memGroup) AllGatherInt(vals []int32) ([]int32, error) {
	parts, err := g.exchangeChecked(part{kind: "gather_i32", i32: slices.Clone(vals)})
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, p := range parts {
		out = append(out, p.i32...)
	}
	return out, nil
}

func (g *memGroup) Broadcast(root int, vals []float64) error {
	if root < 0 || root >= g.hub.n {
		return errors.Errorf("broadcast root %d outside group of size %d", root, g.hub.n)
	}
	parts, err := g.exchangeChecked(part{kind: "broadcast", root: root, f64: slices.Clone(vals)})
	if err != nil {
		return err
	}
	src := parts[root].f64
	if len(src) != len(vals) {
		return errors.Errorf("broadcast length mismatch: root sent %d values, rank %d expects %d",
			len(src), g.rank, len(vals))
	}
	copy(vals, src)
	return nil
}

func (g *memGroup) Barrier() error {
	_, err := g.exchangeChecked(part{kind: "barrier"})
	return err
}
