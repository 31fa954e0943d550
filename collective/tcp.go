package collective

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// frame is the gob wire unit of the TCP group. Every collective is one frame
// from each member to the coordinator and one result frame back.
type frame struct {
	Kind string
	Seq  uint64
	Rank int
	Op   Op
	Root int
	F64  []float64
	F32  []float32
	I32  []int32
}

const (
	kindJoin = "join"
	kindAck  = "ack"
)

// joinTimeout bounds how long a worker retries the coordinator handshake.
const joinTimeout = 2 * time.Minute

type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (p *peerConn) send(f *frame) error {
	return errors.Wrap(p.enc.Encode(f), "failed to send frame")
}

func (p *peerConn) recv() (*frame, error) {
	f := &frame{}
	if err := p.dec.Decode(f); err != nil {
		return nil, errors.Wrap(err, "failed to receive frame")
	}
	return f, nil
}

// TCPGroup is a process group coordinated by rank 0: every member holds one
// persistent connection to the coordinator, which gathers one frame per
// member per collective, reduces and answers. Suitable for the per-epoch and
// periodic synchronization cadence of the training loop, not for per-tensor
// gradient traffic.
type TCPGroup struct {
	rank      int
	worldSize int

	mu  sync.Mutex
	seq uint64

	// Coordinator (rank 0) state.
	listener net.Listener
	peers    []*peerConn // indexed by rank, entry 0 unused

	// Worker (rank > 0) state.
	coord *peerConn
}

var _ Group = (*TCPGroup)(nil)

// NewTCPGroup joins the group at the coordinator address. Rank 0 listens on
// the address and waits for the other worldSize-1 members; other ranks dial
// in with exponential backoff until the coordinator is up.
func NewTCPGroup(rank, worldSize int, coordinator string) (*TCPGroup, error) {
	if worldSize < 2 {
		return nil, errors.Errorf("TCP group needs world_size >= 2, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("rank %d outside world of size %d", rank, worldSize)
	}
	g := &TCPGroup{rank: rank, worldSize: worldSize}
	if rank == 0 {
		if err := g.acceptPeers(coordinator); err != nil {
			return nil, err
		}
	} else {
		if err := g.join(coordinator); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *TCPGroup) acceptPeers(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "coordinator failed to listen on %s", address)
	}
	g.listener = listener
	g.peers = make([]*peerConn, g.worldSize)
	for joined := 1; joined < g.worldSize; joined++ {
		conn, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "coordinator failed to accept peer")
		}
		peer := newPeerConn(conn)
		join, err := peer.recv()
		if err != nil {
			return err
		}
		if join.Kind != kindJoin || join.Rank <= 0 || join.Rank >= g.worldSize {
			return errors.Errorf("bad join from %s: kind=%q rank=%d", conn.RemoteAddr(), join.Kind, join.Rank)
		}
		if g.peers[join.Rank] != nil {
			return errors.Errorf("rank %d joined twice", join.Rank)
		}
		g.peers[join.Rank] = peer
		klog.V(1).Infof("rank %d joined (%d/%d)", join.Rank, joined+1, g.worldSize)
	}
	// All joined: release the workers.
	for rank := 1; rank < g.worldSize; rank++ {
		if err := g.peers[rank].send(&frame{Kind: kindAck, Rank: rank}); err != nil {
			return err
		}
	}
	klog.Infof("process group of %d workers established on %s", g.worldSize, address)
	return nil
}

func (g *TCPGroup) join(coordinator string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = joinTimeout
	return backoff.Retry(func() error {
		conn, err := net.Dial("tcp", coordinator)
		if err != nil {
			return errors.Wrapf(err, "rank %d failed to reach coordinator %s", g.rank, coordinator)
		}
		peer := newPeerConn(conn)
		if err := peer.send(&frame{Kind: kindJoin, Rank: g.rank}); err != nil {
			_ = conn.Close()
			return err
		}
		ack, err := peer.recv()
		if err != nil {
			_ = conn.Close()
			return err
		}
		if ack.Kind != kindAck || ack.Rank != g.rank {
			_ = conn.Close()
			return backoff.Permanent(errors.Errorf("bad ack: kind=%q rank=%d", ack.Kind, ack.Rank))
		}
		g.coord = peer
		return nil
	}, policy)
}

func (g *TCPGroup) Rank() int      { return g.rank }
func (g *TCPGroup) WorldSize() int { return g.worldSize }

// exchange runs one collective round: the coordinator collects one frame per
// member, computes the result and answers everyone; workers send their
// contribution and wait for the result.
func (g *TCPGroup) exchange(self *frame) (*frame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	self.Seq = g.seq
	self.Rank = g.rank
	if g.rank != 0 {
		if err := g.coord.send(self); err != nil {
			return nil, err
		}
		result, err := g.coord.recv()
		if err != nil {
			return nil, err
		}
		if result.Seq != self.Seq || result.Kind != self.Kind {
			return nil, errors.Errorf("out of sync with coordinator: sent %s/%d, got %s/%d",
				self.Kind, self.Seq, result.Kind, result.Seq)
		}
		return result, nil
	}

	parts := make([]*frame, g.worldSize)
	parts[0] = self
	for rank := 1; rank < g.worldSize; rank++ {
		f, err := g.peers[rank].recv()
		if err != nil {
			return nil, err
		}
		if f.Rank != rank || f.Seq != self.Seq || f.Kind != self.Kind {
			return nil, errors.Errorf("rank %d out of sync: expected %s/%d, got %s/%d from rank %d",
				rank, self.Kind, self.Seq, f.Kind, f.Seq, f.Rank)
		}
		parts[rank] = f
	}
	result, err := g.combine(self.Kind, parts)
	if err != nil {
		return nil, err
	}
	result.Seq = self.Seq
	result.Kind = self.Kind
	for rank := 1; rank < g.worldSize; rank++ {
		if err := g.peers[rank].send(result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (g *TCPGroup) combine(kind string, parts []*frame) (*frame, error) {
	switch kind {
	case "allreduce":
		contribs := make([][]float64, len(parts))
		for i, p := range parts {
			contribs[i] = p.F64
		}
		out, err := reduceParts(parts[0].Op, contribs)
		if err != nil {
			return nil, err
		}
		return &frame{F64: out}, nil
	case "gather_f32":
		out := &frame{}
		for _, p := range parts {
			out.F32 = append(out.F32, p.F32...)
		}
		return out, nil
	case "gather_i32":
		out := &frame{}
		for _, p := range parts {
			out.I32 = append(out.I32, p.I32...)
		}
		return out, nil
	case "broadcast":
		root := parts[0].Root
		if root < 0 || root >= len(parts) {
			return nil, errors.Errorf("broadcast root %d outside group of size %d", root, len(parts))
		}
		return &frame{F64: parts[root].F64}, nil
	case "barrier":
		return &frame{}, nil
	}
	return nil, errors.Errorf("unknown collective kind %q", kind)
}

func (g *TCPGroup) AllReduce(op Op, vals []float64) error {
	result, err := g.exchange(&frame{Kind: "allreduce", Op: op, F64: vals})
	if err != nil {
		return err
	}
	if len(result.F64) != len(vals) {
		return errors.Errorf("allreduce result has %d values, expected %d", len(result.F64), len(vals))
	}
	copy(vals, result.F64)
	return nil
}

func (g *TCPGroup) AllGatherFloat32(vals []float32) ([]float32, error) {
	result, err := g.exchange(&frame{Kind: "gather_f32", F32: vals})
	if err != nil {
		return nil, err
	}
	return result.F32, nil
}

func (g *TCPGroup) AllGatherInt(vals []int32) ([]int32, error) {
	result, err := g.exchange(&frame{Kind: "gather_i32", I32: vals})
	if err != nil {
		return nil, err
	}
	return result.I32, nil
}

func (g *TCPGroup) Broadcast(root int, vals []float64) error {
	result, err := g.exchange(&frame{Kind: "broadcast", Root: root, F64: vals})
	if err != nil {
		return err
	}
	if len(result.F64) != len(vals) {
		return errors.Errorf("broadcast result has %d values, expected %d", len(result.F64), len(vals))
	}
	copy(vals, result.F64)
	return nil
}

func (g *TCPGroup) Barrier() error {
	_, err := g.exchange(&frame{Kind: "barrier"})
	return err
}

func (g *TCPGroup) Close() error {
	var firstErr error
	closeConn := func(c net.Conn) {
		if c == nil {
			return
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.coord != nil {
		closeConn(g.coord.conn)
	}
	for _, p := range g.peers {
		if p != nil {
			closeConn(p.conn)
		}
	}
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Wrap(firstErr, "failed to close process group")
}
