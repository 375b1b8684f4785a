package transport

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-vr/vr"
)

// MemNetwork is an in-process switchboard: Dial on one side finds the
// matching Listen on the other by address and hands each end a connected
// MemChannel. It models a lossy, delayed network for the scenario tests
// spec §8 describes (split quorum healing, log recovery, and so on).
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemListener

	lossRate float64
	delay    time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewMemNetwork builds a network with the given packet loss probability
// (0 disables it) and a fixed one-way delay applied to every message.
func NewMemNetwork(seed uint64, lossRate float64, delay time.Duration) *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*MemListener),
		lossRate:  lossRate,
		delay:     delay,
		rng:       rand.New(rand.NewPCG(seed, seed^0xd1b54a32d192ed03)),
	}
}

// Listen registers addr on the network and returns a Listener for it.
func (n *MemNetwork) Listen(addr string) *MemListener {
	ln := &MemListener{accept: make(chan *MemChannel, 16), closed: make(chan struct{})}
	n.mu.Lock()
	n.listeners[addr] = ln
	n.mu.Unlock()
	return ln
}

// Dialer returns a vr.Dialer bound to this network.
func (n *MemNetwork) Dialer() vr.Dialer { return (*memDialer)(n) }

func (n *MemNetwork) shouldDrop() bool {
	if n.lossRate <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < n.lossRate
}

type memDialer MemNetwork

func (d *memDialer) Connect(ctx context.Context, localUid vr.ReplicaUid, peerAddr string) (vr.Channel, error) {
	n := (*MemNetwork)(d)
	n.mu.Lock()
	ln, ok := n.listeners[peerAddr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no listener at %q", peerAddr)
	}

	a := newMemChannel(localUid, n)
	b := newMemChannel("", n)
	a.peer, b.peer = b, a

	select {
	case ln.accept <- b:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ln.closed:
		return nil, vr.ErrChannelClosed
	}
	return a, nil
}

// MemListener is the accept side of a MemNetwork address.
type MemListener struct {
	accept    chan *MemChannel
	closeOnce sync.Once
	closed    chan struct{}
}

func (l *MemListener) Accept(ctx context.Context) (vr.Channel, error) {
	select {
	case ch := <-l.accept:
		return ch, nil
	case <-l.closed:
		return nil, vr.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// MemChannel is a Channel backed by a pair of Go channels standing in for a
// network link; Send on one end enqueues onto its peer's inbox, subject to
// the owning MemNetwork's configured loss and delay.
type MemChannel struct {
	base
	net  *MemNetwork
	peer *MemChannel

	inbox         chan vr.Msg
	closeOnce     sync.Once
	closed        chan struct{}
	peerGoneOnce  sync.Once
	peerGone      chan struct{}
}

func newMemChannel(localUid vr.ReplicaUid, net *MemNetwork) *MemChannel {
	return &MemChannel{
		base:     base{localUid: localUid},
		net:      net,
		inbox:    make(chan vr.Msg, 256),
		closed:   make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

func (c *MemChannel) Send(m vr.Msg) error {
	select {
	case <-c.closed:
		return vr.ErrChannelClosed
	default:
	}
	if c.net.shouldDrop() {
		return nil
	}
	go func() {
		if c.net.delay > 0 {
			time.Sleep(c.net.delay)
		}
		select {
		case c.peer.inbox <- m:
		case <-c.peer.closed:
		}
	}()
	return nil
}

func (c *MemChannel) Receive(ctx context.Context) (vr.Msg, error) {
	select {
	case m := <-c.inbox:
		c.noteHandshake(m)
		return m, nil
	case <-c.closed:
		return vr.Msg{}, vr.ErrChannelClosed
	case <-c.peerGone:
		return vr.Msg{}, vr.ErrChannelClosed
	case <-ctx.Done():
		return vr.Msg{}, ctx.Err()
	}
}

// Close shuts this end down and, mirroring a real socket's FIN, wakes the
// peer's Receive with ErrChannelClosed instead of leaving it blocked
// forever on a link nobody will ever write to again.
func (c *MemChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.peer != nil {
			c.peer.peerGoneOnce.Do(func() { close(c.peer.peerGone) })
		}
	})
	return nil
}
