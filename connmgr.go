package vr

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

// PeerUid is the common key ConnectionManager indexes channels by: it is
// either a ReplicaUid (another replica) or a ClientUid (a client), both of
// which are just opaque strings.
type PeerUid string

func (u ReplicaUid) Peer() PeerUid { return PeerUid(u) }
func (u ClientUid) Peer() PeerUid  { return PeerUid(u) }

// InboundHandler is invoked once per inbound message, serialized per-peer
// by the ConnectionManager's receive loop; it is how a Channel "signals
// the replica via events keyed by remote_uid" (design notes §9).
type InboundHandler func(from PeerUid, m Msg)

// CloseHandler is invoked once a peer's registered channel has closed and
// been removed (its receive loop saw the channel end). A channel that lost
// duplicate resolution was already replaced and does not trigger it.
type CloseHandler func(peer PeerUid)

type dialResult struct {
	ch  Channel
	err error
}

// ConnectionManager owns exactly one active Channel per remote uid and
// resolves races deterministically (spec §4.4): concurrent dials to the
// same peer are deduplicated via a waiter queue, and a simultaneous
// bidirectional connect is resolved by comparing connection uids.
type ConnectionManager struct {
	localUid ReplicaUid
	dialer   Dialer
	cfg      Config
	handler  InboundHandler
	onClose  CloseHandler

	mu       sync.Mutex
	channels map[PeerUid]Channel
	pending  map[PeerUid][]chan dialResult

	rngMu sync.Mutex
	rng   *rand.Rand

	log *log.Logger
}

func NewConnectionManager(localUid ReplicaUid, dialer Dialer, cfg Config, handler InboundHandler, onClose CloseHandler) *ConnectionManager {
	return &ConnectionManager{
		localUid: localUid,
		dialer:   dialer,
		cfg:      cfg,
		handler:  handler,
		onClose:  onClose,
		channels: make(map[PeerUid]Channel),
		pending:  make(map[PeerUid][]chan dialResult),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		log:      cfg.Logger,
	}
}

// Get returns the currently-registered channel for peer, if any.
func (cm *ConnectionManager) Get(peer PeerUid) (Channel, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ch, ok := cm.channels[peer]
	return ch, ok
}

// Send delivers m to peer's current channel, if connected. It reports
// whether a channel was found; delivery itself is best-effort, matching
// Channel.Send's "never blocks, lossless from the caller's perspective"
// contract.
func (cm *ConnectionManager) Send(peer PeerUid, m Msg) bool {
	ch, ok := cm.Get(peer)
	if !ok {
		return false
	}
	if err := ch.Send(m); err != nil {
		cm.log.Printf("vr: send to %s failed: %v", peer, err)
	}
	return true
}

// Broadcast sends m to every uid in members except self.
func (cm *ConnectionManager) Broadcast(m Msg, members []ReplicaUid, self ReplicaUid) {
	for _, uid := range members {
		if uid == self {
			continue
		}
		cm.Send(uid.Peer(), m)
	}
}

// Serve runs ln's accept loop until ctx is done.
func (cm *ConnectionManager) Serve(ctx context.Context, ln Listener) {
	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cm.log.Printf("vr: accept failed: %v", err)
			continue
		}
		go func() {
			if err := cm.acceptInbound(ctx, ch); err != nil {
				cm.log.Printf("vr: inbound handshake failed: %v", err)
			}
		}()
	}
}

// acceptInbound completes the passive side of the handshake protocol for a
// freshly-accepted Channel, resolves any duplicate-connection race, and
// (if this side won) starts the channel's receive loop.
func (cm *ConnectionManager) acceptInbound(ctx context.Context, ch Channel) error {
	connUid, peerUid, err := cm.passiveHandshake(ctx, ch)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.SetConnectionUid(connUid); err != nil {
		_ = ch.Close()
		return err
	}
	winner := cm.register(peerUid.Peer(), ch)
	if winner != ch {
		return nil
	}
	go cm.receiveLoop(peerUid.Peer(), ch)
	return nil
}

// Connect actively opens (or reuses/awaits) a channel to peerUid at addr,
// per spec §4.4: a connect already in progress registers the caller on a
// deferred-connect queue instead of dialing again, and every outbound dial
// is preceded by a small random jitter to reduce simultaneous-connect
// collisions.
func (cm *ConnectionManager) Connect(ctx context.Context, peerUid ReplicaUid, addr string) (Channel, error) {
	peer := peerUid.Peer()

	cm.mu.Lock()
	if ch, ok := cm.channels[peer]; ok {
		cm.mu.Unlock()
		return ch, nil
	}
	if waiters, inProgress := cm.pending[peer]; inProgress {
		wait := make(chan dialResult, 1)
		cm.pending[peer] = append(waiters, wait)
		cm.mu.Unlock()
		select {
		case res := <-wait:
			return res.ch, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	cm.pending[peer] = nil
	cm.mu.Unlock()

	ch, err := cm.dialAndHandshake(ctx, peerUid, addr)

	cm.mu.Lock()
	waiters := cm.pending[peer]
	delete(cm.pending, peer)
	cm.mu.Unlock()
	for _, w := range waiters {
		w <- dialResult{ch: ch, err: err}
	}
	return ch, err
}

func (cm *ConnectionManager) jitter() time.Duration {
	cm.rngMu.Lock()
	defer cm.rngMu.Unlock()
	return time.Duration(cm.rng.Int64N(int64(10 * time.Millisecond)))
}

func (cm *ConnectionManager) dialAndHandshake(ctx context.Context, peerUid ReplicaUid, addr string) (Channel, error) {
	select {
	case <-time.After(cm.jitter()):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ch, err := cm.dialer.Connect(ctx, cm.localUid, addr)
	if err != nil {
		return nil, fmt.Errorf("vr: connect to %s: %w", peerUid, err)
	}

	connUid, err := cm.activeHandshake(ctx, ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.SetConnectionUid(connUid); err != nil {
		_ = ch.Close()
		return nil, err
	}

	winner := cm.register(peerUid.Peer(), ch)
	if winner != ch {
		// we lost duplicate resolution against a channel that arrived in
		// the meantime; the caller gets the surviving one transparently.
		return winner, nil
	}
	go cm.receiveLoop(peerUid.Peer(), ch)
	return ch, nil
}

// register installs ch as peer's channel, resolving a duplicate-connection
// race against any existing channel by keeping the larger connection uid
// (spec §4.4); the loser is closed. Returns whichever channel survives.
func (cm *ConnectionManager) register(peer PeerUid, ch Channel) Channel {
	cm.mu.Lock()
	existing, ok := cm.channels[peer]
	if !ok {
		cm.channels[peer] = ch
		cm.mu.Unlock()
		return ch
	}
	if existing == ch {
		cm.mu.Unlock()
		return ch
	}
	var winner, loser Channel
	if existing.ConnectionUid() >= ch.ConnectionUid() {
		winner, loser = existing, ch
	} else {
		winner, loser = ch, existing
	}
	cm.channels[peer] = winner
	cm.mu.Unlock()
	cm.log.Printf("vr: %v: peer %s, closing connection uid %s", ErrConnectionSuperseded, peer, loser.ConnectionUid())
	_ = loser.Close()
	return winner
}

// Remove drops ch as peer's registered channel if it is still current, and
// fires the CloseHandler. Safe to call more than once for the same channel.
func (cm *ConnectionManager) Remove(peer PeerUid, ch Channel) {
	cm.mu.Lock()
	current, ok := cm.channels[peer]
	removed := ok && current == ch
	if removed {
		delete(cm.channels, peer)
	}
	cm.mu.Unlock()
	if removed && cm.onClose != nil {
		cm.onClose(peer)
	}
}

func (cm *ConnectionManager) receiveLoop(peer PeerUid, ch Channel) {
	ctx := context.Background()
	for {
		m, err := ch.Receive(ctx)
		if err != nil {
			cm.Remove(peer, ch)
			return
		}
		cm.handler(peer, m)
	}
}

// activeHandshake is the initiating side: mint a fresh connection uid,
// send it, and retry (bounded by HandshakeTimeout, with MessageTimeout
// between retries) until the peer echoes it back.
func (cm *ConnectionManager) activeHandshake(ctx context.Context, ch Channel) (ConnectionUid, error) {
	connUid := NewConnectionUid()
	deadline := time.Now().Add(cm.cfg.HandshakeTimeout)
	for time.Now().Before(deadline) {
		if err := ch.Send(NewHandshakeMsg(0, connUid, cm.localUid, time.Now().UnixNano())); err != nil {
			return "", err
		}
		rctx, cancel := context.WithTimeout(ctx, cm.cfg.MessageTimeout)
		m, err := ch.Receive(rctx)
		cancel()
		if err == nil && m.Tag == TagHandshake && m.Handshake != nil && m.Handshake.ConnectionUid == connUid {
			return connUid, nil
		}
	}
	return "", ErrHandshakeTimeout
}

// passiveHandshake is the accepting side: wait for the initiator's
// handshake and echo its connection uid back verbatim.
func (cm *ConnectionManager) passiveHandshake(ctx context.Context, ch Channel) (ConnectionUid, ReplicaUid, error) {
	deadline := time.Now().Add(cm.cfg.HandshakeTimeout)
	for time.Now().Before(deadline) {
		rctx, cancel := context.WithTimeout(ctx, cm.cfg.MessageTimeout)
		m, err := ch.Receive(rctx)
		cancel()
		if err == nil && m.Tag == TagHandshake && m.Handshake != nil {
			connUid := m.Handshake.ConnectionUid
			if err := ch.Send(NewHandshakeMsg(0, connUid, cm.localUid, time.Now().UnixNano())); err != nil {
				return "", "", err
			}
			return connUid, m.Handshake.ReplicaUid, nil
		}
	}
	return "", "", ErrHandshakeTimeout
}

// Close shuts down every currently-registered channel.
func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	channels := make([]Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		channels = append(channels, ch)
	}
	cm.channels = make(map[PeerUid]Channel)
	cm.mu.Unlock()
	for _, ch := range channels {
		_ = ch.Close()
	}
}
