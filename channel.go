package vr

import "context"

// Channel is a reliable, ordered, bidirectional message stream to one
// remote peer (another replica, or a client). Implementations live in
// package transport; Send never blocks the caller and is lossless from the
// caller's point of view (drops, if any, are modeled inside the
// implementation, e.g. transport.MemChannel's configurable loss).
type Channel interface {
	// LocalUid is this end's identity.
	LocalUid() ReplicaUid
	// RemoteUid is the identity the channel was told it is talking to, or
	// "" before the handshake completes.
	RemoteUid() ReplicaUid

	// ConnectionUid is the nonce minted at handshake, used to break
	// simultaneous-connect ties. It may be set exactly once.
	ConnectionUid() ConnectionUid
	SetConnectionUid(ConnectionUid) error

	// Send enqueues m for delivery. It returns an error only if the
	// channel is already known to be closed.
	Send(m Msg) error

	// Receive blocks for one message, or returns ErrChannelClosed (the
	// "sentinel") once the channel has been closed by either end. It also
	// returns ctx.Err() if ctx is done first.
	Receive(ctx context.Context) (Msg, error)

	Close() error
}

// Dialer actively opens a new Channel to a peer, exchanging nothing beyond
// the transport-level connect; the handshake itself is the
// ConnectionManager's job, not the Dialer's.
type Dialer interface {
	Connect(ctx context.Context, localUid ReplicaUid, peerAddr string) (Channel, error)
}

// Listener accepts inbound Channels; ConnectionManager.Serve drives it.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Close() error
}
