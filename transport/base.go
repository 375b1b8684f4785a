// Package transport provides the two Channel/Dialer/Listener implementations
// the core vr package is specified against but deliberately does not ship
// itself (spec §1 calls wire transport an external collaborator): an
// in-process MemNetwork for tests, and a TCPChannel for production use.
package transport

import (
	"sync"

	"github.com/go-vr/vr"
)

// base holds the bookkeeping common to both Channel implementations:
// identity and the connection uid used to break simultaneous-connect races.
// RemoteUid is not supplied by either Dialer or Listener (neither side knows
// who it's talking to until the handshake completes); both implementations
// populate it the same way, by snooping the handshake message as it passes
// through Receive.
type base struct {
	localUid vr.ReplicaUid

	mu        sync.Mutex
	remoteUid vr.ReplicaUid
	connUid   vr.ConnectionUid
	connSet   bool
}

func (b *base) LocalUid() vr.ReplicaUid { return b.localUid }

func (b *base) RemoteUid() vr.ReplicaUid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteUid
}

func (b *base) ConnectionUid() vr.ConnectionUid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connUid
}

func (b *base) SetConnectionUid(u vr.ConnectionUid) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connSet {
		return nil
	}
	b.connUid = u
	b.connSet = true
	return nil
}

// noteHandshake records the peer's identity the first time a handshake
// message passes through Receive, in either direction.
func (b *base) noteHandshake(m vr.Msg) {
	if m.Tag != vr.TagHandshake || m.Handshake == nil {
		return
	}
	b.mu.Lock()
	if b.remoteUid == "" {
		b.remoteUid = m.Handshake.ReplicaUid
	}
	b.mu.Unlock()
}
