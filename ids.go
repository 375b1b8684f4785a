package vr

import (
	cryrand "crypto/rand"
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/google/uuid"
)

// ReplicaUid identifies a replica. It is opaque and must be unique within a
// deployment; the zero value is never a valid replica.
type ReplicaUid string

// ClientUid identifies a client. The empty ClientUid additionally marks a
// placeholder LogItem (see LogItem).
type ClientUid string

// ConnectionUid is a random nonce minted by the initiating side of a
// handshake (see ConnectionManager); lexicographic comparison of two
// ConnectionUids is how simultaneous-connect races are broken.
type ConnectionUid string

// NewReplicaUid mints a fresh, globally-unique ReplicaUid.
func NewReplicaUid() ReplicaUid {
	return ReplicaUid(uuid.New().String())
}

// NewClientUid mints a fresh, globally-unique ClientUid.
func NewClientUid() ClientUid {
	return ClientUid(uuid.New().String())
}

// NewConnectionUid mints a random nonce for a handshake. Ties are broken by
// lexicographic comparison, so the nonce must compare uniformly regardless
// of which side generated it; base64 of raw random bytes satisfies that.
func NewConnectionUid() ConnectionUid {
	buf := make([]byte, 16)
	if _, err := cryrand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS RNG is unusable; there is
		// no sane fallback, so surface it loudly rather than mint a weak uid.
		panic(fmt.Errorf("vr: failed to mint connection uid: %w", err))
	}
	return ConnectionUid(cristalbase64.StdEncoding.EncodeToString(buf))
}

// ViewNumber is a circular unsigned counter: equality compares value, but
// ordering and differences are taken modulo 2^64 and reinterpreted as
// signed, so the protocol survives wraparound without special-casing it.
type ViewNumber uint64

// LogNumber is a circular unsigned counter identifying an absolute log
// position (not an offset into any particular replica's slice).
type LogNumber uint64

// Sub returns the signed circular difference a-b.
func (a ViewNumber) Sub(b ViewNumber) int64 { return int64(uint64(a) - uint64(b)) }

// Less reports whether a precedes b in circular order.
func (a ViewNumber) Less(b ViewNumber) bool { return a.Sub(b) < 0 }

// Advance returns the next view number, skipping zero on wraparound: zero
// is reserved for "no view yet" (MakeSingularView starts at 0, but a view
// change never revisits it).
func (a ViewNumber) Advance() ViewNumber {
	n := a + 1
	if n == 0 {
		n++
	}
	return n
}

func (a ViewNumber) String() string { return fmt.Sprintf("v%d", uint64(a)) }

// Sub returns the signed circular difference a-b.
func (a LogNumber) Sub(b LogNumber) int64 { return int64(uint64(a) - uint64(b)) }

// Less reports whether a precedes b in circular order.
func (a LogNumber) Less(b LogNumber) bool { return a.Sub(b) < 0 }

// LessEq reports whether a precedes or equals b in circular order.
func (a LogNumber) LessEq(b LogNumber) bool { return a == b || a.Less(b) }

// Add returns a shifted by delta log positions.
func (a LogNumber) Add(delta int64) LogNumber { return LogNumber(int64(a) + delta) }

func (a LogNumber) String() string { return fmt.Sprintf("l%d", uint64(a)) }

// MaxLogNumber returns the circularly-later of two log numbers.
func MaxLogNumber(a, b LogNumber) LogNumber {
	if a.Less(b) {
		return b
	}
	return a
}

// MinLogNumber returns the circularly-earlier of two log numbers.
func MinLogNumber(a, b LogNumber) LogNumber {
	if a.Less(b) {
		return a
	}
	return b
}
