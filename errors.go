package vr

import "errors"

// Protocol-level conditions the core itself detects, plus the two
// connection-level sentinels (ErrChannelClosed, ErrHandshakeTimeout) that
// Channels and the ConnectionManager report. Transport failures are handled
// by retry/reconnect.
var (
	// ErrNotMember is returned when a peer not present in the addressed
	// view attempts an operation that requires membership (e.g. an ack).
	ErrNotMember = errors.New("vr: sender is not a member of this view")

	// ErrMalformedView is returned by View.Assign when a peer's view
	// payload fails validation (empty membership, empty or duplicate
	// member uids, primary index out of range).
	ErrMalformedView = errors.New("vr: malformed view payload")

	// ErrMalformedMessage is returned by UnmarshalMsg when bytes do not
	// decode as a Msg. transport.TCPChannel decodes its stream itself and
	// closes the channel on a decode error instead of reporting this.
	ErrMalformedMessage = errors.New("vr: malformed message")

	// ErrStopped is delivered on a Replica's AtView/AtCommit/AtStore
	// channels once its Stop method has been called.
	ErrStopped = errors.New("vr: replica stopped")

	// ErrNoQuorum is an internal sentinel, never surfaced to a peer: it is
	// logged when a view-change round's deadline passes without a quorum
	// of confirmations, just before the round is retried.
	ErrNoQuorum = errors.New("vr: no quorum available")

	// ErrInvariantViolated marks a condition the protocol guarantees can
	// never arise under correct operation (e.g. two committed entries at
	// the same log number and view disagreeing on client/seqno). It is
	// fatal: callers that see it should abort the replica.
	ErrInvariantViolated = errors.New("vr: invariant violated")

	// ErrChannelClosed is returned by Channel.Receive/Send once the
	// channel's sentinel has been observed.
	ErrChannelClosed = errors.New("vr: channel closed")

	// ErrHandshakeTimeout is returned when a connect's handshake does not
	// complete within handshake_timeout.
	ErrHandshakeTimeout = errors.New("vr: handshake timeout")

	// ErrConnectionSuperseded is logged when the ConnectionManager closes
	// the channel that lost duplicate-connection resolution.
	ErrConnectionSuperseded = errors.New("vr: connection uid lost duplicate resolution")
)
