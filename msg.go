package vr

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Tag discriminates a wire message's shape, mirroring spec §6: a positive
// tag is a request, its negation is the matching response, and 0 is
// reserved for protocol-level framing errors.
type Tag int8

const (
	TagRequest   Tag = 1
	TagResponse  Tag = -1
	TagCommit    Tag = 3
	TagAck       Tag = -3
	TagHandshake Tag = 4
	TagJoin      Tag = 5
	TagView      Tag = 6
	TagError     Tag = 100
)

func (t Tag) String() string {
	switch t {
	case TagRequest:
		return "request"
	case TagResponse:
		return "response"
	case TagCommit:
		return "commit"
	case TagAck:
		return "ack"
	case TagHandshake:
		return "handshake"
	case TagJoin:
		return "join"
	case TagView:
		return "view"
	case TagError:
		return "error"
	default:
		return fmt.Sprintf("tag(%d)", int8(t))
	}
}

// Msg is the envelope for every message exchanged over a Channel. Exactly
// one of the payload fields is populated, selected by Tag. A struct of
// pointer-payload fields (rather than a literal heterogeneous array) keeps
// decode type-safe while preserving the tag+payload shape spec §6 lays out.
type Msg struct {
	Tag Tag

	Request   *RequestPayload   `msgpack:",omitempty"`
	Response  *ResponsePayload  `msgpack:",omitempty"`
	Commit    *CommitPayload    `msgpack:",omitempty"`
	Ack       *AckPayload       `msgpack:",omitempty"`
	Handshake *HandshakePayload `msgpack:",omitempty"`
	Join      *JoinPayload      `msgpack:",omitempty"`
	View      *ViewPayload      `msgpack:",omitempty"`
	Error     *ErrorPayload     `msgpack:",omitempty"`
}

// RequestPayload is `request[seq, start_seqno, payloads...]`.
type RequestPayload struct {
	Seq        int64
	StartSeqno int64
	Payloads   [][]byte
}

// ResponseItem is one (seqno, payload) pair aggregated into a response.
type ResponseItem struct {
	Seqno   int64
	Payload []byte
}

// ResponsePayload is `response[-1, _, seq1, payload1, seq2, payload2, ...]`.
type ResponsePayload struct {
	Items []ResponseItem
}

// CommitEntry is one `(view_delta, client_uid, client_seqno, payload)` tuple
// within a commit's log extension.
type CommitEntry struct {
	ViewDelta    int64
	ClientUid    ClientUid
	ClientSeqno  int64
	Payload      []byte
}

// CommitPayload is `commit[seq, viewno, commitno, decide_delta, (logno, entries...)?]`.
type CommitPayload struct {
	Seq         int64
	ViewNumber  ViewNumber
	CommitNo    LogNumber
	DecideDelta int64
	Logno       LogNumber     `msgpack:",omitempty"`
	Entries     []CommitEntry `msgpack:",omitempty"`
}

// AckPayload is `ack[seq, viewno, ackno, sack_delta]`.
type AckPayload struct {
	Seq        int64
	ViewNumber ViewNumber
	AckNo      LogNumber
	SackDelta  int64
}

// HandshakePayload is `handshake[seq, connection_uid, timestamp]`.
type HandshakePayload struct {
	Seq           int64
	ConnectionUid ConnectionUid
	Timestamp     int64 // unix nanos
	ReplicaUid    ReplicaUid
}

// JoinPayload is `join[seq]`; the sender is identified by the channel it
// arrives on, not by a field in the payload.
type JoinPayload struct {
	Seq int64
}

// ViewMemberDesc is one member entry in a view payload.
type ViewMemberDesc struct {
	ReplicaUid ReplicaUid
	Address    string `msgpack:",omitempty"`
}

// LogEntryDesc is one log item as carried in a view payload's log segment.
type LogEntryDesc struct {
	ViewNumber  ViewNumber
	ClientUid   ClientUid
	ClientSeqno int64
	Payload     []byte
}

// ViewPayload is `view[seq, {viewno, members[], primary, ackno?, ack?, confirm?, logno?, log[]?}]`.
type ViewPayload struct {
	Seq        int64
	ViewNumber ViewNumber
	Members    []ViewMemberDesc
	Primary    int

	AckNo   *LogNumber `msgpack:",omitempty"`
	Ack     bool
	Confirm bool

	Logno *LogNumber     `msgpack:",omitempty"`
	Log   []LogEntryDesc `msgpack:",omitempty"`
}

// ErrorPayload is `error[100, -seq, reason]`.
type ErrorPayload struct {
	Seq    int64
	Reason string
}

func NewRequestMsg(seq, startSeqno int64, payloads [][]byte) Msg {
	return Msg{Tag: TagRequest, Request: &RequestPayload{Seq: seq, StartSeqno: startSeqno, Payloads: payloads}}
}

func NewResponseMsg(items []ResponseItem) Msg {
	return Msg{Tag: TagResponse, Response: &ResponsePayload{Items: items}}
}

func NewCommitMsg(seq int64, view ViewNumber, commitNo LogNumber, decideDelta int64, logno LogNumber, entries []CommitEntry) Msg {
	return Msg{Tag: TagCommit, Commit: &CommitPayload{
		Seq: seq, ViewNumber: view, CommitNo: commitNo, DecideDelta: decideDelta, Logno: logno, Entries: entries,
	}}
}

func NewAckMsg(seq int64, view ViewNumber, ackNo LogNumber, sackDelta int64) Msg {
	return Msg{Tag: TagAck, Ack: &AckPayload{Seq: seq, ViewNumber: view, AckNo: ackNo, SackDelta: sackDelta}}
}

func NewHandshakeMsg(seq int64, connUid ConnectionUid, replicaUid ReplicaUid, timestamp int64) Msg {
	return Msg{Tag: TagHandshake, Handshake: &HandshakePayload{Seq: seq, ConnectionUid: connUid, ReplicaUid: replicaUid, Timestamp: timestamp}}
}

func NewJoinMsg(seq int64) Msg {
	return Msg{Tag: TagJoin, Join: &JoinPayload{Seq: seq}}
}

func NewViewMsg(seq int64, payload ViewPayload) Msg {
	payload.Seq = seq
	return Msg{Tag: TagView, View: &payload}
}

func NewErrorMsg(seq int64, reason string) Msg {
	return Msg{Tag: TagError, Error: &ErrorPayload{Seq: seq, Reason: reason}}
}

// Seq returns the sequence number carried by whichever payload is
// populated, or 0 for payload shapes that do not carry one (response).
func (m Msg) Seq() int64 {
	switch {
	case m.Request != nil:
		return m.Request.Seq
	case m.Commit != nil:
		return m.Commit.Seq
	case m.Ack != nil:
		return m.Ack.Seq
	case m.Handshake != nil:
		return m.Handshake.Seq
	case m.Join != nil:
		return m.Join.Seq
	case m.View != nil:
		return m.View.Seq
	case m.Error != nil:
		return m.Error.Seq
	default:
		return 0
	}
}

// Marshal encodes m as MessagePack, the wire codec spec §6 calls for.
func (m Msg) Marshal() ([]byte, error) {
	return msgpack.Marshal(&m)
}

// UnmarshalMsg decodes a MessagePack-encoded Msg.
func UnmarshalMsg(b []byte) (Msg, error) {
	var m Msg
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Msg{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}
