package vr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgRoundtripRequest(t *testing.T) {
	m := NewRequestMsg(7, 100, [][]byte{[]byte("a"), []byte("b")})
	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMsg(b)
	require.NoError(t, err)
	assert.Equal(t, TagRequest, got.Tag)
	require.NotNil(t, got.Request)
	assert.Equal(t, int64(7), got.Request.Seq)
	assert.Equal(t, int64(100), got.Request.StartSeqno)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got.Request.Payloads)
	assert.Equal(t, int64(7), got.Seq())
}

func TestMsgRoundtripView(t *testing.T) {
	ackno := LogNumber(42)
	logno := LogNumber(10)
	payload := ViewPayload{
		ViewNumber: 3,
		Members:    []ViewMemberDesc{{ReplicaUid: "a", Address: "127.0.0.1:1"}},
		Primary:    0,
		AckNo:      &ackno,
		Ack:        true,
		Logno:      &logno,
		Log:        []LogEntryDesc{{ViewNumber: 3, ClientUid: "c1", ClientSeqno: 1, Payload: []byte("x")}},
	}
	m := NewViewMsg(9, payload)

	b, err := m.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalMsg(b)
	require.NoError(t, err)

	require.NotNil(t, got.View)
	assert.Equal(t, ViewNumber(3), got.View.ViewNumber)
	require.NotNil(t, got.View.AckNo)
	assert.Equal(t, LogNumber(42), *got.View.AckNo)
	require.Len(t, got.View.Log, 1)
	assert.Equal(t, "c1", string(got.View.Log[0].ClientUid))
}

func TestMsgUnmarshalMalformedReturnsSentinel(t *testing.T) {
	_, err := UnmarshalMsg([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestTagStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "request", TagRequest.String())
	assert.Equal(t, "ack", TagAck.String())
	assert.Contains(t, Tag(99).String(), "99")
}

func TestErrorPayloadCarriesNegatedSeq(t *testing.T) {
	m := NewErrorMsg(-5, "bad tag")
	require.NotNil(t, m.Error)
	assert.Equal(t, int64(-5), m.Error.Seq)
	assert.Equal(t, "bad tag", m.Error.Reason)
}
