package vr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPushBackAndGet(t *testing.T) {
	l := NewLog()
	ln := l.PushBack(LogItem{ViewNumber: 1, ClientUid: "c1", ClientSeqno: 0, Payload: []byte("a")})
	assert.Equal(t, LogNumber(0), ln)
	assert.Equal(t, LogNumber(1), l.Last())

	item, ok := l.Get(ln)
	require.True(t, ok)
	assert.Equal(t, "c1", string(item.ClientUid))
}

func TestLogSetAtExtendsWithPlaceholders(t *testing.T) {
	l := NewLog()
	l.SetAt(3, LogItem{ViewNumber: 2, ClientUid: "c1", ClientSeqno: 0})
	assert.Equal(t, LogNumber(0), l.First())
	assert.Equal(t, LogNumber(4), l.Last())

	for ln := LogNumber(0); ln < 3; ln++ {
		item, ok := l.Get(ln)
		require.True(t, ok)
		assert.True(t, item.IsPlaceholder())
	}
	item, ok := l.Get(3)
	require.True(t, ok)
	assert.False(t, item.IsPlaceholder())
}

func TestLogSetAtBelowFirstIsNoop(t *testing.T) {
	l := NewLog()
	l.PushBack(LogItem{ClientUid: "c1"})
	l.TruncateFront(1)
	assert.Equal(t, LogNumber(1), l.First())

	l.SetAt(0, LogItem{ClientUid: "c2"})
	assert.Equal(t, LogNumber(1), l.First(), "SetAt below first_logno must be a silent no-op")
}

func TestLogTruncateFront(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		l.PushBack(LogItem{ClientUid: "c1", ClientSeqno: int64(i)})
	}
	l.TruncateFront(3)
	assert.Equal(t, LogNumber(3), l.First())
	assert.Equal(t, 2, l.Len())

	item, ok := l.Get(3)
	require.True(t, ok)
	assert.Equal(t, int64(3), item.ClientSeqno)
}

func TestLogTruncateTrailingPlaceholders(t *testing.T) {
	l := NewLog()
	l.PushBack(LogItem{ClientUid: "c1", ClientSeqno: 0})
	l.PushBack(Placeholder(1))
	l.PushBack(Placeholder(1))

	l.TruncateTrailingPlaceholders(0)
	assert.Equal(t, LogNumber(1), l.Last(), "trailing placeholders above floor should be dropped")
}

func TestLogResizePanicsOnExtend(t *testing.T) {
	l := NewLog()
	l.PushBack(LogItem{})
	assert.Panics(t, func() { l.Resize(5) })
}

func TestLogSegment(t *testing.T) {
	l := NewLog()
	for i := 0; i < 3; i++ {
		l.PushBack(LogItem{ClientUid: "c1", ClientSeqno: int64(i)})
	}
	seg := l.Segment(1)
	require.Len(t, seg, 2)
	assert.Equal(t, LogNumber(1), seg[0].LogNumber)
	assert.Equal(t, int64(1), seg[0].Item.ClientSeqno)
}
