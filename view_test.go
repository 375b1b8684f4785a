package vr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeMemberView(t *testing.T, self ReplicaUid) View {
	t.Helper()
	var v View
	err := v.Assign(ViewPayload{
		ViewNumber: 1,
		Members: []ViewMemberDesc{
			{ReplicaUid: "a"}, {ReplicaUid: "b"}, {ReplicaUid: "c"},
		},
		Primary: 0,
	}, self)
	require.NoError(t, err)
	return v
}

func TestViewFAndQuorum(t *testing.T) {
	v := threeMemberView(t, "a")
	assert.Equal(t, 1, v.F())
	assert.Equal(t, 2, v.Quorum())
}

func TestViewIsPrimary(t *testing.T) {
	primary := threeMemberView(t, "a")
	assert.True(t, primary.IsPrimary())

	backup := threeMemberView(t, "b")
	assert.False(t, backup.IsPrimary())
	assert.True(t, backup.IsMember())
}

func TestViewAssignRejectsMalformed(t *testing.T) {
	var v View
	err := v.Assign(ViewPayload{Members: nil}, "a")
	assert.ErrorIs(t, err, ErrMalformedView)

	err = v.Assign(ViewPayload{
		Members: []ViewMemberDesc{{ReplicaUid: "a"}, {ReplicaUid: "a"}},
		Primary: 0,
	}, "a")
	assert.ErrorIs(t, err, ErrMalformedView)

	err = v.Assign(ViewPayload{
		Members: []ViewMemberDesc{{ReplicaUid: "a"}},
		Primary: 5,
	}, "a")
	assert.ErrorIs(t, err, ErrMalformedView)
}

func TestViewAccountAckMonotonic(t *testing.T) {
	v := threeMemberView(t, "a")
	m, ok := v.Find("b")
	require.True(t, ok)

	v.AccountAck(m, 5)
	assert.Equal(t, LogNumber(5), m.AckNo)

	v.AccountAck(m, 2)
	assert.Equal(t, LogNumber(5), m.AckNo, "AccountAck must never lower AckNo")
}

func TestViewAccountAckCount(t *testing.T) {
	v := threeMemberView(t, "a")
	ma, _ := v.Find("a")
	mb, _ := v.Find("b")
	mc, _ := v.Find("c")

	v.AccountAck(ma, 10)
	v.AccountAck(mb, 5)
	v.AccountAck(mc, 10)

	assert.Equal(t, 2, ma.AckNoCount, "two members (a,c) have AckNo>=10")
	assert.Equal(t, 3, mb.AckNoCount, "all three members have AckNo>=5")
}

func TestViewAdvanceRecomputesPrimary(t *testing.T) {
	v := threeMemberView(t, "a")
	v.Advance()
	assert.Equal(t, ViewNumber(2), v.ViewNumber)
	assert.Equal(t, 2, v.PrimaryIndex)
	assert.False(t, v.Members[0].Acked)
}

func TestViewSharedQuorum(t *testing.T) {
	a := threeMemberView(t, "a")
	b := threeMemberView(t, "a")
	assert.True(t, a.SharedQuorum(&b))

	var disjoint View
	_ = disjoint.Assign(ViewPayload{
		ViewNumber: 1,
		Members:    []ViewMemberDesc{{ReplicaUid: "x"}, {ReplicaUid: "y"}, {ReplicaUid: "z"}},
		Primary:    0,
	}, "x")
	assert.False(t, a.SharedQuorum(&disjoint))
}

func TestViewAddMember(t *testing.T) {
	v := threeMemberView(t, "a")
	added := v.AddMember("d", "addr:1")
	assert.True(t, added)
	assert.Equal(t, 4, len(v.Members))

	added = v.AddMember("d", "addr:2")
	assert.False(t, added, "adding an existing member is a no-op")
}
