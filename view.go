package vr

// Member is one entry in a View's membership list, together with the
// acknowledgment bookkeeping a replica keeps about that peer while
// negotiating or running a view.
type Member struct {
	ReplicaUid ReplicaUid
	Address    string

	// Acked is true once this member acknowledged the view currently being
	// negotiated (matched our payload, per View.Prepare).
	Acked bool
	// Confirmed is true once this member told us it has also heard back
	// from a quorum (the second phase of ack -> confirm -> adopt).
	Confirmed bool

	// AckNo is the highest log number this member has acknowledged;
	// AccountAck never lets it decrease.
	AckNo LogNumber
	// AckNoCount is |{m : m.AckNo >= this.AckNo}|, recomputed by
	// AccountAck every time any member's AckNo changes.
	AckNoCount int

	// MatchingLogno is the highest log position at which this peer's log
	// is known to agree with ours; the incoming primary uses it during
	// state transfer to decide how far back it must resend. Meaningful
	// only once MatchingLognoKnown is set: a member that never attached a
	// log segment during view negotiation (e.g. one that has simply been
	// acking normally since before the last view change) has no comparison
	// to report, so resend must fall back to its claimed AckNo instead.
	MatchingLogno      LogNumber
	MatchingLognoKnown bool
}

// View is an immutable-by-convention snapshot of the group's current
// configuration: membership, primary, view number, plus the per-member
// acknowledgment bookkeeping described above. "Immutable by convention"
// because a Replica holds two views (cur_view/next_view) and mutates each
// in place as acks arrive, rather than replacing it wholesale.
type View struct {
	ViewNumber   ViewNumber
	Members      []Member
	PrimaryIndex int
	// MyIndex is -1 if the local replica is not a member of this view.
	MyIndex int
}

// MakeSingularView constructs a view of size 1 containing only uid, at
// view number 0. Every replica starts in a singular view and either
// receives a join or announces itself with one.
func MakeSingularView(uid ReplicaUid) View {
	return View{
		ViewNumber:   0,
		Members:      []Member{{ReplicaUid: uid}},
		PrimaryIndex: 0,
		MyIndex:      0,
	}
}

// IsSingular reports whether this view contains only the local replica.
func (v *View) IsSingular() bool { return len(v.Members) == 1 }

// IsMember reports whether the local replica is present in this view.
func (v *View) IsMember() bool { return v.MyIndex >= 0 }

// IsPrimary reports whether the local replica is this view's primary.
func (v *View) IsPrimary() bool { return v.IsMember() && v.MyIndex == v.PrimaryIndex }

// Primary returns the member at PrimaryIndex.
func (v *View) Primary() Member { return v.Members[v.PrimaryIndex] }

// F returns the maximum number of crash failures this view tolerates.
func (v *View) F() int { return (len(v.Members) - 1) / 2 }

// Quorum returns f()+1, the number of members required to agree.
func (v *View) Quorum() int { return v.F() + 1 }

// Count returns 1 if uid is a member, 0 otherwise.
func (v *View) Count(uid ReplicaUid) int {
	if _, ok := v.Find(uid); ok {
		return 1
	}
	return 0
}

// Find returns a pointer to uid's Member record so callers can update its
// bookkeeping in place.
func (v *View) Find(uid ReplicaUid) (*Member, bool) {
	for i := range v.Members {
		if v.Members[i].ReplicaUid == uid {
			return &v.Members[i], true
		}
	}
	return nil, false
}

// Assign validates and parses a peer's view description into v. It fails
// on duplicate or empty member uids, an empty membership, or a primary
// index out of range.
func (v *View) Assign(payload ViewPayload, myUid ReplicaUid) error {
	if len(payload.Members) == 0 {
		return ErrMalformedView
	}
	if payload.Primary < 0 || payload.Primary >= len(payload.Members) {
		return ErrMalformedView
	}
	seen := make(map[ReplicaUid]bool, len(payload.Members))
	members := make([]Member, len(payload.Members))
	for i, md := range payload.Members {
		if md.ReplicaUid == "" || seen[md.ReplicaUid] {
			return ErrMalformedView
		}
		seen[md.ReplicaUid] = true
		members[i] = Member{ReplicaUid: md.ReplicaUid, Address: md.Address}
	}

	myIndex := -1
	for i, m := range members {
		if m.ReplicaUid == myUid {
			myIndex = i
		}
	}

	v.ViewNumber = payload.ViewNumber
	v.Members = members
	v.PrimaryIndex = payload.Primary
	v.MyIndex = myIndex
	return nil
}

// SharedQuorum reports whether v and other are "close enough" to
// negotiate: their member-set intersection is a strict majority of both,
// or the intersection equals one of the two sets entirely.
func (v *View) SharedQuorum(other *View) bool {
	inter := 0
	for _, m := range v.Members {
		if other.Count(m.ReplicaUid) > 0 {
			inter++
		}
	}
	if inter == len(v.Members) || inter == len(other.Members) {
		return true
	}
	return inter*2 > len(v.Members) && inter*2 > len(other.Members)
}

// Prepare records that uid acknowledged this view. If payload.Confirm is
// set, uid is also marked confirmed. If payload carries an ackno and
// isNext is true (this is the next_view, not cur_view), the ack is
// accounted through AccountAck.
func (v *View) Prepare(uid ReplicaUid, payload ViewPayload, isNext bool) {
	m, ok := v.Find(uid)
	if !ok {
		return
	}
	m.Acked = true
	if payload.Confirm {
		m.Confirmed = true
	}
	if payload.AckNo != nil && isNext {
		v.AccountAck(m, *payload.AckNo)
	}
}

// AccountAck monotonically raises member.AckNo to ackno (never lowers it)
// and recomputes every member's AckNoCount as |{m : m.AckNo >= this.AckNo}|.
func (v *View) AccountAck(member *Member, ackno LogNumber) {
	if ackno.Less(member.AckNo) {
		return
	}
	member.AckNo = ackno
	for i := range v.Members {
		count := 0
		for j := range v.Members {
			if !v.Members[j].AckNo.Less(v.Members[i].AckNo) {
				count++
			}
		}
		v.Members[i].AckNoCount = count
	}
}

// Advance increments the view number (skipping zero on wraparound),
// recomputes the primary index, and clears per-member ack/confirm state
// for the new negotiation round. AckNo/AckNoCount/MatchingLogno are left
// alone: they describe log state, not this round's negotiation.
func (v *View) Advance() {
	v.ViewNumber = v.ViewNumber.Advance()
	if len(v.Members) > 0 {
		v.PrimaryIndex = int(uint64(v.ViewNumber) % uint64(len(v.Members)))
	}
	for i := range v.Members {
		v.Members[i].Acked = false
		v.Members[i].Confirmed = false
	}
}

// NAcked returns the number of members that have acked the current round.
func (v *View) NAcked() int {
	n := 0
	for _, m := range v.Members {
		if m.Acked {
			n++
		}
	}
	return n
}

// NConfirmed returns the number of members that have confirmed the
// current round.
func (v *View) NConfirmed() int {
	n := 0
	for _, m := range v.Members {
		if m.Confirmed {
			n++
		}
	}
	return n
}

// Describe builds the wire payload describing v, without any of the
// optional ack/confirm/log-segment fields a particular handler may add.
func (v *View) Describe() ViewPayload {
	members := make([]ViewMemberDesc, len(v.Members))
	for i, m := range v.Members {
		members[i] = ViewMemberDesc{ReplicaUid: m.ReplicaUid, Address: m.Address}
	}
	return ViewPayload{
		ViewNumber: v.ViewNumber,
		Members:    members,
		Primary:    v.PrimaryIndex,
	}
}

// AddMember appends uid/addr to the view if not already present and
// returns whether it was added.
func (v *View) AddMember(uid ReplicaUid, addr string) bool {
	if v.Count(uid) > 0 {
		return false
	}
	v.Members = append(v.Members, Member{ReplicaUid: uid, Address: addr})
	return true
}
