package vr

import (
	"fmt"
	"time"
)

// handle dispatches one inbound message to the appropriate handler. All
// non-handshake inbound messages are ignored while stopped is set (spec
// §4.5.1); the handshake itself never reaches here because the
// ConnectionManager consumes it before registering the channel.
func (r *Replica) handle(from PeerUid, m Msg) {
	if r.stopped {
		return
	}
	switch m.Tag {
	case TagRequest:
		r.handleRequest(from, m.Request)
	case TagCommit:
		r.handleCommit(from, m.Commit)
	case TagAck:
		r.handleAck(from, m.Ack)
	case TagJoin:
		r.handleJoin(from, m.Join)
	case TagView:
		r.handleView(from, m.View)
	case TagError:
		r.handleError(from, m.Error)
	default:
		r.cm.Send(from, NewErrorMsg(-m.Seq(), "unknown tag"))
	}
}

func (r *Replica) inViewChange() bool {
	return r.curView.ViewNumber != r.nextView.ViewNumber
}

func (r *Replica) viewMsgForResync(seq int64) Msg {
	return NewViewMsg(seq, r.nextView.Describe())
}

// handleRequest implements spec §4.5.1's `request` handler.
func (r *Replica) handleRequest(from PeerUid, req *RequestPayload) {
	if req == nil {
		r.cm.Send(from, NewErrorMsg(0, "malformed request"))
		return
	}
	clientUid := ClientUid(from)

	if !r.curView.IsPrimary() || r.inViewChange() {
		r.cm.Send(from, r.viewMsgForResync(req.Seq))
		return
	}

	rec, ok := r.clients[clientUid]
	if !ok {
		// -1 so that a new client's first seqno (0) is not taken for a
		// duplicate of a request never seen.
		rec = &clientRecord{recentSeqno: -1}
		r.clients[clientUid] = rec
	}

	var entries []CommitEntry
	startLn := r.vlog.Last()
	for i, payload := range req.Payloads {
		seq := req.StartSeqno + int64(i)
		switch {
		case seq < rec.recentSeqno:
			continue // outdated, drop
		case seq == rec.recentSeqno:
			if i == 0 && rec.hasResult {
				r.cm.Send(from, NewResponseMsg([]ResponseItem{{Seqno: seq, Payload: rec.result}}))
			}
			continue
		default:
			item := LogItem{ViewNumber: r.curView.ViewNumber, ClientUid: clientUid, ClientSeqno: seq, Payload: payload}
			r.vlog.PushBack(item)
			entries = append(entries, CommitEntry{ViewDelta: 0, ClientUid: clientUid, ClientSeqno: seq, Payload: payload})
			rec.recentSeqno = seq
			rec.hasResult = false
		}
	}
	if len(entries) == 0 {
		return
	}

	if me, ok := r.curView.Find(r.uid); ok {
		r.curView.AccountAck(me, r.vlog.Last())
	}
	r.broadcastCommit(startLn, entries)
	r.lastCommitSent = time.Now()
}

func (r *Replica) broadcastCommit(logno LogNumber, entries []CommitEntry) {
	decideDelta := r.commitNo.Sub(r.decideNo)
	m := NewCommitMsg(r.nextSeq(), r.curView.ViewNumber, r.commitNo, decideDelta, logno, entries)
	for _, member := range r.curView.Members {
		if member.ReplicaUid == r.uid {
			continue
		}
		r.cm.Send(member.ReplicaUid.Peer(), m)
	}
}

// handleCommit implements spec §4.5.1's `commit` handler (primary->backup).
func (r *Replica) handleCommit(from PeerUid, c *CommitPayload) {
	if c == nil {
		r.cm.Send(from, NewErrorMsg(0, "malformed commit"))
		return
	}

	if c.ViewNumber == r.nextView.ViewNumber && r.inViewChange() && !r.nextView.IsPrimary() {
		r.curView = r.nextView
	} else if c.ViewNumber != r.curView.ViewNumber || r.inViewChange() {
		r.cm.Send(from, r.viewMsgForResync(0))
		return
	}

	decideNoPrime := c.CommitNo.Add(-c.DecideDelta)
	r.commitNo = MaxLogNumber(r.commitNo, decideNoPrime)
	r.ackNo = MaxLogNumber(r.ackNo, decideNoPrime)

	for i, e := range c.Entries {
		ln := c.Logno.Add(int64(i))
		if ln.Less(r.vlog.First()) {
			// spec §9 open question: commit entries below first_logno are
			// skipped, the slot has already been truncated.
			continue
		}
		itemView := r.curView.ViewNumber - ViewNumber(e.ViewDelta)
		incoming := LogItem{ViewNumber: itemView, ClientUid: e.ClientUid, ClientSeqno: e.ClientSeqno, Payload: e.Payload}
		existing, exists := r.vlog.Get(ln)
		switch {
		case !exists, existing.IsPlaceholder(), existing.ViewNumber.Less(itemView):
			r.vlog.SetAt(ln, incoming)
		case existing.ViewNumber == itemView:
			if !existing.SameRequest(incoming) {
				panic(fmt.Errorf("%w: log %v disagrees in view %v", ErrInvariantViolated, ln, itemView))
			}
		default:
			// existing is strictly newer: keep it, we already hold the
			// preferred item.
		}
	}

	if !r.vlog.Last().Less(c.CommitNo) {
		r.commitNo = MaxLogNumber(r.commitNo, c.CommitNo)
	}
	r.decideNo = MaxLogNumber(r.decideNo, decideNoPrime)
	r.vlog.TruncateFront(r.decideNo)

	if len(c.Entries) > 0 {
		for ln := r.ackNo; ln.Less(r.vlog.Last()); ln++ {
			item, ok := r.vlog.Get(ln)
			if !ok || item.IsPlaceholder() {
				break
			}
			r.ackNo = ln.Add(1)
		}
		r.sackNo = MaxLogNumber(r.sackNo, r.vlog.Last())
	}

	r.cm.Send(from, NewAckMsg(r.nextSeq(), r.curView.ViewNumber, r.ackNo, r.sackNo.Sub(r.ackNo)))
	r.lastCommitRecv = time.Now()
}

// handleAck implements spec §4.5.1's `ack` handler (backup->primary).
func (r *Replica) handleAck(from PeerUid, a *AckPayload) {
	if a == nil {
		r.cm.Send(from, NewErrorMsg(0, "malformed ack"))
		return
	}
	if !r.curView.IsPrimary() || a.ViewNumber != r.curView.ViewNumber {
		return
	}
	peerUid := ReplicaUid(from)
	member, ok := r.curView.Find(peerUid)
	if !ok {
		r.cm.Send(from, NewErrorMsg(-a.Seq, ErrNotMember.Error()))
		return
	}

	oldCommitNo := r.commitNo
	r.curView.AccountAck(member, a.AckNo)

	if member.AckNoCount > r.curView.F() {
		r.advanceCommit(oldCommitNo, member.AckNo)
	}
	if member.AckNoCount == len(r.curView.Members) {
		if r.decideNo.Less(member.AckNo) {
			r.decideNo = member.AckNo
			r.vlog.TruncateFront(r.decideNo)
		}
	}
	if a.SackDelta > 0 {
		r.retransmitRange(peerUid, a.AckNo, a.AckNo.Add(a.SackDelta))
	}
}

// advanceCommit raises commit_no to newCommitNo and replies to every
// client whose request sits at a log number in [oldCommitNo, newCommitNo)
// (commit_no is an exclusive bound), aggregating each
// client's newly-committed results into a single response message.
func (r *Replica) advanceCommit(oldCommitNo, newCommitNo LogNumber) {
	if !oldCommitNo.Less(newCommitNo) {
		return
	}
	r.commitNo = newCommitNo

	byClient := make(map[ClientUid][]ResponseItem)
	for ln := oldCommitNo; ln.Less(newCommitNo); ln = ln.Add(1) {
		item, ok := r.vlog.Get(ln)
		if !ok || item.IsPlaceholder() {
			continue
		}
		result, err := r.sm.Exec(item.Payload)
		if err != nil {
			r.log.Printf("vr: state machine exec failed at %v: %v", ln, err)
			continue
		}
		rec, ok := r.clients[item.ClientUid]
		if !ok {
			rec = &clientRecord{}
			r.clients[item.ClientUid] = rec
		}
		rec.recentSeqno = item.ClientSeqno
		rec.hasResult = true
		rec.result = result
		byClient[item.ClientUid] = append(byClient[item.ClientUid], ResponseItem{Seqno: item.ClientSeqno, Payload: result})
	}
	for cuid, items := range byClient {
		r.cm.Send(cuid.Peer(), NewResponseMsg(items))
	}
}

func (r *Replica) retransmitRange(to ReplicaUid, from, upto LogNumber) {
	var entries []CommitEntry
	logno := from
	for ln := from; ln.Less(upto) && ln.Less(r.vlog.Last()); ln = ln.Add(1) {
		item, ok := r.vlog.Get(ln)
		if !ok {
			break
		}
		entries = append(entries, CommitEntry{
			ViewDelta: r.curView.ViewNumber.Sub(item.ViewNumber), ClientUid: item.ClientUid,
			ClientSeqno: item.ClientSeqno, Payload: item.Payload,
		})
	}
	if len(entries) == 0 {
		return
	}
	decideDelta := r.commitNo.Sub(r.decideNo)
	r.cm.Send(to.Peer(), NewCommitMsg(r.nextSeq(), r.curView.ViewNumber, r.commitNo, decideDelta, logno, entries))
}

// handleJoin implements spec §4.5.1's `join` handler.
func (r *Replica) handleJoin(from PeerUid, j *JoinPayload) {
	if j == nil {
		return
	}
	peerUid := ReplicaUid(from)
	if r.nextView.Count(peerUid) > 0 {
		// spec §9 open question 3: rather than silently dropping a
		// repeated join, resend our view so the sender can resync.
		r.cm.Send(from, r.viewMsgForResync(0))
		return
	}
	r.nextView.AddMember(peerUid, r.addrBook[peerUid])
	r.nextView.Advance()
	r.beginViewChange()
}

func (r *Replica) beginViewChange() {
	r.selfAck()
	r.sentConfirm = false
	r.announceView()
	// With no peers left to answer (or a view singular enough that our own
	// ack already clears every quorum gate), nothing would otherwise ever
	// re-check the confirm/finalize tail outside of handleView's response
	// to an incoming message.
	r.maybeSendConfirm()
	r.maybeFinalizeOrReply(r.uid)
}

// selfAck marks our own membership in cur_view and next_view as acked and
// folds in our own log position: a replica trivially agrees with the view
// it is itself proposing or already running, and without this no other
// member ever sends us an ack for our own entry (Prepare only fires for a
// remote sender's payload), which would make NAcked()/the confirm gate
// unreachable whenever a quorum requires our own vote.
func (r *Replica) selfAck() {
	if me, ok := r.curView.Find(r.uid); ok {
		me.Acked = true
	}
	if me, ok := r.nextView.Find(r.uid); ok {
		me.Acked = true
		r.nextView.AccountAck(me, r.vlog.Last())
	}
}

func (r *Replica) announceView() {
	payload := r.nextView.Describe()
	payload.Ack = true
	ackno := r.vlog.Last()
	payload.AckNo = &ackno
	logno := r.vlog.First()
	payload.Logno = &logno
	payload.Log = describeSegment(r.vlog, logno)
	for _, member := range r.nextView.Members {
		if member.ReplicaUid == r.uid {
			continue
		}
		r.cm.Send(member.ReplicaUid.Peer(), NewViewMsg(r.nextSeq(), payload))
	}
}

func describeSegment(l *Log, from LogNumber) []LogEntryDesc {
	seg := l.Segment(from)
	out := make([]LogEntryDesc, len(seg))
	for i, s := range seg {
		out[i] = LogEntryDesc{
			ViewNumber: s.Item.ViewNumber, ClientUid: s.Item.ClientUid,
			ClientSeqno: s.Item.ClientSeqno, Payload: s.Item.Payload,
		}
	}
	return out
}

func sameMembership(a, b View) bool {
	if len(a.Members) != len(b.Members) || a.PrimaryIndex != b.PrimaryIndex {
		return false
	}
	for i := range a.Members {
		if a.Members[i].ReplicaUid != b.Members[i].ReplicaUid {
			return false
		}
	}
	return true
}

// handleView implements spec §4.5.1's `view` handler and the log-transfer
// merge described in §4.5.2.
func (r *Replica) handleView(from PeerUid, v *ViewPayload) {
	if v == nil {
		r.cm.Send(from, NewErrorMsg(0, "malformed view"))
		return
	}
	var vNew View
	if err := vNew.Assign(*v, r.uid); err != nil {
		r.cm.Send(from, NewErrorMsg(-v.Seq, "malformed view payload"))
		return
	}
	if vNew.Count(ReplicaUid(from)) == 0 {
		return
	}

	delta := vNew.ViewNumber.Sub(r.nextView.ViewNumber)
	disagree := delta == 0 && !sameMembership(vNew, r.nextView)
	if delta < 0 || disagree || !r.nextView.SharedQuorum(&vNew) {
		r.cm.Send(from, r.viewMsgForResync(0))
		return
	}

	if delta == 0 {
		r.curView.Prepare(ReplicaUid(from), *v, false)
		r.nextView.Prepare(ReplicaUid(from), *v, true)

		if r.nextView.IsPrimary() && v.Log != nil {
			if r.inViewChange() {
				r.mergeLogSegment(ReplicaUid(from), *v)
			} else {
				r.updateMatchingLogno(ReplicaUid(from), *v)
			}
		}
	} else {
		r.nextView = vNew
		r.selfAck()
		r.sentConfirm = false
		r.announceView()
	}

	r.maybeSendConfirm()
	r.maybeFinalizeOrReply(ReplicaUid(from))
}

func (r *Replica) maybeSendConfirm() {
	if r.sentConfirm {
		return
	}
	if r.curView.NAcked() <= r.curView.F() || r.nextView.NAcked() <= r.nextView.F() {
		return
	}
	incomingPrimary, ok := r.nextView.Find(r.nextView.Primary().ReplicaUid)
	if !ok || !incomingPrimary.Acked {
		return
	}
	r.sentConfirm = true
	primaryUid := r.nextView.Primary().ReplicaUid
	if primaryUid == r.uid {
		// We are the incoming primary confirming our own round: there is no
		// peer to send this to, so apply it locally instead of mailing
		// ourselves a message nothing would ever deliver.
		if me, ok := r.nextView.Find(r.uid); ok {
			me.Confirmed = true
		}
		r.maybeFinalizeOrReply(r.uid)
		return
	}
	payload := r.nextView.Describe()
	payload.Confirm = true
	payload.Ack = true
	ackno := r.vlog.Last()
	payload.AckNo = &ackno
	r.cm.Send(primaryUid.Peer(), NewViewMsg(r.nextSeq(), payload))
}

func (r *Replica) maybeFinalizeOrReply(from ReplicaUid) {
	if !r.nextView.IsPrimary() || r.nextView.NConfirmed() <= r.nextView.F() {
		return
	}
	if r.inViewChange() {
		r.finalizeViewChange()
	} else {
		r.sendCommitLogTo(from)
	}
}

func (r *Replica) finalizeViewChange() {
	r.selfAck()
	r.curView = r.nextView
	r.sentConfirm = false
	r.vlog.TruncateTrailingPlaceholders(r.commitNo)
	r.lastCommitSent = time.Now()
	for _, member := range r.curView.Members {
		if member.ReplicaUid == r.uid || !member.Confirmed {
			continue
		}
		r.sendCommitLogTo(member.ReplicaUid)
	}
}

func (r *Replica) sendCommitLogTo(peer ReplicaUid) {
	var from LogNumber
	if member, ok := r.curView.Find(peer); ok {
		from = member.AckNo
		// A peer's claimed AckNo can overstate how far its log actually
		// agrees with ours (see mergeLogSegment/updateMatchingLogno); when
		// we have verified a lower matching point this round, resend from
		// there instead so the peer never keeps a diverged entry.
		if member.MatchingLognoKnown && member.MatchingLogno.Less(from) {
			from = member.MatchingLogno
		}
	}
	var entries []CommitEntry
	logno := from
	for ln := from; ln.Less(r.vlog.Last()); ln = ln.Add(1) {
		item, ok := r.vlog.Get(ln)
		if !ok {
			break
		}
		entries = append(entries, CommitEntry{
			ViewDelta: r.curView.ViewNumber.Sub(item.ViewNumber), ClientUid: item.ClientUid,
			ClientSeqno: item.ClientSeqno, Payload: item.Payload,
		})
	}
	decideDelta := r.commitNo.Sub(r.decideNo)
	r.cm.Send(peer.Peer(), NewCommitMsg(r.nextSeq(), r.curView.ViewNumber, r.commitNo, decideDelta, logno, entries))
}

// mergeLogSegment implements the primary-side merge of spec §4.5.2 while
// a view change is in flight: it folds a backup's attached log segment
// into our own log and tracks how far back that backup's log actually
// agrees with ours (MatchingLogno), for use once we finalize.
func (r *Replica) mergeLogSegment(from ReplicaUid, v ViewPayload) {
	if v.Logno == nil {
		return
	}
	member, ok := r.nextView.Find(from)
	if !ok {
		return
	}
	logno := *v.Logno
	diverged := false
	var divergedAt LogNumber
	for i, e := range v.Log {
		ln := logno.Add(int64(i))
		incoming := LogItem{ViewNumber: e.ViewNumber, ClientUid: e.ClientUid, ClientSeqno: e.ClientSeqno, Payload: e.Payload}
		existing, exists := r.vlog.Get(ln)
		switch {
		case !exists, existing.IsPlaceholder(), existing.ViewNumber.Less(incoming.ViewNumber):
			r.vlog.SetAt(ln, incoming)
			if !exists && !diverged {
				divergedAt, diverged = ln, true
			}
		case existing.ViewNumber == incoming.ViewNumber:
			if !existing.SameRequest(incoming) {
				panic(fmt.Errorf("%w: log %v disagrees in view %v during merge", ErrInvariantViolated, ln, incoming.ViewNumber))
			}
		default:
			if !diverged {
				divergedAt, diverged = ln, true
			}
		}
	}
	if diverged {
		member.MatchingLogno = divergedAt
		member.MatchingLognoKnown = true
	} else if len(v.Log) > 0 {
		member.MatchingLogno = logno.Add(int64(len(v.Log)))
		member.MatchingLognoKnown = true
	}
}

// updateMatchingLogno implements the same bookkeeping as mergeLogSegment
// for the case where we are already settled as primary in the new view
// (no merge needed, since our log is already authoritative): it just
// records how far the peer's attached segment agrees with our log.
func (r *Replica) updateMatchingLogno(from ReplicaUid, v ViewPayload) {
	if v.Logno == nil {
		return
	}
	member, ok := r.curView.Find(from)
	if !ok {
		return
	}
	logno := *v.Logno
	matching := logno
	for i, e := range v.Log {
		ln := logno.Add(int64(i))
		existing, exists := r.vlog.Get(ln)
		if !exists || existing.ViewNumber != e.ViewNumber || existing.ClientUid != e.ClientUid || existing.ClientSeqno != e.ClientSeqno {
			break
		}
		matching = ln.Add(1)
	}
	member.MatchingLogno = matching
	member.MatchingLognoKnown = true
}

func (r *Replica) handleError(from PeerUid, e *ErrorPayload) {
	if e == nil {
		return
	}
	r.log.Printf("vr: peer %s reported error (seq=%d): %s", from, e.Seq, e.Reason)
}
