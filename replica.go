package vr

import (
	"context"
	"log"
	"math/rand/v2"
	"sync"
	"time"
)

type clientRecord struct {
	recentSeqno int64
	hasResult   bool
	result      []byte
}

type viewWaiter struct {
	atLeast ViewNumber
	done    chan error
}

type logWaiter struct {
	atLeast LogNumber
	done    chan error
}

// Replica is the Viewstamped Replication state machine described in spec
// §4.5: it owns the log, the current and next View, and the commit/decide
// pointers, and drives view change, prepare/commit, ack, keepalive and
// join entirely from a single goroutine (runLoop) so its state never needs
// locking (spec §5's "single-threaded cooperative" model).
type Replica struct {
	uid ReplicaUid
	cfg Config
	sm  StateMachine
	cm  *ConnectionManager
	log *log.Logger

	vlog *Log

	curView  View
	nextView View

	decideNo LogNumber
	commitNo LogNumber
	ackNo    LogNumber
	sackNo   LogNumber

	stopped     bool
	sentConfirm bool

	clients map[ClientUid]*clientRecord

	seqCounter int64

	viewWaiters   []viewWaiter
	storeWaiters  []logWaiter
	commitWaiters []logWaiter

	lastCommitSent     time.Time
	lastCommitRecv     time.Time
	viewChangeDeadline time.Time

	inbox chan inboundMsg
	cmds  chan func()
	stopc chan struct{}

	rng      *rand.Rand
	addrBook map[ReplicaUid]string
	selfAddr string

	wg sync.WaitGroup
}

// persist snapshots the durable-state layout spec §6 describes (log plus
// the small header of pointers/views) to cfg.Store after every processed
// event. Re-persisting the whole held window each time is simple and
// correct for the default MemStore; a real Store implementation is free to
// make AppendLogItem/SaveHeader cheap for the incremental case (most
// entries are unchanged from the previous call).
func (r *Replica) persist() {
	for ln := r.vlog.First(); ln.Less(r.vlog.Last()); ln++ {
		item, _ := r.vlog.Get(ln)
		if err := r.cfg.Store.AppendLogItem(ln, item); err != nil {
			r.log.Printf("vr: persist log item %v: %v", ln, err)
		}
	}
	if err := r.cfg.Store.TruncateLogFront(r.vlog.First()); err != nil {
		r.log.Printf("vr: persist truncate front: %v", err)
	}
	h := Header{
		FirstLogno: r.vlog.First(),
		DecideNo:   r.decideNo,
		CommitNo:   r.commitNo,
		CurView:    r.curView.Describe(),
		NextView:   r.nextView.Describe(),
	}
	if err := r.cfg.Store.SaveHeader(h); err != nil {
		r.log.Printf("vr: persist header: %v", err)
	}
}

// restore loads a previously-persisted header/log from cfg.Store, if any,
// so a Replica built around a durable Store resumes instead of starting
// from a fresh singular view.
func (r *Replica) restore() {
	h, ok, err := r.cfg.Store.LoadHeader()
	if err != nil {
		r.log.Printf("vr: load header: %v", err)
		return
	}
	if !ok {
		return
	}
	first, items, err := r.cfg.Store.LoadLog()
	if err != nil {
		r.log.Printf("vr: load log: %v", err)
		return
	}
	r.vlog = NewLogAt(first)
	for i, item := range items {
		r.vlog.SetAt(first.Add(int64(i)), item)
	}
	r.decideNo = h.DecideNo
	r.commitNo = h.CommitNo
	r.ackNo = h.CommitNo
	r.sackNo = h.CommitNo
	var cv View
	if err := cv.Assign(h.CurView, r.uid); err == nil {
		r.curView = cv
	}
	var nv View
	if err := nv.Assign(h.NextView, r.uid); err == nil {
		r.nextView = nv
	}
}

type inboundMsg struct {
	from PeerUid
	msg  Msg
}

// NewReplica constructs a replica in a singular view (itself only), ready
// to either announce itself via Join or wait to be joined.
func NewReplica(uid ReplicaUid, selfAddr string, dialer Dialer, sm StateMachine, cfg Config) *Replica {
	cfg.setDefaults()
	r := &Replica{
		uid:      uid,
		cfg:      cfg,
		sm:       sm,
		log:      cfg.Logger,
		vlog:     NewLog(),
		curView:  MakeSingularView(uid),
		nextView: MakeSingularView(uid),
		clients:  make(map[ClientUid]*clientRecord),
		inbox:    make(chan inboundMsg, 256),
		cmds:     make(chan func(), 16),
		stopc:    make(chan struct{}),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xbf58476d1ce4e5b9)),
		addrBook: map[ReplicaUid]string{uid: selfAddr},
		selfAddr: selfAddr,
	}
	now := time.Now()
	r.lastCommitSent, r.lastCommitRecv = now, now
	r.restore()
	r.cm = NewConnectionManager(uid, dialer, cfg, r.deliver, r.peerClosed)
	return r
}

// Run starts the replica's goroutines: the accept loop (if ln != nil), the
// single-threaded event loop, and the keepalive/view-change timers.
func (r *Replica) Run(ctx context.Context, ln Listener) {
	if ln != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.cm.Serve(ctx, ln)
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLoop(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.timerLoop(ctx)
	}()
}

// Stop halts the replica: pending at_* callbacks are unblocked with
// ErrStopped and every subsequently-received message is dropped (spec
// §4.5.1: "all non-handshake inbound messages are ignored while stopped").
func (r *Replica) Stop() {
	r.submit(func() {
		r.stopped = true
		r.failAllWaiters(ErrStopped)
	})
	close(r.stopc)
	r.cm.Close()
}

// Join announces this replica to a known peer's address, requesting to be
// added to its view (spec §4.5.1's `join` handler on the receiving side).
func (r *Replica) Join(ctx context.Context, peerUid ReplicaUid, addr string) error {
	r.addrBook[peerUid] = addr
	ch, err := r.cm.Connect(ctx, peerUid, addr)
	if err != nil {
		return err
	}
	return ch.Send(NewJoinMsg(0))
}

// AtView returns a channel that receives nil once cur_view's view number
// reaches at least v, or ErrStopped if the replica is stopped first.
func (r *Replica) AtView(v ViewNumber) <-chan error {
	done := make(chan error, 1)
	r.submit(func() {
		if r.stopped {
			done <- ErrStopped
			return
		}
		if !r.curView.ViewNumber.Less(v) {
			done <- nil
			return
		}
		r.viewWaiters = append(r.viewWaiters, viewWaiter{atLeast: v, done: done})
	})
	return done
}

// AtCommit returns a channel that fires once commit_no reaches l.
func (r *Replica) AtCommit(l LogNumber) <-chan error {
	done := make(chan error, 1)
	r.submit(func() {
		if r.stopped {
			done <- ErrStopped
			return
		}
		if l.LessEq(r.commitNo) {
			done <- nil
			return
		}
		r.commitWaiters = append(r.commitWaiters, logWaiter{atLeast: l, done: done})
	})
	return done
}

// AtStore returns a channel that fires once log.Last() reaches l.
func (r *Replica) AtStore(l LogNumber) <-chan error {
	done := make(chan error, 1)
	r.submit(func() {
		if r.stopped {
			done <- ErrStopped
			return
		}
		if l.LessEq(r.vlog.Last()) {
			done <- nil
			return
		}
		r.storeWaiters = append(r.storeWaiters, logWaiter{atLeast: l, done: done})
	})
	return done
}

func (r *Replica) failAllWaiters(err error) {
	for _, w := range r.viewWaiters {
		w.done <- err
	}
	r.viewWaiters = nil
	for _, w := range r.storeWaiters {
		w.done <- err
	}
	r.storeWaiters = nil
	for _, w := range r.commitWaiters {
		w.done <- err
	}
	r.commitWaiters = nil
}

func (r *Replica) recheckWaiters() {
	var remaining []viewWaiter
	for _, w := range r.viewWaiters {
		if !r.curView.ViewNumber.Less(w.atLeast) {
			w.done <- nil
		} else {
			remaining = append(remaining, w)
		}
	}
	r.viewWaiters = remaining

	var remainingStore []logWaiter
	for _, w := range r.storeWaiters {
		if w.atLeast.LessEq(r.vlog.Last()) {
			w.done <- nil
		} else {
			remainingStore = append(remainingStore, w)
		}
	}
	r.storeWaiters = remainingStore

	var remainingCommit []logWaiter
	for _, w := range r.commitWaiters {
		if w.atLeast.LessEq(r.commitNo) {
			w.done <- nil
		} else {
			remainingCommit = append(remainingCommit, w)
		}
	}
	r.commitWaiters = remainingCommit
}

// submit schedules fn to run on the replica's single event-loop goroutine.
func (r *Replica) submit(fn func()) {
	select {
	case r.cmds <- fn:
	case <-r.stopc:
	}
}

// deliver is the ConnectionManager's InboundHandler: it hands the message
// to the event loop, preserving per-peer order (the channel's own send
// order) while interleaving across peers in arrival order.
func (r *Replica) deliver(from PeerUid, m Msg) {
	select {
	case r.inbox <- inboundMsg{from: from, msg: m}:
	case <-r.stopc:
	}
}

func (r *Replica) peerClosed(peer PeerUid) {
	// Channels are owned by the ConnectionManager; losing one just means
	// the next message to that peer will trigger a fresh Connect.
}

func (r *Replica) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopc:
			// Run whatever was queued before stopc closed (Stop's own
			// callback among them), so pending waiters see ErrStopped.
			for {
				select {
				case fn := <-r.cmds:
					fn()
				default:
					return
				}
			}
		case fn := <-r.cmds:
			fn()
			r.persist()
			r.recheckWaiters()
		case in := <-r.inbox:
			r.handle(in.from, in.msg)
			r.persist()
			r.recheckWaiters()
		}
	}
}

// Debug prints a human-readable dump of the replica's current state,
// mirroring the teacher's Replica.debug()/Transport.Debug().
func (r *Replica) Debug() {
	r.log.Printf("replica %s: view=%v next=%v decide=%v commit=%v ack=%v sack=%v log=[%v,%v)",
		r.uid, r.curView.ViewNumber, r.nextView.ViewNumber, r.decideNo, r.commitNo, r.ackNo, r.sackNo, r.vlog.First(), r.vlog.Last())
}

func (r *Replica) nextSeq() int64 {
	// message seq numbers are purely for request/response/error
	// correlation on the wire (spec §6); they do not affect protocol
	// logic, so a process-local monotonic counter is enough.
	r.seqCounter++
	return r.seqCounter
}
