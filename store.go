package vr

// Header is the small piece of state a durable Store must persist besides
// the log itself, per spec §6's "persisted state layout".
type Header struct {
	FirstLogno LogNumber
	DecideNo   LogNumber
	CommitNo   LogNumber
	CurView    ViewPayload
	NextView   ViewPayload
}

// Store is the pluggable durability hook spec §6 describes: "the log as an
// append-only file of (viewno, client_uid, client_seqno, payload); a small
// header storing first_logno, decide_no, commit_no, cur_view, next_view."
// The core is specified against an in-memory log (durable storage is a
// Non-goal of this module - see spec §1) but callers may wire in a real
// engine behind this interface without touching Replica.
type Store interface {
	SaveHeader(h Header) error
	LoadHeader() (Header, bool, error)

	AppendLogItem(ln LogNumber, item LogItem) error
	TruncateLogFront(upto LogNumber) error
	LoadLog() (first LogNumber, items []LogItem, err error)
}

// MemStore is the default, non-durable Store: it keeps everything in
// memory (an in-memory Log plus the last saved Header), so a Replica with
// no Store configured behaves
// exactly as spec.md's "in-memory log" core.
type MemStore struct {
	header    Header
	hasHeader bool
	log       *Log
}

func NewMemStore() *MemStore {
	return &MemStore{log: NewLog()}
}

func (s *MemStore) SaveHeader(h Header) error {
	s.header = h
	s.hasHeader = true
	return nil
}

func (s *MemStore) LoadHeader() (Header, bool, error) {
	return s.header, s.hasHeader, nil
}

func (s *MemStore) AppendLogItem(ln LogNumber, item LogItem) error {
	s.log.SetAt(ln, item)
	return nil
}

func (s *MemStore) TruncateLogFront(upto LogNumber) error {
	s.log.TruncateFront(upto)
	return nil
}

func (s *MemStore) LoadLog() (LogNumber, []LogItem, error) {
	items := make([]LogItem, s.log.Len())
	for i := 0; i < s.log.Len(); i++ {
		items[i], _ = s.log.Get(s.log.First().Add(int64(i)))
	}
	return s.log.First(), items, nil
}
