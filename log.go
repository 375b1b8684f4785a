package vr

import "fmt"

// LogItem is one slot in the replicated log. A placeholder item (empty
// ClientUid) reserves a position during log transfer and may be
// overwritten by any real item; a real item may only be overwritten by one
// accepted in a strictly later view.
type LogItem struct {
	ViewNumber  ViewNumber
	ClientUid   ClientUid
	ClientSeqno int64
	Payload     []byte
}

// IsPlaceholder reports whether this item is a "not real" gap filler.
func (it LogItem) IsPlaceholder() bool { return it.ClientUid == "" }

// Placeholder builds a placeholder LogItem accepted in the given view.
func Placeholder(view ViewNumber) LogItem {
	return LogItem{ViewNumber: view}
}

// SameRequest reports whether two items carry the same client request.
func (it LogItem) SameRequest(other LogItem) bool {
	return it.ClientUid == other.ClientUid && it.ClientSeqno == other.ClientSeqno
}

// Log is a logical mapping LogNumber -> LogItem over the contiguous
// half-open range [First, Last). It is not safe for concurrent use; a
// Replica serializes all access to its Log from a single goroutine (see
// the Replica type's doc).
type Log struct {
	first LogNumber
	items []LogItem // items[i] lives at logNumber first+i
}

// NewLog creates an empty log starting at log number 0.
func NewLog() *Log {
	return &Log{first: 0}
}

// NewLogAt creates an empty log whose First() is first, for restoring a
// Log from a Store that already truncated its front.
func NewLogAt(first LogNumber) *Log {
	return &Log{first: first}
}

// First returns the lowest log number still held (items below it were
// dropped by PopFront/TruncateFront).
func (l *Log) First() LogNumber { return l.first }

// Last returns the exclusive upper bound of the log: the log number that
// will be assigned to the next PushBack.
func (l *Log) Last() LogNumber { return l.first.Add(int64(len(l.items))) }

// Len returns the number of items currently held.
func (l *Log) Len() int { return len(l.items) }

func (l *Log) inRange(ln LogNumber) bool {
	return !ln.Less(l.first) && ln.Less(l.Last())
}

// Get returns the item at ln and whether ln is in [First, Last).
func (l *Log) Get(ln LogNumber) (LogItem, bool) {
	if !l.inRange(ln) {
		return LogItem{}, false
	}
	return l.items[int(ln.Sub(l.first))], true
}

// PushBack appends item at Last() and returns the log number it was
// assigned.
func (l *Log) PushBack(item LogItem) LogNumber {
	ln := l.Last()
	l.items = append(l.items, item)
	return ln
}

// PopFront drops the item at First() and advances First().
func (l *Log) PopFront() (LogItem, bool) {
	if len(l.items) == 0 {
		return LogItem{}, false
	}
	item := l.items[0]
	l.items = l.items[1:]
	l.first++
	return item, true
}

// TruncateFront drops items while First() < upto. Used to advance the log's
// low-water mark as decide_no moves forward; never extends the log.
func (l *Log) TruncateFront(upto LogNumber) {
	for l.first.Less(upto) && len(l.items) > 0 {
		l.items = l.items[1:]
		l.first++
	}
	if l.first.Less(upto) {
		// upto is beyond everything we hold; there is nothing left to drop.
		l.first = upto
	}
}

// SetAt overwrites (or appends) the item at ln. If ln is below First(), the
// call is a silent no-op: that slot was already truncated (spec's Open
// Question on commits arriving with logno < first_logno — retained as-is).
// If ln is at or beyond Last(), the log is extended with placeholders up to
// ln so the item can be set contiguously.
func (l *Log) SetAt(ln LogNumber, item LogItem) {
	if ln.Less(l.first) {
		return
	}
	for !ln.Less(l.Last()) {
		l.PushBack(Placeholder(item.ViewNumber))
	}
	l.items[int(ln.Sub(l.first))] = item
}

// TruncateTrailingPlaceholders shrinks Last() back over placeholder items
// at or after floor, stopping at the first real item or at floor itself.
// Resize may only truncate, never extend: this is how a new primary drops a
// placeholder tail left over from log transfer once it knows commit_no.
func (l *Log) TruncateTrailingPlaceholders(floor LogNumber) {
	for len(l.items) > 0 {
		lastIdx := len(l.items) - 1
		lastLn := l.first.Add(int64(lastIdx))
		if lastLn.Less(floor) {
			break
		}
		if !l.items[lastIdx].IsPlaceholder() {
			break
		}
		l.items = l.items[:lastIdx]
	}
}

// Resize truncates the log so that Last() becomes newLast. It panics if
// newLast would extend the log: Resize may only truncate.
func (l *Log) Resize(newLast LogNumber) {
	if newLast.Sub(l.Last()) > 0 {
		panic(fmt.Errorf("vr: Log.Resize(%v) would extend log past Last()=%v", newLast, l.Last()))
	}
	n := int(newLast.Sub(l.first))
	if n < 0 {
		n = 0
	}
	if n > len(l.items) {
		n = len(l.items)
	}
	l.items = l.items[:n]
}

// Segment returns a copy of every item in [from, Last()), paired with the
// log number each occupies. Used to build the log segment a backup
// attaches to its `view` payload during log transfer.
func (l *Log) Segment(from LogNumber) []struct {
	LogNumber LogNumber
	Item      LogItem
} {
	if from.Less(l.first) {
		from = l.first
	}
	out := make([]struct {
		LogNumber LogNumber
		Item      LogItem
	}, 0, l.Last().Sub(from))
	for ln := from; ln.Less(l.Last()); ln++ {
		item, _ := l.Get(ln)
		out = append(out, struct {
			LogNumber LogNumber
			Item      LogItem
		}{LogNumber: ln, Item: item})
	}
	return out
}
