package rethinkconn

import (
	"time"

	"github.com/atsika/rethinkconn/internal/wire"
)

// receiverKind distinguishes a one-shot query waiting for its first
// response from a cursor that expects a stream of them.
type receiverKind int

const (
	receiverRun receiverKind = iota
	receiverCursor
)

// wireResult is what the driver loop delivers to a one-shot receiver: the
// decoded envelope, a Cursor (with the response type that produced it), or
// a terminal error (transport loss, timeout).
type wireResult struct {
	envelope wire.Envelope
	cursor   *Cursor
	cursorRT wire.ResponseType
	err      error
}

// receiver is one entry in the per-token table. tag disambiguates a
// pending timer fire from a token that has since been reused: a timer is
// armed against a specific tag, and the driver loop only honors a fire if
// the table still holds an entry for that token with that same tag.
type receiver struct {
	token uint64
	tag   uint64
	kind  receiverKind

	runCh chan wireResult

	cursor *Cursor

	timer *time.Timer
}

// receiverTable owns every outstanding token on a connection. Like
// tokenAllocator, it is only ever touched from the driver loop goroutine.
type receiverTable struct {
	entries  map[uint64]*receiver
	nextTag  uint64
}

func newReceiverTable() *receiverTable {
	return &receiverTable{entries: make(map[uint64]*receiver)}
}

func (t *receiverTable) newTag() uint64 {
	t.nextTag++
	return t.nextTag
}

func (t *receiverTable) registerRun(token uint64, ch chan wireResult) *receiver {
	r := &receiver{token: token, tag: t.newTag(), kind: receiverRun, runCh: ch}
	t.entries[token] = r
	return r
}

func (t *receiverTable) registerCursor(token uint64, c *Cursor) *receiver {
	r := &receiver{token: token, tag: t.newTag(), kind: receiverCursor, cursor: c}
	t.entries[token] = r
	return r
}

// convertToCursor replaces a run receiver with a cursor receiver for the
// same token, used when a query that looked like a one-shot call turns out
// to stream a success_partial sequence. The tag is preserved: any timer
// already armed against the run receiver remains valid for the cursor.
func (t *receiverTable) convertToCursor(token uint64, c *Cursor) *receiver {
	old, ok := t.entries[token]
	r := &receiver{token: token, kind: receiverCursor, cursor: c}
	if ok {
		r.tag = old.tag
		r.timer = old.timer
	} else {
		r.tag = t.newTag()
	}
	t.entries[token] = r
	return r
}

func (t *receiverTable) get(token uint64) (*receiver, bool) {
	r, ok := t.entries[token]
	return r, ok
}

// remove deletes the token's entry, stopping any armed timer so it cannot
// fire against a reused token later. Safe to call on an absent token.
func (t *receiverTable) remove(token uint64) {
	r, ok := t.entries[token]
	if !ok {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(t.entries, token)
}

// armTimer attaches a deadline timer to the receiver at token, stopping any
// timer previously armed on it. onFire is invoked (by time.AfterFunc) with
// the receiver's tag so the caller can check the entry is still current
// before acting on the fire.
func (t *receiverTable) armTimer(token uint64, d time.Duration, onFire func(token, tag uint64)) {
	r, ok := t.entries[token]
	if !ok {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	tag := r.tag
	r.timer = time.AfterFunc(d, func() { onFire(token, tag) })
}

// isCurrent reports whether a fired timer's tag still matches the live
// receiver for token — false means the token was reused or removed since
// the timer was armed, and the fire must be ignored.
func (t *receiverTable) isCurrent(token, tag uint64) bool {
	r, ok := t.entries[token]
	return ok && r.tag == tag
}

// closeAll stops every armed timer and delivers err to every run receiver,
// used when the connection is torn down with receivers still outstanding.
func (t *receiverTable) closeAll(err error) {
	for token, r := range t.entries {
		if r.timer != nil {
			r.timer.Stop()
		}
		switch r.kind {
		case receiverRun:
			select {
			case r.runCh <- wireResult{err: err}:
			default:
			}
		case receiverCursor:
			r.cursor.deliverError(err)
		}
		delete(t.entries, token)
	}
}
