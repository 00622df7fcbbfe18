package rethinkconn

import (
	"testing"
	"time"
)

func TestReceiverTableRegisterAndGet(t *testing.T) {
	tbl := newReceiverTable()
	ch := make(chan wireResult, 1)
	tbl.registerRun(5, ch)

	r, ok := tbl.get(5)
	if !ok {
		t.Fatalf("expected receiver for token 5")
	}
	if r.kind != receiverRun {
		t.Fatalf("kind = %v, want receiverRun", r.kind)
	}

	tbl.remove(5)
	if _, ok := tbl.get(5); ok {
		t.Fatalf("receiver for token 5 still present after remove")
	}
}

func TestReceiverTableConvertToCursorPreservesTag(t *testing.T) {
	tbl := newReceiverTable()
	ch := make(chan wireResult, 1)
	tbl.registerRun(9, ch)
	before, _ := tbl.get(9)
	beforeTag := before.tag

	c := &Cursor{}
	tbl.convertToCursor(9, c)

	after, ok := tbl.get(9)
	if !ok {
		t.Fatalf("receiver missing after convertToCursor")
	}
	if after.kind != receiverCursor {
		t.Fatalf("kind = %v, want receiverCursor", after.kind)
	}
	if after.tag != beforeTag {
		t.Fatalf("tag changed across conversion: before=%d after=%d", beforeTag, after.tag)
	}
}

func TestReceiverTableStaleTimerIgnoredAfterReuse(t *testing.T) {
	tbl := newReceiverTable()
	ch1 := make(chan wireResult, 1)
	tbl.registerRun(1, ch1)
	r1, _ := tbl.get(1)
	staleTag := r1.tag

	// Simulate the original receiver completing and the token being
	// reused for a brand new query before the old timer fires.
	tbl.remove(1)
	ch2 := make(chan wireResult, 1)
	tbl.registerRun(1, ch2)

	if tbl.isCurrent(1, staleTag) {
		t.Fatalf("stale tag incorrectly reported as current after token reuse")
	}
	r2, _ := tbl.get(1)
	if !tbl.isCurrent(1, r2.tag) {
		t.Fatalf("fresh tag incorrectly reported as stale")
	}
}

func TestReceiverTableArmTimerFiresWithTag(t *testing.T) {
	tbl := newReceiverTable()
	ch := make(chan wireResult, 1)
	tbl.registerRun(3, ch)

	fired := make(chan struct{ token, tag uint64 }, 1)
	tbl.armTimer(3, 10*time.Millisecond, func(token, tag uint64) {
		fired <- struct{ token, tag uint64 }{token, tag}
	})

	select {
	case got := <-fired:
		if got.token != 3 {
			t.Fatalf("fired token = %d, want 3", got.token)
		}
		if !tbl.isCurrent(got.token, got.tag) {
			t.Fatalf("fired tag should still be current")
		}
	case <-time.After(time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestReceiverTableCloseAllDeliversError(t *testing.T) {
	tbl := newReceiverTable()
	ch := make(chan wireResult, 1)
	tbl.registerRun(1, ch)

	wantErr := newError(ErrKindTransport, "test", nil)
	tbl.closeAll(wantErr)

	select {
	case res := <-ch:
		if res.err != wantErr {
			t.Fatalf("delivered err = %v, want %v", res.err, wantErr)
		}
	default:
		t.Fatalf("closeAll did not deliver to run receiver")
	}

	if _, ok := tbl.get(1); ok {
		t.Fatalf("receiver still present after closeAll")
	}
}
