package rethinkconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atsika/rethinkconn/internal/codec"
)

func TestCursorNextDrainsBufferedThenDrains(t *testing.T) {
	c := newCursor(1, nil)
	c.deliverBatch([]codec.RawMessage{codec.RawMessage(`1`), codec.RawMessage(`2`)}, true)

	ctx := context.Background()
	row, ok, err := c.Next(ctx)
	if err != nil || !ok || string(row) != "1" {
		t.Fatalf("Next() = (%s, %v, %v)", row, ok, err)
	}
	row, ok, err = c.Next(ctx)
	if err != nil || !ok || string(row) != "2" {
		t.Fatalf("Next() = (%s, %v, %v)", row, ok, err)
	}
	_, ok, err = c.Next(ctx)
	if err != nil || ok {
		t.Fatalf("Next() after drain = (ok=%v, err=%v), want ok=false, err=nil", ok, err)
	}
	if c.State() != CursorDrained {
		t.Fatalf("state = %v, want CursorDrained", c.State())
	}
}

func TestCursorDeliverErrorPropagatesToNext(t *testing.T) {
	c := newCursor(1, nil)
	wantErr := errors.New("boom")
	c.deliverError(wantErr)

	_, _, err := c.Next(context.Background())
	if err != wantErr {
		t.Fatalf("Next() err = %v, want %v", err, wantErr)
	}
	if c.State() != CursorErrored {
		t.Fatalf("state = %v, want CursorErrored", c.State())
	}
}

func TestCursorCloseIsIdempotentAndBlocksFurtherReads(t *testing.T) {
	c := newCursor(1, &Connection{closedCh: make(chan struct{})})
	close(c.conn.closedCh) // make sendStop return immediately via closedCh branch

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_, _, err := c.Next(context.Background())
	if !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("Next() after Close = %v, want ErrCursorClosed", err)
	}
}

type fakeSink struct {
	batches [][]codec.RawMessage
	done    chan error
}

func newFakeSink() *fakeSink { return &fakeSink{done: make(chan error, 1)} }

func (s *fakeSink) Batch(rows []codec.RawMessage) { s.batches = append(s.batches, rows) }
func (s *fakeSink) Done(err error)                { s.done <- err }

func (s *fakeSink) rowCount() int {
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestCursorActivatePushesBufferedRowsAndDone(t *testing.T) {
	c := newCursor(1, nil)
	c.deliverBatch([]codec.RawMessage{codec.RawMessage(`"a"`), codec.RawMessage(`"b"`)}, true)

	sink := newFakeSink()
	c.Activate(context.Background(), sink)

	select {
	case err := <-sink.done:
		if err != nil {
			t.Fatalf("Done err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sink.Done never called")
	}
	if len(sink.batches) != 1 {
		t.Fatalf("sink received %d batches, want 1 (both buffered rows arrived together)", len(sink.batches))
	}
	if sink.rowCount() != 2 {
		t.Fatalf("sink received %d rows, want 2", sink.rowCount())
	}
}

func TestCursorActivateDeliversLateBatches(t *testing.T) {
	// A non-nil stub Connection is needed here: once Activate finds nothing
	// buffered it starts a pushLoop that calls conn.sendContinue, which
	// would nil-dereference against a nil *Connection. The stub's
	// continueCh has no reader, so that call just blocks (harmlessly, for
	// the life of the test) instead of racing the manual deliverBatch
	// calls below with a real round trip.
	conn := &Connection{continueCh: make(chan *continueRequest), closedCh: make(chan struct{})}
	c := newCursor(1, conn)
	sink := newFakeSink()
	c.Activate(context.Background(), sink)

	c.deliverBatch([]codec.RawMessage{codec.RawMessage(`1`)}, false)
	c.deliverBatch([]codec.RawMessage{codec.RawMessage(`2`)}, true)

	select {
	case err := <-sink.done:
		if err != nil {
			t.Fatalf("Done err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sink.Done never called")
	}
	if len(sink.batches) != 2 {
		t.Fatalf("sink received %d batches, want 2 (one per deliverBatch call)", len(sink.batches))
	}
	if sink.rowCount() != 2 {
		t.Fatalf("sink received %d rows, want 2", sink.rowCount())
	}
}
