package rethinkconn

import (
	"context"
	"errors"
	"sync"

	"github.com/atsika/rethinkconn/internal/codec"
)

// CursorState tracks where a Cursor sits in its lifecycle.
type CursorState int

const (
	CursorOpen CursorState = iota
	CursorDrained
	CursorErrored
	CursorClosed
)

func (s CursorState) String() string {
	switch s {
	case CursorOpen:
		return "open"
	case CursorDrained:
		return "drained"
	case CursorErrored:
		return "errored"
	case CursorClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrCursorClosed is returned by Next/All once a Cursor has been closed,
// either by the caller or because the connection went away.
var ErrCursorClosed = errors.New("rethinkconn: cursor closed")

// Sink receives batches pushed by a Cursor running in push mode. Batch is
// called once per success_partial/success_sequence frame, with every row
// that arrived together in that frame, preserving the server's batch
// boundaries; Done is called exactly once, with a non-nil error only if the
// cursor ended abnormally.
type Sink interface {
	Batch(rows []codec.RawMessage)
	Done(err error)
}

// Cursor streams the results of a query whose response came back (or will
// come back) as success_partial batches, or as a single success_sequence
// (in which case it starts out drained), mirroring a server-side
// streamCursor: callers either pull rows with Next/All, or Activate a Sink
// to have rows pushed to them as they arrive.
type Cursor struct {
	token uint64
	conn  *Connection

	mu    sync.Mutex
	cond  *sync.Cond
	state CursorState

	buffered []codec.RawMessage
	pos      int
	err      error

	sink     Sink
	pushing  bool
}

func newCursor(token uint64, conn *Connection) *Cursor {
	c := &Cursor{token: token, conn: conn, state: CursorOpen}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// deliverBatch is called by the driver loop when a success_partial or
// success_sequence response arrives for this cursor's token. final marks a
// success_sequence (or any other non-partial success response on a cursor
// token): no further continues will be sent and the cursor drains to
// CursorDrained once this batch is consumed.
func (c *Cursor) deliverBatch(rows []codec.RawMessage, final bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CursorClosed {
		return
	}
	c.buffered = append(c.buffered, rows...)
	if final {
		if c.state == CursorOpen {
			c.state = CursorDrained
		}
	}
	if c.pushing {
		c.flushPushLocked()
		return
	}
	c.cond.Broadcast()
}

// deliverError is called by the driver loop (or receiverTable.closeAll) on
// a terminal error: a runtime_error response, a timeout, or connection
// loss.
func (c *Cursor) deliverError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CursorClosed {
		return
	}
	c.state = CursorErrored
	c.err = err
	if c.pushing {
		c.sink.Done(err)
		c.pushing = false
		return
	}
	c.cond.Broadcast()
}

// Next blocks until a row is available, the cursor drains, or ctx is done.
// It returns (nil, false, nil) once the cursor is drained with nothing
// left buffered.
func (c *Cursor) Next(ctx context.Context) (codec.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.pos < len(c.buffered) {
			row := c.buffered[c.pos]
			c.pos++
			return row, true, nil
		}
		switch c.state {
		case CursorErrored:
			return nil, false, c.err
		case CursorClosed:
			return nil, false, ErrCursorClosed
		case CursorDrained:
			return nil, false, nil
		}

		if err := c.waitOrFetch(ctx); err != nil {
			return nil, false, err
		}
	}
}

// waitOrFetch requests the next batch from the server (releasing the lock
// for the round trip, mirroring how a blocking fetch must not hold a mutex
// across I/O) and then waits for deliverBatch/deliverError to wake it, or
// for ctx to be done.
func (c *Cursor) waitOrFetch(ctx context.Context) error {
	if c.state == CursorOpen && c.pos >= len(c.buffered) {
		c.mu.Unlock()
		err := c.conn.sendContinue(ctx, c.token)
		c.mu.Lock()
		if err != nil {
			if c.state != CursorClosed && c.state != CursorErrored {
				c.state = CursorErrored
				c.err = err
			}
			return c.err
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.cond.Broadcast()
		case <-done:
		}
	}()
	for c.pos >= len(c.buffered) && c.state == CursorOpen {
		if ctx.Err() != nil {
			close(done)
			return ctx.Err()
		}
		c.cond.Wait()
	}
	close(done)
	return nil
}

// All drains the cursor into a slice. If ctx is done first it returns the
// rows collected so far with the error; it does not send a stop for the
// server's remaining stream (Close does that).
func (c *Cursor) All(ctx context.Context) ([]codec.RawMessage, error) {
	var out []codec.RawMessage
	for {
		row, ok, err := c.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, row)
	}
}

// Activate switches the cursor into push mode: sink.Batch is called once
// with every row already buffered (the first batch, if one arrived before
// Activate) and once more per batch that arrives afterward, and sink.Done
// is called exactly once when the cursor drains or errors. Activate is
// one-shot; calling it twice, or calling Next/All after Activate, is a
// programming error.
func (c *Cursor) Activate(ctx context.Context, sink Sink) {
	c.mu.Lock()
	c.sink = sink
	c.pushing = true
	c.flushPushLocked()
	needsContinue := c.state == CursorOpen && c.pos >= len(c.buffered)
	c.mu.Unlock()

	if needsContinue {
		go c.pushLoop(ctx)
	}
}

// flushPushLocked delivers every buffered-but-unsent row to the sink as a
// single batch, preserving the server's batch boundaries (flushPushLocked
// runs immediately after each deliverBatch call while pushing, so the
// unsent tail is exactly that call's rows), then, if the cursor has
// reached a terminal state, calls Done. Caller must hold c.mu.
func (c *Cursor) flushPushLocked() {
	if c.pos < len(c.buffered) {
		batch := append([]codec.RawMessage(nil), c.buffered[c.pos:]...)
		c.pos = len(c.buffered)
		c.mu.Unlock()
		c.sink.Batch(batch)
		c.mu.Lock()
	}
	switch c.state {
	case CursorDrained:
		c.sink.Done(nil)
		c.pushing = false
	case CursorErrored:
		c.sink.Done(c.err)
		c.pushing = false
	case CursorClosed:
		c.sink.Done(ErrCursorClosed)
		c.pushing = false
	}
}

// pushLoop drives continue requests for a push-mode cursor until it
// reaches a terminal state.
func (c *Cursor) pushLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.state != CursorOpen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.conn.sendContinue(ctx, c.token); err != nil {
			c.deliverError(err)
			return
		}

		c.mu.Lock()
		needMore := c.state == CursorOpen && c.pos >= len(c.buffered)
		c.mu.Unlock()
		if !needMore {
			return
		}
	}
}

// Close stops the underlying query if it is still open and releases the
// cursor's token. Safe to call more than once.
func (c *Cursor) Close(ctx context.Context) error {
	c.mu.Lock()
	alreadyClosed := c.state == CursorClosed
	wasOpen := c.state == CursorOpen
	c.state = CursorClosed
	c.cond.Broadcast()
	if c.pushing && c.sink != nil {
		c.sink.Done(ErrCursorClosed)
		c.pushing = false
	}
	c.mu.Unlock()

	if alreadyClosed {
		return nil
	}
	if wasOpen {
		return c.conn.sendStop(ctx, c.token)
	}
	return nil
}

// State reports the cursor's current lifecycle state.
func (c *Cursor) State() CursorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
