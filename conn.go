package rethinkconn

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atsika/rethinkconn/internal/codec"
	"github.com/atsika/rethinkconn/internal/wire"
)

// Response is what a one-shot Run call returns. Cursor is non-nil when
// Type is ResponseSuccessPartial or ResponseSuccessSequence (a sequence
// arrives as a Cursor that is already CursorDrained, holding the whole
// set); otherwise Rows carries the result (a single value for an atom).
type Response struct {
	Type   wire.ResponseType
	Rows   []codec.RawMessage
	Cursor *Cursor
}

// Connection is a single multiplexed link to the database: one TCP (or
// azrelay-tunneled) socket, one SCRAM-authenticated session, and an
// arbitrary number of concurrently in-flight queries distinguished by
// token. All mutable connection state — the token counter, the receiver
// table, the partial-frame buffer — is owned by a single goroutine (the
// driver loop); every other goroutine talks to it over channels.
type Connection struct {
	cfg  *Config
	conn net.Conn
	log  *logrus.Logger

	submitCh   chan *submitRequest
	continueCh chan *continueRequest
	stopCh     chan *stopRequest
	inboundCh  chan []byte
	timerCh    chan timerFire
	closeCh    chan *closeRequest

	closeOnce sync.Once
	closedCh  chan struct{}
}

// rawParts carries the prefix/raw/suffix split for the raw-insert fast
// path, bypassing the normal encode step so the (potentially large) row
// payload is never copied into an intermediate buffer.
type rawParts struct {
	prefix, raw, suffix []byte
}

type submitRequest struct {
	encode   func() ([]byte, error)
	raw      *rawParts
	timeout  time.Duration
	resultCh chan submitResult
}

// submitResult is sent twice per query: once to acknowledge the frame was
// written, and once with the final response or error. If encoding or
// writing the frame fails, the first result carries that error and no
// second result follows.
type submitResult struct {
	resp Response
	err  error
}

type continueRequest struct {
	token uint64
	done  chan error
}

type stopRequest struct {
	token uint64
	done  chan error
}

type timerFire struct {
	token uint64
	tag   uint64
}

type closeRequest struct {
	done chan error
}

// Connect dials, authenticates, and starts the driver loop for a new
// Connection.
func Connect(opts ...Option) (*Connection, error) {
	cfg := applyConfig(opts)

	dialCtx, cancel := context.WithTimeout(cfg.ctx, cfg.connectTimeout)
	defer cancel()

	rawConn, err := cfg.dialer(dialCtx, "tcp", cfg.addr())
	if err != nil {
		return nil, newError(ErrKindTransport, "Connect", err)
	}
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(cfg.tcp.NoDelay)
		if cfg.tcp.KeepAlive > 0 {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(cfg.tcp.KeepAlive)
		}
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = rawConn.SetDeadline(deadline)
	}
	leftover, err := performHandshake(rawConn, cfg.user, cfg.password)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	_ = rawConn.SetDeadline(time.Time{})

	c := &Connection{
		cfg:        cfg,
		conn:       rawConn,
		log:        cfg.log,
		submitCh:   make(chan *submitRequest),
		continueCh: make(chan *continueRequest),
		stopCh:     make(chan *stopRequest),
		inboundCh:  make(chan []byte, 16),
		timerCh:    make(chan timerFire, 16),
		closeCh:    make(chan *closeRequest),
		closedCh:   make(chan struct{}),
	}

	readErrCh := make(chan error, 1)
	go c.readPump(readErrCh)
	go c.driverLoop(leftover, readErrCh)

	return c, nil
}

// readPump is the only goroutine that ever calls conn.Read. It exists so
// the driver loop never blocks on the network while also servicing
// timers, submissions, and continues.
func (c *Connection) readPump(readErrCh chan<- error) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.inboundCh <- chunk:
			case <-c.closedCh:
				return
			}
		}
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
	}
}

// driverLoop is the single goroutine that owns the token allocator, the
// receiver table, and the receive-buffer framer. leftover is any bytes the
// handshake read past the final NUL terminator — belonging to the query
// protocol, not the handshake, they are fed to the framer first.
func (c *Connection) driverLoop(leftover []byte, readErrCh <-chan error) {
	tokens := &tokenAllocator{}
	receivers := newReceiverTable()
	var recvBuf recvBuffer
	var frames []frame

	defer func() {
		close(c.closedCh)
		_ = c.conn.Close()
		receivers.closeAll(newError(ErrKindTransport, "driverLoop", errors.New("connection closed")))
	}()

	if len(leftover) > 0 {
		var err error
		frames, err = recvBuf.feed(leftover, frames[:0])
		for _, f := range frames {
			c.dispatch(receivers, f.token, f.payload)
		}
		frames = frames[:0]
		if err != nil {
			receivers.closeAll(newError(ErrKindProtocol, "driverLoop", err))
			return
		}
	}

	for {
		select {
		case req := <-c.submitCh:
			c.handleSubmit(tokens, receivers, req)

		case req := <-c.continueCh:
			c.handleContinue(receivers, req)

		case req := <-c.stopCh:
			c.handleStop(receivers, req)

		case chunk := <-c.inboundCh:
			var ferr error
			frames, ferr = recvBuf.feed(chunk, frames[:0])
			for _, f := range frames {
				c.dispatch(receivers, f.token, f.payload)
			}
			if ferr != nil {
				receivers.closeAll(newError(ErrKindProtocol, "driverLoop", ferr))
				return
			}

		case tf := <-c.timerCh:
			c.handleTimerFire(receivers, tf)

		case err := <-readErrCh:
			receivers.closeAll(newError(ErrKindTransport, "driverLoop", err))
			return

		case req := <-c.closeCh:
			req.done <- nil
			return
		}
	}
}

func (c *Connection) handleSubmit(tokens *tokenAllocator, receivers *receiverTable, req *submitRequest) {
	var payload []byte
	var err error
	if req.raw == nil {
		payload, err = req.encode()
		if err != nil {
			req.resultCh <- submitResult{err: newError(ErrKindProtocol, "Run", err)}
			return
		}
	}

	token := tokens.alloc()
	runCh := make(chan wireResult, 1)
	receivers.registerRun(token, runCh)
	if req.timeout > 0 {
		receivers.armTimer(token, req.timeout, c.onTimerFire)
	}

	if req.raw != nil {
		err = c.writeFrameParts(token, req.raw.prefix, req.raw.raw, req.raw.suffix)
	} else {
		err = c.writeFrame(token, payload)
	}
	if err != nil {
		receivers.remove(token)
		req.resultCh <- submitResult{err: err}
		return
	}
	c.cfg.metrics.IncrementQueriesSent()

	req.resultCh <- submitResult{}
	go c.awaitRun(runCh, req.resultCh)
}

// awaitRun blocks (off the driver loop) until the registered receiver's
// channel delivers a result, then forwards it to the caller. Splitting
// this into its own goroutine keeps the driver loop free to keep
// dispatching frames for other tokens while one query's caller is still
// being woken up.
func (c *Connection) awaitRun(runCh chan wireResult, resultCh chan submitResult) {
	res := <-runCh
	if res.err != nil {
		c.cfg.metrics.IncrementQueriesFailed()
		resultCh <- submitResult{err: res.err}
		return
	}
	if res.cursor != nil {
		c.cfg.metrics.IncrementQueriesSucceeded()
		resultCh <- submitResult{resp: Response{Type: res.cursorRT, Cursor: res.cursor}}
		return
	}

	rt, err := wire.MapResponseType(res.envelope.Type)
	if err != nil {
		c.cfg.metrics.IncrementQueriesFailed()
		resultCh <- submitResult{err: newError(ErrKindProtocol, "Run", err)}
		return
	}
	if rt.IsError() {
		c.cfg.metrics.IncrementQueriesFailed()
		resultCh <- submitResult{err: queryError(rt, res.envelope)}
		return
	}
	c.cfg.metrics.IncrementQueriesSucceeded()
	resultCh <- submitResult{resp: Response{Type: rt, Rows: convertRows(res.envelope.Results)}}
}

func queryError(rt wire.ResponseType, env wire.Envelope) error {
	msg := "query failed"
	if len(env.Results) > 0 {
		var s string
		if err := json.Unmarshal(env.Results[0], &s); err == nil {
			msg = s
		}
	}
	return newError(ErrKindQuery, "Run", errors.New(rt.String()+": "+msg))
}

func convertRows(raw []json.RawMessage) []codec.RawMessage {
	out := make([]codec.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = codec.RawMessage(r)
	}
	return out
}

func (c *Connection) handleContinue(receivers *receiverTable, req *continueRequest) {
	r, ok := receivers.get(req.token)
	if !ok || r.kind != receiverCursor {
		req.done <- newError(ErrKindProtocol, "Continue", errors.New("no such cursor token"))
		return
	}
	payload, _ := wire.ContinueQuery{}.Encode()
	req.done <- c.writeFrame(req.token, payload)
}

func (c *Connection) handleStop(receivers *receiverTable, req *stopRequest) {
	_, ok := receivers.get(req.token)
	if !ok {
		req.done <- nil
		return
	}
	payload, _ := wire.StopQuery{}.Encode()
	err := c.writeFrame(req.token, payload)
	receivers.remove(req.token)
	req.done <- err
}

func (c *Connection) handleTimerFire(receivers *receiverTable, tf timerFire) {
	if !receivers.isCurrent(tf.token, tf.tag) {
		return
	}
	r, _ := receivers.get(tf.token)
	c.cfg.metrics.IncrementQueriesTimedOut()
	err := newError(ErrKindTimeout, "Run", errors.New("query timed out"))
	switch r.kind {
	case receiverRun:
		select {
		case r.runCh <- wireResult{err: err}:
		default:
		}
	case receiverCursor:
		r.cursor.deliverError(err)
	}
	receivers.remove(tf.token)
}

// onTimerFire is the callback armTimer hands to time.AfterFunc. It never
// touches connection state directly — it only funnels the fire event back
// onto the driver loop's own goroutine via timerCh, preserving single
// ownership of the receiver table.
func (c *Connection) onTimerFire(token, tag uint64) {
	select {
	case c.timerCh <- timerFire{token: token, tag: tag}:
	case <-c.closedCh:
	}
}

// dispatch classifies one decoded frame against the receiver table. A
// success_partial or success_sequence arriving on a run receiver is where
// a Cursor gets created. For a partial, the table entry is converted in
// place (same token, same tag, so any armed timer stays valid); for a
// sequence, the Cursor is already drained and the entry is removed. Either
// way the waiting caller receives the Cursor through the same wireResult
// channel an atom would have used.
func (c *Connection) dispatch(receivers *receiverTable, token uint64, payload []byte) {
	c.cfg.metrics.IncrementFramesReceived()
	if c.log != nil {
		c.log.WithField("token", token).Debug("rethinkconn: frame received")
	}

	r, ok := receivers.get(token)
	if !ok {
		return
	}

	var env wire.Envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		c.deliverTerminal(receivers, token, r, newError(ErrKindProtocol, "dispatch", err))
		return
	}

	rt, err := wire.MapResponseType(env.Type)
	if err != nil {
		c.deliverTerminal(receivers, token, r, newError(ErrKindProtocol, "dispatch", err))
		return
	}

	switch r.kind {
	case receiverRun:
		switch rt {
		case wire.ResponseSuccessPartial:
			cur := newCursor(token, c)
			cur.deliverBatch(convertRows(env.Results), false)
			receivers.convertToCursor(token, cur)
			r.runCh <- wireResult{cursor: cur, cursorRT: rt}
			return
		case wire.ResponseSuccessSequence:
			// A sequence is a terminal multi-row result: bind it to a
			// cursor that is already Drained, rather than handing back a
			// bare row slice, so callers always use the same Cursor API
			// regardless of whether the server happened to stream it.
			cur := newCursor(token, c)
			cur.deliverBatch(convertRows(env.Results), true)
			receivers.remove(token)
			r.runCh <- wireResult{cursor: cur, cursorRT: rt}
			return
		}
		receivers.remove(token)
		r.runCh <- wireResult{envelope: env}

	case receiverCursor:
		if rt.IsError() {
			r.cursor.deliverError(queryError(rt, env))
			receivers.remove(token)
			return
		}
		final := rt != wire.ResponseSuccessPartial
		r.cursor.deliverBatch(convertRows(env.Results), final)
		if final {
			receivers.remove(token)
		}
	}
}

func (c *Connection) deliverTerminal(receivers *receiverTable, token uint64, r *receiver, err error) {
	switch r.kind {
	case receiverRun:
		select {
		case r.runCh <- wireResult{err: err}:
		default:
		}
	case receiverCursor:
		r.cursor.deliverError(err)
	}
	receivers.remove(token)
}

// writeFrame writes a single (token, payload) frame to the wire. It is
// only ever called from the driver loop goroutine, so it needs no write
// lock: the driver loop is the sole writer, just as it is the sole owner
// of every other piece of mutable connection state.
func (c *Connection) writeFrame(token uint64, payload []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], token)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))

	buffers := net.Buffers{header[:], payload}
	if _, err := buffers.WriteTo(c.conn); err != nil {
		return newError(ErrKindTransport, "writeFrame", err)
	}
	return nil
}

// writeFrameParts performs the raw-insert fast path: a gathered write of
// header, prefix, raw row bytes, and suffix without ever concatenating the
// (potentially large) raw payload into an intermediate buffer.
func (c *Connection) writeFrameParts(token uint64, prefix, raw, suffix []byte) error {
	var header [frameHeaderSize]byte
	total := len(prefix) + len(raw) + len(suffix)
	binary.BigEndian.PutUint64(header[0:8], token)
	binary.LittleEndian.PutUint32(header[8:12], uint32(total))

	buffers := net.Buffers{header[:], prefix, raw, suffix}
	if _, err := buffers.WriteTo(c.conn); err != nil {
		return newError(ErrKindTransport, "writeFrameParts", err)
	}
	return nil
}

// doSubmit hands req to the driver loop, waits for the frame to go out,
// then waits (off the driver loop) for the eventual response. It is the
// shared path behind Run, RunTimeout, RunClosure, and RunInsertRaw.
func (c *Connection) doSubmit(ctx context.Context, req *submitRequest) (Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.callTimeout)
		defer cancel()
	}

	select {
	case c.submitCh <- req:
	case <-ctx.Done():
		return Response{}, newError(ErrKindTimeout, "Run", ctx.Err())
	case <-c.closedCh:
		return Response{}, newError(ErrKindTransport, "Run", errors.New("connection closed"))
	}

	select {
	case sent := <-req.resultCh:
		if sent.err != nil {
			return Response{}, sent.err
		}
	case <-ctx.Done():
		return Response{}, newError(ErrKindTimeout, "Run", ctx.Err())
	case <-c.closedCh:
		return Response{}, newError(ErrKindTransport, "Run", errors.New("connection closed"))
	}

	select {
	case final := <-req.resultCh:
		return final.resp, final.err
	case <-ctx.Done():
		return Response{}, newError(ErrKindTimeout, "Run", ctx.Err())
	case <-c.closedCh:
		return Response{}, newError(ErrKindTransport, "Run", errors.New("connection closed"))
	}
}

// Run sends q and waits for its first response.
func (c *Connection) Run(ctx context.Context, q wire.Query) (Response, error) {
	return c.RunTimeout(ctx, q, 0)
}

// RunTimeout is Run with an explicit per-call timeout overriding the
// connection's default (zero keeps the connection's configured default).
func (c *Connection) RunTimeout(ctx context.Context, q wire.Query, timeout time.Duration) (Response, error) {
	if timeout == 0 {
		timeout = c.cfg.queryTimeout
	}
	req := &submitRequest{encode: q.Encode, timeout: timeout, resultCh: make(chan submitResult, 1)}
	return c.doSubmit(ctx, req)
}

// RunClosure submits a caller-prebuilt wire payload, for callers that
// already went through an out-of-scope query-tree builder themselves.
func (c *Connection) RunClosure(ctx context.Context, q wire.ClosureQuery) (Response, error) {
	return c.RunTimeout(ctx, q, 0)
}

// RunInsertRaw inserts an already-encoded JSON document into table without
// re-parsing it, using the gathered-write fast path described by
// wire.RawInsertQuery.EncodeParts.
func (c *Connection) RunInsertRaw(ctx context.Context, db, table string, raw codec.RawMessage, opts map[string]any) (Response, error) {
	q := wire.RawInsertQuery{DB: db, Table: table, Raw: json.RawMessage(raw), Options: opts}
	prefix, suffix, err := q.EncodeParts()
	if err != nil {
		return Response{}, newError(ErrKindProtocol, "RunInsertRaw", err)
	}

	req := &submitRequest{
		raw:      &rawParts{prefix: prefix, raw: []byte(raw), suffix: suffix},
		timeout:  c.cfg.queryTimeout,
		resultCh: make(chan submitResult, 1),
	}
	return c.doSubmit(ctx, req)
}

// sendContinue and sendStop are the Connection-side halves of Cursor's
// pull/push loops.
func (c *Connection) sendContinue(ctx context.Context, token uint64) error {
	done := make(chan error, 1)
	req := &continueRequest{token: token, done: done}
	select {
	case c.continueCh <- req:
	case <-ctx.Done():
		return newError(ErrKindTimeout, "Continue", ctx.Err())
	case <-c.closedCh:
		return newError(ErrKindTransport, "Continue", errors.New("connection closed"))
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return newError(ErrKindTimeout, "Continue", ctx.Err())
	case <-c.closedCh:
		return newError(ErrKindTransport, "Continue", errors.New("connection closed"))
	}
}

func (c *Connection) sendStop(ctx context.Context, token uint64) error {
	done := make(chan error, 1)
	req := &stopRequest{token: token, done: done}
	select {
	case c.stopCh <- req:
	case <-ctx.Done():
		return newError(ErrKindTimeout, "Stop", ctx.Err())
	case <-c.closedCh:
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return newError(ErrKindTimeout, "Stop", ctx.Err())
	case <-c.closedCh:
		return nil
	}
}

// Close tears down the driver loop and the underlying socket. Any
// receivers still outstanding are delivered a terminal "connection
// closed" error. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan error, 1)
		select {
		case c.closeCh <- &closeRequest{done: done}:
			<-done
		case <-c.closedCh:
		}
		<-c.closedCh
	})
	return nil
}

var _ io.Closer = (*Connection)(nil)
