package rethinkconn

import (
	"encoding/binary"
	"fmt"
)

const frameHeaderSize = 8 + 4 // 8-byte big-endian token + 4-byte little-endian length

// maxFrameLength is the sanity bound on a declared payload length. A real
// length this large would mean either a corrupted stream or a server bug;
// either way the connection can no longer trust its framing state.
const maxFrameLength = 64 * 1024 * 1024

// frame is one complete (token, payload) unit extracted from the receive
// buffer.
type frame struct {
	token   uint64
	payload []byte
}

// recvBuffer accumulates bytes arriving off the wire and emits complete
// frames as soon as enough bytes are available, carrying any partial frame
// forward across calls. It is driven by an explicit loop rather than
// recursing per frame, so an attacker or a chatty server coalescing many
// small frames into one read cannot grow the call stack.
type recvBuffer struct {
	header     [frameHeaderSize]byte
	headerGot  int
	inPayload  bool
	token      uint64
	length     uint32
	payload    []byte
	payloadGot uint32
}

// feed consumes chunk, appending any newly-completed frames to dst, and
// returns the extended slice plus any structural error. On error the
// buffer has already been reset to Idle and chunk's remaining bytes (if
// any) are discarded — the caller decides whether the connection as a
// whole can still be trusted.
func (b *recvBuffer) feed(chunk []byte, dst []frame) ([]frame, error) {
	for len(chunk) > 0 {
		if !b.inPayload {
			n := copy(b.header[b.headerGot:], chunk)
			b.headerGot += n
			chunk = chunk[n:]
			if b.headerGot < frameHeaderSize {
				continue
			}
			token := binary.BigEndian.Uint64(b.header[0:8])
			length := binary.LittleEndian.Uint32(b.header[8:12])
			b.headerGot = 0
			if length > maxFrameLength {
				b.reset()
				return dst, fmt.Errorf("rethinkconn: frame length %d exceeds sanity bound %d", length, maxFrameLength)
			}
			b.token = token
			b.length = length
			b.payload = make([]byte, length)
			b.payloadGot = 0
			b.inPayload = true
			if b.length == 0 {
				dst = append(dst, frame{token: b.token, payload: b.payload})
				b.inPayload = false
			}
			continue
		}

		n := copy(b.payload[b.payloadGot:], chunk)
		b.payloadGot += uint32(n)
		chunk = chunk[n:]
		if b.payloadGot < b.length {
			continue
		}
		dst = append(dst, frame{token: b.token, payload: b.payload})
		b.inPayload = false
	}
	return dst, nil
}

// reset returns the buffer to Idle, discarding any partially accumulated
// header or payload.
func (b *recvBuffer) reset() {
	*b = recvBuffer{}
}
