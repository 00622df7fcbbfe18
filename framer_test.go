package rethinkconn

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

func encodeFrame(token uint64, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], token)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[12:], payload)
	return buf
}

func TestFramerSingleFrameWholeChunk(t *testing.T) {
	var b recvBuffer
	wire := encodeFrame(42, []byte(`{"t":1,"r":[1]}`))

	frames, err := b.feed(wire, nil)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].token != 42 {
		t.Errorf("token = %d, want 42", frames[0].token)
	}
	if string(frames[0].payload) != `{"t":1,"r":[1]}` {
		t.Errorf("payload = %s", frames[0].payload)
	}
}

func TestFramerZeroLengthPayload(t *testing.T) {
	var b recvBuffer
	wire := encodeFrame(7, nil)

	frames, err := b.feed(wire, nil)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0].payload) != 0 {
		t.Errorf("payload length = %d, want 0", len(frames[0].payload))
	}
}

func TestFramerMultipleFramesOneChunk(t *testing.T) {
	var b recvBuffer
	var wire []byte
	wire = append(wire, encodeFrame(1, []byte("a"))...)
	wire = append(wire, encodeFrame(2, []byte("bb"))...)
	wire = append(wire, encodeFrame(3, []byte("ccc"))...)

	frames, err := b.feed(wire, nil)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []struct {
		token   uint64
		payload string
	}{{1, "a"}, {2, "bb"}, {3, "ccc"}} {
		if frames[i].token != want.token || string(frames[i].payload) != want.payload {
			t.Errorf("frame %d = (%d, %q), want (%d, %q)", i, frames[i].token, frames[i].payload, want.token, want.payload)
		}
	}
}

func TestFramerArbitraryByteChunking(t *testing.T) {
	var want []struct {
		token   uint64
		payload []byte
	}
	var wire []byte
	for i := 0; i < 20; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, i*3+1)
		want = append(want, struct {
			token   uint64
			payload []byte
		}{token: uint64(i + 1), payload: payload})
		wire = append(wire, encodeFrame(uint64(i+1), payload)...)
	}

	rng := rand.New(rand.NewSource(1))
	var b recvBuffer
	var got []frame
	for len(wire) > 0 {
		n := 1 + rng.Intn(7)
		if n > len(wire) {
			n = len(wire)
		}
		var err error
		got, err = b.feed(wire[:n], got)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		wire = wire[n:]
	}

	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].token != want[i].token {
			t.Errorf("frame %d token = %d, want %d", i, got[i].token, want[i].token)
		}
		if !bytes.Equal(got[i].payload, want[i].payload) {
			t.Errorf("frame %d payload mismatch", i)
		}
	}
}

func TestFramerSplitAcrossHeaderBoundary(t *testing.T) {
	var b recvBuffer
	wire := encodeFrame(99, []byte("hello world"))

	var got []frame
	var err error
	// Split in the middle of the 12-byte header itself.
	got, err = b.feed(wire[:5], got)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("premature frame emitted before header complete")
	}
	got, err = b.feed(wire[5:], got)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].token != 99 || string(got[0].payload) != "hello world" {
		t.Errorf("frame = (%d, %q)", got[0].token, got[0].payload)
	}
}

func TestFramerRejectsOversizedLength(t *testing.T) {
	var b recvBuffer
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], 1)
	binary.LittleEndian.PutUint32(header[8:12], maxFrameLength+1)

	_, err := b.feed(header, nil)
	if err == nil {
		t.Fatalf("expected an error for a length beyond the sanity bound")
	}
	if b.inPayload || b.headerGot != 0 {
		t.Fatalf("buffer not reset after structural error: %+v", b)
	}

	// The buffer must be usable again after the reset: a fresh, well-formed
	// frame following the rejected one should be parsed normally.
	wire := encodeFrame(2, []byte("ok"))
	frames, err := b.feed(wire, nil)
	if err != nil {
		t.Fatalf("feed after reset: %v", err)
	}
	if len(frames) != 1 || frames[0].token != 2 || string(frames[0].payload) != "ok" {
		t.Fatalf("frame after reset = %+v, want (2, ok)", frames)
	}
}
