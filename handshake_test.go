package rethinkconn

import (
	"encoding/base64"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/atsika/rethinkconn/internal/codec"
	"github.com/atsika/rethinkconn/internal/scram"
)

// mockServer speaks just enough of the handshake to exercise the client
// side end to end over a net.Pipe. It answers strictly in turn: each
// message is written only after the client's previous one has been read.
type mockServer struct {
	conn     net.Conn
	user     string
	password string
}

func (s *mockServer) serve(t *testing.T) {
	t.Helper()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, magic); err != nil {
		t.Errorf("mock server: read magic: %v", err)
		return
	}

	step2, _ := codec.Marshal(serverVersions{Success: true, MinProtocolVersion: 0, MaxProtocolVersion: 0, ServerVersion: "mock-2.0"})
	if _, err := s.conn.Write(append(step2, 0)); err != nil {
		t.Errorf("mock server: write step2: %v", err)
		return
	}

	step3Raw, _, err := readNULTerminated(s.conn)
	if err != nil {
		t.Errorf("mock server: read step3: %v", err)
		return
	}
	var step3 clientFirstDoc
	if err := codec.Unmarshal(step3Raw, &step3); err != nil {
		t.Errorf("mock server: decode step3: %v", err)
		return
	}

	attrs, err := scram.ParseAttributes(step3.Authentication[len("n,,"):])
	if err != nil {
		t.Errorf("mock server: parse client-first: %v", err)
		return
	}
	clientNonce := attrs["r"]
	serverNonce := "serverPart"
	combinedNonce := clientNonce + serverNonce
	salt := []byte("testsalt12345678")
	iterations := 4096

	serverFirstAuth := "r=" + combinedNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=4096"
	step4, _ := codec.Marshal(serverReplyDoc{Success: true, Authentication: serverFirstAuth})
	if _, err := s.conn.Write(append(step4, 0)); err != nil {
		t.Errorf("mock server: write step4: %v", err)
		return
	}

	step5Raw, _, err := readNULTerminated(s.conn)
	if err != nil {
		t.Errorf("mock server: read step5: %v", err)
		return
	}
	var step5 clientFinalDoc
	if err := codec.Unmarshal(step5Raw, &step5); err != nil {
		t.Errorf("mock server: decode step5: %v", err)
		return
	}

	clientFirstBare := step3.Authentication[len("n,,"):]
	finalAttrs, _ := scram.ParseAttributes(step5.Authentication)
	clientFinalWithoutProof := "c=" + finalAttrs["c"] + ",r=" + finalAttrs["r"]
	authMessage := clientFirstBare + "," + serverFirstAuth + "," + clientFinalWithoutProof

	_, serverSig := scram.ComputeProof(s.password, salt, iterations, authMessage)

	step6, _ := codec.Marshal(serverReplyDoc{Success: true, Authentication: "v=" + base64.StdEncoding.EncodeToString(serverSig)})
	if _, err := s.conn.Write(append(step6, 0)); err != nil {
		t.Errorf("mock server: write step6: %v", err)
		return
	}
}

func TestPerformHandshakeSuccess(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := &mockServer{conn: serverConn, user: "admin", password: "hunter2"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.serve(t)
	}()

	leftover, err := performHandshake(clientConn, "admin", "hunter2")
	if err != nil {
		t.Fatalf("performHandshake: %v", err)
	}
	if len(leftover) != 0 {
		t.Fatalf("unexpected leftover bytes: %q", leftover)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("mock server did not finish")
	}
}

func TestPerformHandshakeWrongPasswordFailsSignatureCheck(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	srv := &mockServer{conn: serverConn, user: "admin", password: "correct-password"}
	go srv.serve(t)

	_, err := performHandshake(clientConn, "admin", "wrong-password")
	if err == nil {
		t.Fatalf("expected handshake failure on wrong password")
	}
	var driverErr *Error
	if !errors.As(err, &driverErr) {
		t.Fatalf("error is not *Error: %v", err)
	}
	if driverErr.Kind != ErrKindAuthFailed {
		t.Fatalf("error kind = %v, want ErrKindAuthFailed", driverErr.Kind)
	}
}

func TestParseStep4RejectsAuthErrorCode(t *testing.T) {
	doc := serverReplyDoc{Success: false, Error: "Incorrect authentication", ErrorCode: 12}
	raw, _ := codec.Marshal(doc)

	_, _, _, _, err := parseStep4(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	var driverErr *Error
	if !errors.As(err, &driverErr) || driverErr.Kind != ErrKindAuthFailed {
		t.Fatalf("error = %v, want ErrKindAuthFailed", err)
	}
	if !errors.Is(err, ErrReqlAuth) {
		t.Fatalf("error does not wrap ErrReqlAuth: %v", err)
	}
}

func TestScramEscape(t *testing.T) {
	got := scramEscape("a=b,c")
	want := "a=3Db=2Cc"
	if got != want {
		t.Fatalf("scramEscape = %q, want %q", got, want)
	}
}
