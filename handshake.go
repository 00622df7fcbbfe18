package rethinkconn

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/atsika/rethinkconn/internal/codec"
	"github.com/atsika/rethinkconn/internal/scram"
)

// handshakeMagic is the 4-byte value that opens every connection, ahead of
// any JSON. It identifies the JSON-handshake protocol version to the
// server, distinct from the older binary-only protocol versions.
var handshakeMagic = [4]byte{0xc3, 0xbd, 0xc2, 0x34}

const protocolVersion = 0

// ErrReqlAuth wraps a server-reported authentication failure (error codes
// 10-20 in the server-first response), as opposed to a malformed handshake.
var ErrReqlAuth = errors.New("rethinkconn: authentication rejected by server")

// serverVersions is the decoded shape of the step-2 response.
type serverVersions struct {
	Success            bool   `json:"success"`
	MinProtocolVersion int    `json:"min_protocol_version"`
	MaxProtocolVersion int    `json:"max_protocol_version"`
	ServerVersion      string `json:"server_version"`
	Error              string `json:"error"`
	ErrorCode          int    `json:"error_code"`
}

type clientFirstDoc struct {
	ProtocolVersion       int    `json:"protocol_version"`
	AuthenticationMethod  string `json:"authentication_method"`
	Authentication        string `json:"authentication"`
}

type serverReplyDoc struct {
	Success        bool   `json:"success"`
	Authentication string `json:"authentication"`
	Error          string `json:"error"`
	ErrorCode      int    `json:"error_code"`
}

type clientFinalDoc struct {
	Authentication string `json:"authentication"`
}

// buildStep1 returns the magic bytes that open the handshake.
func buildStep1() []byte {
	return handshakeMagic[:]
}

// parseStep2 decodes the server's response to the magic number: version
// negotiation, or an early failure if the server rejects our protocol
// version outright.
func parseStep2(data []byte) (serverVersions, error) {
	var v serverVersions
	if err := codec.Unmarshal(data, &v); err != nil {
		return v, newError(ErrKindHandshake, "parseStep2", err)
	}
	if !v.Success {
		return v, newError(ErrKindHandshake, "parseStep2", fmt.Errorf("%s (code %d)", v.Error, v.ErrorCode))
	}
	return v, nil
}

// buildStep3 builds the client-first SCRAM message: the client-first-bare
// ("n=<user>,r=<nonce>") wrapped in the GS2 header "n,,", plus the
// handshake envelope JSON.
func buildStep3(user, nonce string) (clientFirstBare string, payload []byte, err error) {
	clientFirstBare = "n=" + scramEscape(user) + ",r=" + nonce
	authentication := "n,," + clientFirstBare

	doc := clientFirstDoc{
		ProtocolVersion:      protocolVersion,
		AuthenticationMethod: "SCRAM-SHA-256",
		Authentication:       authentication,
	}
	b, err := codec.Marshal(doc)
	if err != nil {
		return "", nil, err
	}
	return clientFirstBare, append(b, 0), nil
}

// parseStep4 decodes the server-first message, extracting the combined
// nonce, salt, and iteration count. A non-success reply is wrapped as
// ErrReqlAuth when the server reports an authentication-specific error
// code (10-20), distinguishing a bad password from a malformed handshake.
func parseStep4(data []byte) (serverFirst string, combinedNonce string, salt []byte, iterations int, err error) {
	var doc serverReplyDoc
	if err := codec.Unmarshal(data, &doc); err != nil {
		return "", "", nil, 0, newError(ErrKindHandshake, "parseStep4", err)
	}
	if !doc.Success {
		if doc.ErrorCode >= 10 && doc.ErrorCode <= 20 {
			return "", "", nil, 0, newError(ErrKindAuthFailed, "parseStep4", fmt.Errorf("%w: %s", ErrReqlAuth, doc.Error))
		}
		return "", "", nil, 0, newError(ErrKindHandshake, "parseStep4", errors.New(doc.Error))
	}

	attrs, err := scram.ParseAttributes(doc.Authentication)
	if err != nil {
		return "", "", nil, 0, newError(ErrKindHandshake, "parseStep4", err)
	}
	combinedNonce = attrs["r"]
	saltB64 := attrs["s"]
	iterStr := attrs["i"]
	if combinedNonce == "" || saltB64 == "" || iterStr == "" {
		return "", "", nil, 0, newError(ErrKindHandshake, "parseStep4", errors.New("missing r/s/i attribute"))
	}
	salt, err = base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", "", nil, 0, newError(ErrKindHandshake, "parseStep4", err)
	}
	iterations, err = strconv.Atoi(iterStr)
	if err != nil {
		return "", "", nil, 0, newError(ErrKindHandshake, "parseStep4", err)
	}
	return doc.Authentication, combinedNonce, salt, iterations, nil
}

// buildStep5 builds the client-final SCRAM message given the derived
// proof, returning the without-proof prefix (needed by the caller to build
// the auth message) alongside the encoded payload.
func buildStep5(combinedNonce string, clientProof []byte) (clientFinalWithoutProof string, payload []byte, err error) {
	clientFinalWithoutProof = "c=biws,r=" + combinedNonce
	authentication := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	doc := clientFinalDoc{Authentication: authentication}
	b, err := codec.Marshal(doc)
	if err != nil {
		return "", nil, err
	}
	return clientFinalWithoutProof, append(b, 0), nil
}

// parseStep6 decodes the server's final message and extracts its
// signature ("v=...") for comparison against the client's independently
// computed expectation.
func parseStep6(data []byte) (serverSignature []byte, err error) {
	var doc serverReplyDoc
	if err := codec.Unmarshal(data, &doc); err != nil {
		return nil, newError(ErrKindHandshake, "parseStep6", err)
	}
	if !doc.Success {
		if doc.ErrorCode >= 10 && doc.ErrorCode <= 20 {
			return nil, newError(ErrKindAuthFailed, "parseStep6", fmt.Errorf("%w: %s", ErrReqlAuth, doc.Error))
		}
		return nil, newError(ErrKindHandshake, "parseStep6", errors.New(doc.Error))
	}
	attrs, err := scram.ParseAttributes(doc.Authentication)
	if err != nil {
		return nil, newError(ErrKindHandshake, "parseStep6", err)
	}
	v, ok := attrs["v"]
	if !ok {
		return nil, newError(ErrKindHandshake, "parseStep6", errors.New("missing v attribute"))
	}
	sig, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, newError(ErrKindHandshake, "parseStep6", err)
	}
	return sig, nil
}

// scramEscape applies the SCRAM username escaping rules (RFC 5802 §5.1):
// "=" becomes "=3D" and "," becomes "=2C".
func scramEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

// readNULTerminated reads raw bytes from conn, one chunk at a time, until
// it has seen a NUL byte. It never wraps conn in a buffered reader:
// anything read past the NUL belongs to the next handshake message (or,
// after the final step, to the framed query protocol) and must be
// returned to the caller as leftover rather than silently buffered away.
func readNULTerminated(conn net.Conn) (message []byte, leftover []byte, err error) {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		if idx := indexByte(buf, 0); idx >= 0 {
			return buf[:idx], buf[idx+1:], nil
		}
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if rerr == io.EOF && n == 0 {
				return nil, nil, newError(ErrKindTransport, "readNULTerminated", io.ErrUnexpectedEOF)
			}
			return nil, nil, newError(ErrKindTransport, "readNULTerminated", rerr)
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// performHandshake runs the full client side of the SCRAM-SHA-256
// handshake sequencer over conn and returns any bytes already read past
// the final NUL terminator — these belong to the query protocol's receive
// buffer, not to the handshake, and must be fed to the framer first.
func performHandshake(conn net.Conn, user, password string) (leftover []byte, err error) {
	if _, err := conn.Write(buildStep1()); err != nil {
		return nil, newError(ErrKindTransport, "performHandshake", err)
	}

	step2Raw, leftover, err := readNULTerminated(conn)
	if err != nil {
		return nil, err
	}
	if _, err := parseStep2(step2Raw); err != nil {
		return nil, err
	}

	nonce, err := scram.GenerateNonce()
	if err != nil {
		return nil, newError(ErrKindHandshake, "performHandshake", err)
	}
	clientFirstBare, step3Payload, err := buildStep3(user, nonce)
	if err != nil {
		return nil, newError(ErrKindHandshake, "performHandshake", err)
	}
	if _, err := conn.Write(step3Payload); err != nil {
		return nil, newError(ErrKindTransport, "performHandshake", err)
	}

	step4Raw, leftover2, err := readNULTerminatedWithPrefix(conn, leftover)
	if err != nil {
		return nil, err
	}
	leftover = leftover2
	serverFirst, combinedNonce, salt, iterations, err := parseStep4(step4Raw)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(combinedNonce, nonce) {
		return nil, newError(ErrKindHandshake, "performHandshake", errors.New("server nonce does not extend client nonce"))
	}

	clientFinalWithoutProof := "c=biws,r=" + combinedNonce
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	clientProof, expectedServerSig := scram.ComputeProof(password, salt, iterations, authMessage)

	_, step5Payload, err := buildStep5(combinedNonce, clientProof)
	if err != nil {
		return nil, newError(ErrKindHandshake, "performHandshake", err)
	}
	if _, err := conn.Write(step5Payload); err != nil {
		return nil, newError(ErrKindTransport, "performHandshake", err)
	}

	step6Raw, leftover3, err := readNULTerminatedWithPrefix(conn, leftover)
	if err != nil {
		return nil, err
	}
	leftover = leftover3
	serverSig, err := parseStep6(step6Raw)
	if err != nil {
		return nil, err
	}
	if !equalBytes(serverSig, expectedServerSig) {
		return nil, newError(ErrKindAuthFailed, "performHandshake", errors.New("server signature mismatch"))
	}

	return leftover, nil
}

// readNULTerminatedWithPrefix treats already-buffered bytes (read past a
// previous NUL terminator, or spuriously pipelined by an eager server) as
// the start of the next message before reading any more from conn.
func readNULTerminatedWithPrefix(conn net.Conn, prefix []byte) (message []byte, leftover []byte, err error) {
	if idx := indexByte(prefix, 0); idx >= 0 {
		return prefix[:idx], prefix[idx+1:], nil
	}
	message, leftover, err = readNULTerminated(conn)
	if err != nil {
		return nil, nil, err
	}
	full := append(append([]byte(nil), prefix...), message...)
	return full, leftover, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
