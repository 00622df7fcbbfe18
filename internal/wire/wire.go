// Package wire defines the post-handshake query protocol: query term codes,
// response type codes, and the Query values the connection multiplexer
// sends on the stream. It is the driver's query-tree builder and response
// classifier — the external collaborator described in the design as owning
// wire encoding, kept internal because callers only ever see a Query value
// and a Response, never raw bytes.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/atsika/rethinkconn/internal/codec"
)

// QueryType is the first element of every outbound query array.
type QueryType int

const (
	QueryStart        QueryType = 1
	QueryContinue     QueryType = 2
	QueryStop         QueryType = 3
	QueryNoreplyWait  QueryType = 4
	QueryServerInfo   QueryType = 5
)

// ResponseType is the "t" field of a decoded response document.
type ResponseType int

const (
	ResponseSuccessAtom     ResponseType = 1
	ResponseSuccessSequence ResponseType = 2
	ResponseSuccessPartial  ResponseType = 3
	ResponseWaitComplete    ResponseType = 4
	ResponseServerInfo      ResponseType = 5
	ResponseClientError     ResponseType = 16
	ResponseCompileError    ResponseType = 17
	ResponseRuntimeError    ResponseType = 18
)

// IsError reports whether rt is one of the error response types.
func (rt ResponseType) IsError() bool {
	switch rt {
	case ResponseClientError, ResponseCompileError, ResponseRuntimeError:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for logging and error messages.
func (rt ResponseType) String() string {
	switch rt {
	case ResponseSuccessAtom:
		return "success_atom"
	case ResponseSuccessSequence:
		return "success_sequence"
	case ResponseSuccessPartial:
		return "success_partial"
	case ResponseWaitComplete:
		return "wait_complete"
	case ResponseServerInfo:
		return "server_info"
	case ResponseClientError:
		return "client_error"
	case ResponseCompileError:
		return "compile_error"
	case ResponseRuntimeError:
		return "runtime_error"
	default:
		return fmt.Sprintf("response_type(%d)", int(rt))
	}
}

// MapResponseType translates a raw "t" code into a ResponseType, erroring on
// codes the driver does not recognize.
func MapResponseType(code int) (ResponseType, error) {
	switch ResponseType(code) {
	case ResponseSuccessAtom, ResponseSuccessSequence, ResponseSuccessPartial,
		ResponseWaitComplete, ResponseServerInfo,
		ResponseClientError, ResponseCompileError, ResponseRuntimeError:
		return ResponseType(code), nil
	default:
		return 0, fmt.Errorf("wire: unrecognized response type %d", code)
	}
}

// Envelope is the decoded shape of every response document: {"t": ..., "r": [...]}.
// Backtrace and profile fields are preserved as raw JSON for callers that want them.
type Envelope struct {
	Type      int               `json:"t"`
	Results   []json.RawMessage `json:"r"`
	Backtrace json.RawMessage   `json:"b,omitempty"`
	Profile   json.RawMessage   `json:"p,omitempty"`
	Notes     []int             `json:"n,omitempty"`
}

// Query is anything the connection can turn into wire bytes for the
// payload portion of a frame (the header is added by the connection).
type Query interface {
	Encode() ([]byte, error)
}

// Term is a minimal ReQL-like term: a query is [QueryType, term, optsOrNil].
// Real term trees are recursive ([termCode, args, optargs]); Term is
// left opaque here (json.RawMessage) since building term trees is the
// out-of-scope query-tree builder — the connection only needs to frame
// whatever bytes that builder produced.
type Term = json.RawMessage

// StartQuery wraps an already-built term tree as a QueryStart query.
type StartQuery struct {
	Term    Term
	Options map[string]any
}

func (q StartQuery) Encode() ([]byte, error) {
	arr := []any{QueryStart, json.RawMessage(q.Term)}
	if len(q.Options) > 0 {
		arr = append(arr, q.Options)
	}
	return codec.Marshal(arr)
}

// continuePayload and stopPayload are fixed, argument-less query arrays.
var (
	continuePayload = []byte(`[2]`)
	stopPayload     = []byte(`[3]`)
	infoPayload     = []byte(`[5]`)
)

// ContinueQuery requests the next batch of an open cursor.
type ContinueQuery struct{}

func (ContinueQuery) Encode() ([]byte, error) { return continuePayload, nil }

// StopQuery asks the server to discard the remainder of a cursor.
type StopQuery struct{}

func (StopQuery) Encode() ([]byte, error) { return stopPayload, nil }

// ServerInfoQuery asks the server for version/identity information.
type ServerInfoQuery struct{}

func (ServerInfoQuery) Encode() ([]byte, error) { return infoPayload, nil }

// ClosureQuery adapts a caller-supplied byte-producing function to Query,
// for callers that already have a prebuilt wire payload (submit_closure in
// the design).
type ClosureQuery func() ([]byte, error)

func (f ClosureQuery) Encode() ([]byte, error) { return f() }

// RawInsertQuery splices a caller-supplied, already-encoded JSON document
// into a `table.insert(<raw>, <opts>)` wrapper without re-parsing it. The
// wrapper is encoded as a template around a quoted marker string, which is
// cut out to leave a prefix and suffix, so the total length is computed by
// addition instead of re-encoding raw.
type RawInsertQuery struct {
	DB      string
	Table   string
	Raw     json.RawMessage
	Options map[string]any
}

// term codes from the RethinkDB ql2 term tree, enough to express db/table/insert.
const (
	termDB     = 14
	termTable  = 15
	termInsert = 56
)

// Encode builds the term tree around Raw via the codec's JSON encoder (the
// term tree itself is small and fixed-shape; only the row payload, which may
// be large and is already valid JSON, is spliced in raw). Prefix/Suffix are
// exposed separately via EncodeParts for the fast gathered-write path used
// by the connection.
func (q RawInsertQuery) Encode() ([]byte, error) {
	prefix, suffix, err := q.parts()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(prefix)+len(q.Raw)+len(suffix))
	out = append(out, prefix...)
	out = append(out, q.Raw...)
	out = append(out, suffix...)
	return out, nil
}

// EncodeParts returns the prefix and suffix around the raw row document,
// letting the caller do a three-segment gathered write (prefix ‖ raw ‖
// suffix) without ever concatenating the potentially-large raw payload in
// memory. The total frame length is len(prefix)+len(raw)+len(suffix).
func (q RawInsertQuery) EncodeParts() (prefix, suffix []byte, err error) {
	return q.parts()
}

func (q RawInsertQuery) parts() (prefix, suffix []byte, err error) {
	dbTerm := []any{termDB, []any{q.DB}}
	tableTerm := []any{termTable, []any{dbTerm, q.Table}}

	// Marshal everything up to where the raw document belongs, then split
	// the placeholder out of the buffer by byte offset.
	const placeholder = "\x00RAW\x00"
	insertArgs := []any{tableTerm, json.RawMessage(`"` + placeholder + `"`)}
	var insertTerm any
	if len(q.Options) > 0 {
		insertTerm = []any{termInsert, insertArgs, q.Options}
	} else {
		insertTerm = []any{termInsert, insertArgs}
	}
	full, err := codec.Marshal([]any{QueryStart, insertTerm})
	if err != nil {
		return nil, nil, err
	}
	idx := indexOf(full, []byte(`"`+placeholder+`"`))
	if idx < 0 {
		return nil, nil, fmt.Errorf("wire: raw-insert placeholder not found in template")
	}
	prefix = full[:idx]
	suffix = full[idx+len(placeholder)+2:]
	return prefix, suffix, nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
