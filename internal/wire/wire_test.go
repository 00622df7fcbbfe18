package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/atsika/rethinkconn/internal/codec"
)

func TestMapResponseType(t *testing.T) {
	good := []int{1, 2, 3, 4, 5, 16, 17, 18}
	for _, code := range good {
		rt, err := MapResponseType(code)
		if err != nil {
			t.Errorf("MapResponseType(%d): unexpected error: %v", code, err)
		}
		if int(rt) != code {
			t.Errorf("MapResponseType(%d) = %d, want %d", code, rt, code)
		}
	}

	if _, err := MapResponseType(99); err == nil {
		t.Fatalf("MapResponseType(99): expected error, got none")
	}
}

func TestResponseTypeIsError(t *testing.T) {
	errTypes := []ResponseType{ResponseClientError, ResponseCompileError, ResponseRuntimeError}
	for _, rt := range errTypes {
		if !rt.IsError() {
			t.Errorf("%v.IsError() = false, want true", rt)
		}
	}

	okTypes := []ResponseType{ResponseSuccessAtom, ResponseSuccessSequence, ResponseSuccessPartial, ResponseWaitComplete, ResponseServerInfo}
	for _, rt := range okTypes {
		if rt.IsError() {
			t.Errorf("%v.IsError() = true, want false", rt)
		}
	}
}

func TestContinueAndStopPayloads(t *testing.T) {
	b, err := ContinueQuery{}.Encode()
	if err != nil {
		t.Fatalf("ContinueQuery.Encode: %v", err)
	}
	if string(b) != "[2]" {
		t.Errorf("ContinueQuery.Encode() = %s, want [2]", b)
	}

	b, err = StopQuery{}.Encode()
	if err != nil {
		t.Fatalf("StopQuery.Encode: %v", err)
	}
	if string(b) != "[3]" {
		t.Errorf("StopQuery.Encode() = %s, want [3]", b)
	}
}

func TestStartQueryEncode(t *testing.T) {
	q := StartQuery{Term: json.RawMessage(`[15,[[14,["test"]],"users"]]`)}
	b, err := q.Encode()
	if err != nil {
		t.Fatalf("StartQuery.Encode: %v", err)
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("decode query array: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("query array length = %d, want 2 (no options)", len(decoded))
	}

	q.Options = map[string]any{"read_mode": "outdated"}
	b, err = q.Encode()
	if err != nil {
		t.Fatalf("StartQuery.Encode with options: %v", err)
	}
	decoded = nil
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("decode query array with options: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("query array length = %d, want 3 (with options)", len(decoded))
	}
}

func TestClosureQuery(t *testing.T) {
	called := false
	q := ClosureQuery(func() ([]byte, error) {
		called = true
		return []byte(`[1,[2,["raw"]]]`), nil
	})
	b, err := q.Encode()
	if err != nil {
		t.Fatalf("ClosureQuery.Encode: %v", err)
	}
	if !called {
		t.Fatalf("closure was not invoked")
	}
	if len(b) == 0 {
		t.Fatalf("closure produced empty payload")
	}
}

func TestRawInsertQuerySplicesWithoutReparsing(t *testing.T) {
	raw := json.RawMessage(`{"id":1,"name":"widget","tags":["a","b"]}`)
	q := RawInsertQuery{DB: "shop", Table: "items", Raw: raw}

	full, err := q.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded []json.RawMessage
	if err := json.Unmarshal(full, &decoded); err != nil {
		t.Fatalf("full payload is not a valid query array: %v\npayload: %s", err, full)
	}

	prefix, suffix, err := q.EncodeParts()
	if err != nil {
		t.Fatalf("EncodeParts: %v", err)
	}
	wantLen := len(prefix) + len(raw) + len(suffix)
	if wantLen != len(full) {
		t.Errorf("len(prefix)+len(raw)+len(suffix) = %d, want %d (len(full))", wantLen, len(full))
	}

	reassembled := append(append(append([]byte(nil), prefix...), raw...), suffix...)
	if string(reassembled) != string(full) {
		t.Errorf("prefix+raw+suffix != Encode() output:\n got: %s\nwant: %s", reassembled, full)
	}
}

func TestEnvelopeDecodeMatchesExpectedShape(t *testing.T) {
	body := []byte(`{"t":3,"r":[1,2,3],"n":[1]}`)

	var got Envelope
	if err := codec.Unmarshal(body, &got); err != nil {
		t.Fatalf("codec.Unmarshal: %v", err)
	}

	want := Envelope{
		Type:    int(ResponseSuccessPartial),
		Results: []json.RawMessage{json.RawMessage("1"), json.RawMessage("2"), json.RawMessage("3")},
		Notes:   []int{1},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestRawInsertQueryWithOptions(t *testing.T) {
	raw := json.RawMessage(`{"id":2}`)
	q := RawInsertQuery{DB: "shop", Table: "items", Raw: raw, Options: map[string]any{"conflict": "replace"}}

	full, err := q.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded []json.RawMessage
	if err := json.Unmarshal(full, &decoded); err != nil {
		t.Fatalf("full payload invalid: %v", err)
	}

	var term []json.RawMessage
	if err := json.Unmarshal(decoded[1], &term); err != nil {
		t.Fatalf("term not an array: %v", err)
	}
	if len(term) != 3 {
		t.Fatalf("insert term length = %d, want 3 (code, args, optargs)", len(term))
	}
}
