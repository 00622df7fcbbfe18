package codec

import "testing"

type handshakeDoc struct {
	ProtocolVersion int    `json:"protocol_version"`
	Method          string `json:"authentication_method"`
	Authentication  string `json:"authentication"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := handshakeDoc{ProtocolVersion: 0, Method: "SCRAM-SHA-256", Authentication: "n,,n=,r=abc"}

	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out handshakeDoc
	if err := Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out handshakeDoc
	if err := Unmarshal([]byte("not json"), &out); err == nil {
		t.Fatalf("expected error decoding garbage input")
	}
}

func TestRawMessagePassthrough(t *testing.T) {
	type envelope struct {
		T int         `json:"t"`
		R RawMessage  `json:"r"`
	}

	b := []byte(`{"t":1,"r":[{"id":1},{"id":2}]}`)
	var e envelope
	if err := Unmarshal(b, &e); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if e.T != 1 {
		t.Fatalf("T = %d, want 1", e.T)
	}
	if string(e.R) != `[{"id":1},{"id":2}]` {
		t.Fatalf("R = %s, want raw array passthrough", e.R)
	}
}
