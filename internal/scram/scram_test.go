package scram

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestGenerateNonceUnique(t *testing.T) {
	a, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	b, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce: %v", err)
	}
	if a == b {
		t.Fatalf("two nonces collided: %q", a)
	}
	if _, err := base64.StdEncoding.DecodeString(a); err != nil {
		t.Fatalf("nonce not valid base64: %v", err)
	}
}

func TestParseAttributes(t *testing.T) {
	cases := []struct {
		in      string
		want    map[string]string
		wantErr bool
	}{
		{
			in:   "r=abcd1234,s=c2FsdA==,i=4096",
			want: map[string]string{"r": "abcd1234", "s": "c2FsdA==", "i": "4096"},
		},
		{
			in:   "v=dGhlc2lnbmF0dXJl",
			want: map[string]string{"v": "dGhlc2lnbmF0dXJl"},
		},
		{
			in:      "malformed",
			wantErr: true,
		},
		{
			in:   "",
			want: map[string]string{},
		},
	}

	for _, c := range cases {
		got, err := ParseAttributes(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAttributes(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAttributes(%q): %v", c.in, err)
			continue
		}
		if len(got) != len(c.want) {
			t.Errorf("ParseAttributes(%q) = %v, want %v", c.in, got, c.want)
			continue
		}
		for k, v := range c.want {
			if got[k] != v {
				t.Errorf("ParseAttributes(%q)[%q] = %q, want %q", c.in, k, got[k], v)
			}
		}
	}
}

func TestSaltPasswordDeterministic(t *testing.T) {
	salt := []byte("fixed-salt")
	a := SaltPassword("hunter2", salt, 4096)
	b := SaltPassword("hunter2", salt, 4096)
	if !bytes.Equal(a, b) {
		t.Fatalf("SaltPassword not deterministic: %x vs %x", a, b)
	}

	c := SaltPassword("hunter3", salt, 4096)
	if bytes.Equal(a, c) {
		t.Fatalf("different passwords produced the same salted key")
	}
}

func TestComputeProofDeterministicAndPasswordSensitive(t *testing.T) {
	salt := []byte("0102030405060708")
	authMessage := "n=,r=clientnonce,r=clientnonceservernonce,s=MDEwMjAzMDQwNTA2MDcwOA==,i=4096,c=biws,r=clientnonceservernonce"

	clientProof, serverSig := ComputeProof("s3cr3t", salt, 4096, authMessage)
	if len(clientProof) != 32 {
		t.Fatalf("clientProof length = %d, want 32", len(clientProof))
	}
	if len(serverSig) != 32 {
		t.Fatalf("serverSignature length = %d, want 32", len(serverSig))
	}

	clientProof2, serverSig2 := ComputeProof("s3cr3t", salt, 4096, authMessage)
	if !bytes.Equal(clientProof, clientProof2) || !bytes.Equal(serverSig, serverSig2) {
		t.Fatalf("ComputeProof not deterministic across calls")
	}

	_, serverSigWrong := ComputeProof("wrongpassword", salt, 4096, authMessage)
	if bytes.Equal(serverSig, serverSigWrong) {
		t.Fatalf("server signature should differ when password differs")
	}
}

// verifyClientProof mirrors the server-side check of the client's "p="
// proof: it recomputes the expected proof from the password and compares,
// so a tampered proof never verifies.
func verifyClientProof(password string, salt []byte, iterations int, authMessage string, gotProof []byte) bool {
	wantProof, _ := ComputeProof(password, salt, iterations, authMessage)
	return bytes.Equal(wantProof, gotProof)
}

func TestComputeProofRejectsTamperedProof(t *testing.T) {
	salt := []byte("someseedbytes!!!")
	authMessage := "n=,r=x,r=xy,s=c29tZXNlZWRieXRlcyEhIQ==,i=4096,c=biws,r=xy"

	proof, _ := ComputeProof("password", salt, 4096, authMessage)
	tampered := append([]byte(nil), proof...)
	tampered[0] ^= 0xFF

	if verifyClientProof("password", salt, 4096, authMessage, tampered) {
		t.Fatalf("tampered proof should not verify")
	}
	if !verifyClientProof("password", salt, 4096, authMessage, proof) {
		t.Fatalf("untampered proof should verify")
	}
}
