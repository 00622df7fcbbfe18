// Package scram implements the client side of SCRAM-SHA-256 (RFC 5802/7677)
// as used by the database handshake: salting the password, deriving the
// client proof, and deriving the expected server signature (the handshake
// compares it with the one the server sends).
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrMalformedAttributes is returned when a SCRAM attribute list cannot be parsed.
var ErrMalformedAttributes = errors.New("scram: malformed attribute list")

const nonceBytes = 18

// GenerateNonce returns a fresh base64-encoded client nonce.
func GenerateNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// ParseAttributes splits a comma-separated SCRAM attribute list ("r=...,s=...,i=...")
// into a key/value map. Values may contain '=' themselves (e.g. base64 padding);
// only the first '=' splits key from value.
func ParseAttributes(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, '=')
		if idx < 0 {
			return nil, ErrMalformedAttributes
		}
		attrs[part[:idx]] = part[idx+1:]
	}
	return attrs, nil
}

// SaltPassword derives the salted password via PBKDF2-HMAC-SHA256.
func SaltPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
}

func hmacSum(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ComputeProof derives the client proof and expected server signature for the
// given auth message, following RFC 5802 §3. authMessage is
// client-first-message-bare + "," + server-first-message + "," + client-final-message-without-proof.
func ComputeProof(password string, salt []byte, iterations int, authMessage string) (clientProof, serverSignature []byte) {
	saltedPassword := SaltPassword(password, salt, iterations)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSum(storedKey, []byte(authMessage))

	clientProof = make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	serverKey := hmacSum(saltedPassword, []byte("Server Key"))
	serverSignature = hmacSum(serverKey, []byte(authMessage))
	return clientProof, serverSignature
}
