// Package signer computes the keyed signature carried by every outbound request.
//
// The peer re-serializes the payload it receives and recomputes the HMAC, so
// the serialized form is part of the protocol: compact JSON, fields in
// declaration order, UTF-8 text, no HTML escaping and no escaping of U+2028 /
// U+2029. That matches JSON.stringify and Python's
// json.dumps(separators=(",", ":"), ensure_ascii=False).
package signer

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/remote-sandbox/client/internal/model"
)

// SignatureLen is the length of a rendered signature (hex-encoded SHA-256).
const SignatureLen = sha256.Size * 2

// Signer signs payloads with a process-wide secret.
type Signer struct {
	key []byte
}

// New creates a Signer for the given secret.
func New(secret []byte) *Signer {
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{key: key}
}

// Canonicalize returns the canonical serialized form of v.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return unescapeLineSeparators(out), nil
}

// SignBytes returns the lowercase hex HMAC-SHA256 of an already canonical payload.
func (s *Signer) SignBytes(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the signature of v's canonical form.
func (s *Signer) Sign(v any) (string, error) {
	payload, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return s.SignBytes(payload), nil
}

// Seal serializes v and wraps it with its signature. The envelope carries the
// exact bytes that were signed.
func (s *Signer) Seal(v any) (model.Envelope, error) {
	payload, err := Canonicalize(v)
	if err != nil {
		return model.Envelope{}, err
	}
	return model.Envelope{Payload: payload, Signature: s.SignBytes(payload)}, nil
}

// Verify reports whether signature matches payload. Comparison is constant time.
func (s *Signer) Verify(payload []byte, signature string) bool {
	expected := s.SignBytes(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// unescapeLineSeparators rewrites the \u2028 and \u2029 escapes that
// encoding/json always emits back to raw UTF-8. Escaped backslashes are
// skipped pairwise so a literal `\\u2028` in a string is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\\' || i+1 >= len(b) {
			out = append(out, c)
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, c, b[i+1])
		i++
	}
	return out
}
