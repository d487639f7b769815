// Package canonical produces deterministic JSON encodings and content hashes.
//
// Values are first marshalled with encoding/json, then decoded into generic
// maps (numbers kept as their literal text) and marshalled again, so object
// keys always come out sorted regardless of struct field order or map
// iteration order. Floating point values are rejected: callers carry
// coordinates and weights as fixed-point integers.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// HashPrefix identifies the digest algorithm in every content hash.
const HashPrefix = "sha256:"

// ErrFloat is returned when a payload carries a non-integer number.
var ErrFloat = errors.New("canonical: floating point numbers are not allowed")

// Encode returns the canonical bytes of v.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if err := rejectFloats(generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the prefixed SHA-256 hex digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// SumObject encodes v canonically and returns its hash with the encoded bytes.
func SumObject(v any) (string, []byte, error) {
	b, err := Encode(v)
	if err != nil {
		return "", nil, err
	}
	return Hash(b), b, nil
}

// Digest decodes a prefixed content hash into its 32 raw bytes.
func Digest(contentHash string) ([32]byte, error) {
	var out [32]byte
	h := strings.TrimPrefix(strings.TrimSpace(contentHash), HashPrefix)
	b, err := hex.DecodeString(h)
	if err != nil {
		return out, fmt.Errorf("canonical: invalid content hash: %w", err)
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("canonical: invalid content hash length: %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func rejectFloats(v any) error {
	switch t := v.(type) {
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return fmt.Errorf("%w: %s", ErrFloat, t.String())
		}
	case map[string]any:
		for _, child := range t {
			if err := rejectFloats(child); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := rejectFloats(child); err != nil {
				return err
			}
		}
	}
	return nil
}
