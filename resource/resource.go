// Package resource defines handles to addressable external resources and
// the append-only, deduplicated set a batch must carry.
package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HandleSize is the width of a Handle in bytes.
const HandleSize = 32

// Handle names an addressable resource (account, table, wallet). It is an
// immutable value; the zero Handle means "unset".
type Handle [HandleSize]byte

// Zero is the unset handle.
var Zero Handle

// ParseHandle decodes the hex form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("resource: parse handle %q: %w", s, err)
	}
	if len(raw) != HandleSize {
		return h, fmt.Errorf("resource: parse handle %q: want %d bytes, got %d", s, HandleSize, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// MustParseHandle is like ParseHandle but panics on error.
func MustParseHandle(s string) Handle {
	h, err := ParseHandle(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HandleFromBytes copies b into a Handle. b must be exactly HandleSize long.
func HandleFromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleSize {
		return h, fmt.Errorf("resource: handle from bytes: want %d bytes, got %d", HandleSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Derive returns a deterministic handle for seed and parts. Threads and
// cranks use it to obtain stable addresses from their authority and name.
func Derive(seed string, parts ...[]byte) Handle {
	hasher := sha256.New()
	hasher.Write([]byte(seed))
	for _, p := range parts {
		// Length-prefix each part so ("ab","c") and ("a","bc") differ.
		hasher.Write([]byte{byte(len(p) >> 8), byte(len(p))})
		hasher.Write(p)
	}
	var h Handle
	copy(h[:], hasher.Sum(nil))
	return h
}

// String returns the lowercase hex encoding.
func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Handle) Short() string { return hex.EncodeToString(h[:4]) }

// IsZero reports whether h is unset.
func (h Handle) IsZero() bool { return h == Zero }

// Bytes returns a copy of the handle bytes.
func (h Handle) Bytes() []byte {
	out := make([]byte, HandleSize)
	copy(out, h[:])
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(data []byte) error {
	parsed, err := ParseHandle(string(data))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
