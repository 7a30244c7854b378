package admin

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/tempo"
	"github.com/xraph/tempo/resource"
)

// Op names an administrative operation. It is part of the signed body, so
// a signature for one operation cannot be replayed against another.
type Op string

const (
	OpCreateThread    Op = "thread.create"
	OpUpdateThread    Op = "thread.update"
	OpPauseThread     Op = "thread.pause"
	OpResumeThread    Op = "thread.resume"
	OpCloseThread     Op = "thread.close"
	OpCreateTable     Op = "table.create"
	OpExtendTable     Op = "table.extend"
	OpBindTable       Op = "table.bind"
	OpDeactivateTable Op = "table.deactivate"
	OpCreateCrank     Op = "crank.create"
	OpResetCrank      Op = "crank.reset"
)

// Request authenticates one administrative call. Authority is the
// authority's ed25519 public key; Signature covers Canonical(op,
// Authority, Nonce, params).
type Request struct {
	Authority resource.Handle `json:"authority" msgpack:"authority"`
	Nonce     uint64          `json:"nonce" msgpack:"nonce"`
	Signature []byte          `json:"signature" msgpack:"signature"`
}

type envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Op        Op
	Authority []byte
	Nonce     uint64
	Params    any
}

// Canonical returns the bytes an authority signs for op with params.
// Struct fields encode in declaration order and map keys are sorted, so
// equal inputs always encode identically.
func Canonical(op Op, authority resource.Handle, nonce uint64, params any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	err := enc.Encode(&envelope{
		Op:        op,
		Authority: authority.Bytes(),
		Nonce:     nonce,
		Params:    params,
	})
	if err != nil {
		return nil, fmt.Errorf("tempo/admin: encode %s: %w", op, err)
	}
	return buf.Bytes(), nil
}

// Verify checks that req carries a valid signature for op with params.
func Verify(op Op, req Request, params any) error {
	if req.Authority.IsZero() || len(req.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("tempo/admin: %w: missing authority or signature", tempo.ErrUnauthorized)
	}
	body, err := Canonical(op, req.Authority, req.Nonce, params)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(req.Authority.Bytes()), body, req.Signature) {
		return fmt.Errorf("tempo/admin: %w: bad signature for %s", tempo.ErrUnauthorized, op)
	}
	return nil
}

// Signer signs requests on behalf of one authority. Nonces start at the
// creation time in nanoseconds and increase by one per request. Safe for
// concurrent use.
type Signer struct {
	key       ed25519.PrivateKey
	authority resource.Handle
	nonce     atomic.Uint64
}

// NewSigner creates a Signer for key.
func NewSigner(key ed25519.PrivateKey) *Signer {
	pub, _ := key.Public().(ed25519.PublicKey)
	s := &Signer{key: key}
	copy(s.authority[:], pub)
	s.nonce.Store(uint64(time.Now().UnixNano()))
	return s
}

// Authority returns the handle requests are signed as.
func (s *Signer) Authority() resource.Handle { return s.authority }

// Sign builds a request for op with params under the next nonce.
func (s *Signer) Sign(op Op, params any) (Request, error) {
	return s.SignNonce(op, params, s.nonce.Add(1))
}

// SignNonce builds a request for op with params under an explicit nonce.
func (s *Signer) SignNonce(op Op, params any, nonce uint64) (Request, error) {
	body, err := Canonical(op, s.authority, nonce, params)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Authority: s.authority,
		Nonce:     nonce,
		Signature: ed25519.Sign(s.key, body),
	}, nil
}
