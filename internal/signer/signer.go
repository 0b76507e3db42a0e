// Package signer implements C2's local-key variant: a pure, non-suspending
// signer that holds a secp256k1 scalar and produces BIP-340 Schnorr
// signatures over record identifiers (spec.md §4.2).
package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/nsite-tools/nsite-publish/internal/canon"
	"github.com/nsite-tools/nsite-publish/internal/model"
)

// Signer is implemented by both the local-key and remote-interactive
// variants (spec.md §4.2).
type Signer interface {
	PublicKey(ctx context.Context) ([32]byte, error)
	Sign(ctx context.Context, tmpl model.Template) (model.Record, error)
}

// Local is a local-key Signer. It never performs I/O and cannot suspend.
type Local struct {
	key    *btcec.PrivateKey
	pubKey [32]byte
}

// New constructs a Local signer from a 32-byte secp256k1 scalar. The only
// failure mode is a malformed private key (spec.md §4.2).
func New(secretKey [32]byte) (*Local, error) {
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(secretKey[:]); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("invalid secp256k1 private key")
	}
	priv, pub := btcec.PrivKeyFromBytes(secretKey[:])
	var pk [32]byte
	copy(pk[:], schnorr.SerializePubKey(pub))
	return &Local{key: priv, pubKey: pk}, nil
}

// NewFromHex is a convenience constructor for a hex-encoded secret key.
func NewFromHex(hexKey string) (*Local, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	var sk [32]byte
	copy(sk[:], raw)
	return New(sk)
}

// Zeroize overwrites the held scalar and drops it, so any later Sign
// fails. The cached public key is kept. Copies of the secret key held
// outside this Local are not touched.
func (l *Local) Zeroize() {
	if l.key != nil {
		l.key.Zero()
	}
	l.key = nil
}

// PublicKey returns the cached publisher identity.
func (l *Local) PublicKey(ctx context.Context) ([32]byte, error) {
	return l.pubKey, nil
}

// Sign fills in the template's publisher identity, computes the canonical
// identifier, and signs it.
func (l *Local) Sign(ctx context.Context, tmpl model.Template) (model.Record, error) {
	if l.key == nil {
		return model.Record{}, fmt.Errorf("signer has been zeroized")
	}
	pubHex := hex.EncodeToString(l.pubKey[:])
	id, err := canon.ID(pubHex, tmpl.CreatedAt, tmpl.Kind, tmpl.Tags, tmpl.Content)
	if err != nil {
		return model.Record{}, err
	}
	sig, err := schnorr.Sign(l.key, id[:], schnorr.CustomNonce(randomNonceAux()))
	if err != nil {
		return model.Record{}, fmt.Errorf("signing record identifier: %w", err)
	}
	var sigBytes [64]byte
	copy(sigBytes[:], sig.Serialize())
	return model.Record{
		PubKey:    l.pubKey,
		Kind:      tmpl.Kind,
		CreatedAt: tmpl.CreatedAt,
		Tags:      tmpl.Tags,
		Content:   tmpl.Content,
		ID:        id,
		Sig:       sigBytes,
	}, nil
}

// Verify checks a record's signature against its own claimed identity and
// recomputed identifier (spec.md §3, §8 "Signature validity").
func Verify(r model.Record) (bool, error) {
	expectedID, err := canon.ID(r.PubKeyHex(), r.CreatedAt, r.Kind, r.Tags, r.Content)
	if err != nil {
		return false, err
	}
	if expectedID != r.ID {
		return false, nil
	}
	pub, err := schnorr.ParsePubKey(r.PubKey[:])
	if err != nil {
		return false, fmt.Errorf("parsing publisher public key: %w", err)
	}
	sig, err := schnorr.ParseSignature(r.Sig[:])
	if err != nil {
		return false, fmt.Errorf("parsing signature: %w", err)
	}
	return sig.Verify(r.ID[:], pub), nil
}

func randomNonceAux() [32]byte {
	var aux [32]byte
	_, _ = rand.Read(aux[:])
	return aux
}
