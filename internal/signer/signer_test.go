package signer

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/nsite-tools/nsite-publish/internal/model"
)

func randomKey(t *testing.T) [32]byte {
	t.Helper()
	var sk [32]byte
	if _, err := rand.Read(sk[:]); err != nil {
		t.Fatal(err)
	}
	return sk
}

func TestSignProducesVerifiableRecord(t *testing.T) {
	l, err := New(randomKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tmpl := model.Template{
		Kind:      34128,
		CreatedAt: 1700000000,
		Tags:      model.Tags{{"d", "/index.html"}, {"x", "abc123"}},
		Content:   "",
	}
	rec, err := l.Sign(context.Background(), tmpl)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(rec)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected freshly signed record to verify")
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	l, err := New(randomKey(t))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := l.Sign(context.Background(), model.Template{Kind: 1, Content: "original"})
	if err != nil {
		t.Fatal(err)
	}
	rec.Content = "tampered"
	ok, err := Verify(rec)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected tampered record to fail verification")
	}
}

func TestPublicKeyIsDeterministicForAGivenSecret(t *testing.T) {
	sk := randomKey(t)
	l1, err := New(sk)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := New(sk)
	if err != nil {
		t.Fatal(err)
	}
	pk1, _ := l1.PublicKey(context.Background())
	pk2, _ := l2.PublicKey(context.Background())
	if pk1 != pk2 {
		t.Fatal("same secret key produced different public keys")
	}
}

func TestNewFromHexRoundTrips(t *testing.T) {
	sk := randomKey(t)
	hexKey := ""
	for _, b := range sk {
		hexKey += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}
	l, err := NewFromHex(hexKey)
	if err != nil {
		t.Fatalf("NewFromHex: %v", err)
	}
	if _, err := l.PublicKey(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNewFromHexRejectsWrongLength(t *testing.T) {
	if _, err := NewFromHex("abcd"); err == nil {
		t.Fatal("expected an error for a too-short hex key")
	}
}

func TestZeroizePreventsFurtherSigning(t *testing.T) {
	l, err := New(randomKey(t))
	if err != nil {
		t.Fatal(err)
	}
	l.Zeroize()
	if _, err := l.Sign(context.Background(), model.Template{}); err == nil {
		t.Fatal("expected signing after Zeroize to fail")
	}
}
