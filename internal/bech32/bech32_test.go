package bech32

import "testing"

func TestEncodePublicKeyHasNpubPrefix(t *testing.T) {
	var pk [32]byte
	for i := range pk {
		pk[i] = byte(i)
	}
	got, err := EncodePublicKey(pk)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if len(got) < 6 || got[:5] != "npub1" {
		t.Fatalf("expected npub1 prefix, got %q", got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	data := []byte("some arbitrary bytes to regroup")
	a, err := Encode("x", data)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode("x", data)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("encoding the same bytes twice produced different output: %q vs %q", a, b)
	}
}

func TestEncodeDistinctKeysDiffer(t *testing.T) {
	var pk1, pk2 [32]byte
	pk2[0] = 1
	got1, err := EncodePublicKey(pk1)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := EncodePublicKey(pk2)
	if err != nil {
		t.Fatal(err)
	}
	if got1 == got2 {
		t.Fatal("distinct keys encoded to the same npub string")
	}
}
