package remotesigner

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

func TestParseBunkerDecodesFields(t *testing.T) {
	b, err := ParseBunker("bunker://" + repeatedHex("ab", 32) + "?relay=wss://r1&relay=wss://r2&secret=s3cr3t")
	if err != nil {
		t.Fatalf("ParseBunker: %v", err)
	}
	if len(b.Relays) != 2 || b.Relays[0] != "wss://r1" || b.Relays[1] != "wss://r2" {
		t.Fatalf("unexpected relays: %+v", b.Relays)
	}
	if b.Secret != "s3cr3t" {
		t.Fatalf("unexpected secret: %q", b.Secret)
	}
	if b.PubKey[0] != 0xab {
		t.Fatalf("unexpected pubkey first byte: %x", b.PubKey[0])
	}
}

func TestParseBunkerRejectsMissingPrefix(t *testing.T) {
	if _, err := ParseBunker("not-a-bunker-uri"); err == nil {
		t.Fatal("expected an error for a string without the bunker:// prefix")
	}
}

func TestParseBunkerRejectsBadPubKey(t *testing.T) {
	if _, err := ParseBunker("bunker://nothex?secret=s"); err == nil {
		t.Fatal("expected an error for a non-hex public key")
	}
}

func repeatedHex(pair string, n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += pair
	}
	return s
}

// TestSealOpenRoundTrip exercises the ECDH+HKDF+AES-GCM envelope encryption
// between two independently-keyed Remote instances, the way a publisher's
// session key and a remote signer's long-lived key would in practice.
func TestSealOpenRoundTrip(t *testing.T) {
	aliceKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	bobKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	var bobPub, alicePub [32]byte
	copy(bobPub[:], schnorr.SerializePubKey(bobKey.PubKey()))
	copy(alicePub[:], schnorr.SerializePubKey(aliceKey.PubKey()))

	alice := &Remote{sessionKey: aliceKey, signerPubKey: bobPub}
	bob := &Remote{sessionKey: bobKey, signerPubKey: alicePub}

	ciphertext, err := alice.seal([]byte("hello bob"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plaintext, err := bob.open(ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("got %q, want %q", plaintext, "hello bob")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	aliceKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	bobKey, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	var bobPub, alicePub [32]byte
	copy(bobPub[:], schnorr.SerializePubKey(bobKey.PubKey()))
	copy(alicePub[:], schnorr.SerializePubKey(aliceKey.PubKey()))

	alice := &Remote{sessionKey: aliceKey, signerPubKey: bobPub}
	bob := &Remote{sessionKey: bobKey, signerPubKey: alicePub}

	ciphertext, err := alice.seal([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := ciphertext[:len(ciphertext)-2] + "00"
	if _, err := bob.open(tampered); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}
