// Package remotesigner implements C2's remote-interactive signer variant
// and C8's encrypted request/response transport over the relay mesh
// (spec.md §4.2, §4.8, §9). Callers see a uniform Signer that "returns a
// signed record, eventually"; the transport loop owns the relay
// connections and dispatches replies by correlation id, as an actor with
// a mailbox.
package remotesigner

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/nsite-tools/nsite-publish/internal/collector"
	"github.com/nsite-tools/nsite-publish/internal/corefail"
	"github.com/nsite-tools/nsite-publish/internal/model"
	"github.com/nsite-tools/nsite-publish/internal/relay"
	"github.com/nsite-tools/nsite-publish/internal/signer"
)

// DefaultRoundTripTimeout is the remote-signer call bound from spec.md §5
// ("Remote-signer round trip: configurable, >= 30 s").
const DefaultRoundTripTimeout = 30 * time.Second

// EnvelopeTransport is implemented by a type that can send an encrypted
// envelope record to the signer's relays and receive replies addressed to
// a session key. Production code uses relay.PublishToRelays plus a
// subscription; tests substitute an in-memory fake.
type EnvelopeTransport interface {
	Send(ctx context.Context, envelope model.Record) error
	Subscribe(ctx context.Context, sessionPubKeyHex string) (<-chan model.Record, error)
}

// relayTransport is the production EnvelopeTransport, grounded on
// internal/relay's one-message-per-connection publish/fetch shape
// (spec.md §9 "Per-relay state").
type relayTransport struct {
	relays []string
	col    *collector.Collector
}

func (t *relayTransport) Send(ctx context.Context, envelope model.Record) error {
	_, ok := relay.PublishToRelays(ctx, t.relays, envelope, t.col)
	if !ok {
		return corefail.Wrap(corefail.SignerUnreachable, fmt.Errorf("no relay accepted remote-signer envelope"))
	}
	return nil
}

func (t *relayTransport) Subscribe(ctx context.Context, sessionPubKeyHex string) (<-chan model.Record, error) {
	ch := make(chan model.Record)
	filter := map[string]any{
		"kinds": []int{model.SignerEnvelopeKind},
		"#p":    []string{sessionPubKeyHex},
	}
	go func() {
		defer close(ch)
		seen := map[string]bool{}
		for {
			for _, relayURL := range t.relays {
				records, err := relay.SubscribeOnce(ctx, relayURL, filter, t.col)
				if err != nil {
					continue
				}
				for _, r := range records {
					id := r.IDHex()
					if seen[id] {
						continue
					}
					seen[id] = true
					select {
					case ch <- r:
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	return ch, nil
}

// pendingRequest is the mailbox entry for one in-flight request.
type pendingRequest struct {
	replyCh chan rpcResponse
}

// Remote is the remote-interactive Signer (C2) and owns the transport
// loop described by C8.
type Remote struct {
	signerPubKey [32]byte
	sessionKey   *btcec.PrivateKey
	sessionPub   [32]byte
	transport    EnvelopeTransport
	timeout      time.Duration

	mu      sync.Mutex
	pending map[string]pendingRequest

	cachedPubKey *[32]byte
}

// Connect establishes a remote signer session: it generates a session
// keypair, starts the transport loop, and performs the "connect" handshake
// (spec.md §4.8 "Methods used").
func Connect(ctx context.Context, signerPubKey [32]byte, relays []string, secret string, col *collector.Collector) (*Remote, error) {
	sessionKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating remote-signer session keypair: %w", err)
	}
	var sessionPub [32]byte
	copy(sessionPub[:], schnorr.SerializePubKey(sessionKey.PubKey()))

	r := &Remote{
		signerPubKey: signerPubKey,
		sessionKey:   sessionKey,
		sessionPub:   sessionPub,
		transport:    &relayTransport{relays: relays, col: col},
		timeout:      DefaultRoundTripTimeout,
		pending:      map[string]pendingRequest{},
	}
	go r.listen(context.WithoutCancel(ctx))

	if _, err := r.call(ctx, "connect", []any{hex.EncodeToString(signerPubKey[:]), secret}); err != nil {
		return nil, err
	}
	return r, nil
}

// listen is the actor's mailbox loop: it owns the subscription and
// dispatches replies to whichever call() is waiting on that id.
func (r *Remote) listen(ctx context.Context) {
	ch, err := r.transport.Subscribe(ctx, hex.EncodeToString(r.sessionPub[:]))
	if err != nil {
		return
	}
	for envelope := range ch {
		resp, err := r.decrypt(envelope)
		if err != nil {
			continue
		}
		r.mu.Lock()
		pending, ok := r.pending[resp.ID]
		if ok {
			delete(r.pending, resp.ID)
		}
		r.mu.Unlock()
		if ok {
			pending.replyCh <- resp
		}
	}
}

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

func (r *Remote) call(ctx context.Context, method string, params []any) (string, error) {
	id := uuid.NewString()
	req := rpcRequest{ID: id, Method: method, Params: params}
	envelope, err := r.encrypt(req)
	if err != nil {
		return "", err
	}

	replyCh := make(chan rpcResponse, 1)
	r.mu.Lock()
	r.pending[id] = pendingRequest{replyCh: replyCh}
	r.mu.Unlock()

	if err := r.transport.Send(ctx, envelope); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return "", corefail.Wrap(corefail.SignerUnreachable, err)
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = DefaultRoundTripTimeout
	}
	select {
	case resp := <-replyCh:
		if resp.Error != "" {
			return "", corefail.WrapReason(corefail.SignerRejected, resp.Error, fmt.Errorf("remote signer rejected %s", method))
		}
		return resp.Result, nil
	case <-time.After(timeout):
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return "", corefail.Wrap(corefail.SignerTimeout, fmt.Errorf("remote signer did not respond to %s within %s", method, timeout))
	case <-ctx.Done():
		return "", corefail.Wrap(corefail.Cancelled, ctx.Err())
	}
}

// PublicKey returns the remote signer's publisher identity, caching after
// the first call (spec.md §4.2).
func (r *Remote) PublicKey(ctx context.Context) ([32]byte, error) {
	if r.cachedPubKey != nil {
		return *r.cachedPubKey, nil
	}
	result, err := r.call(ctx, "get_public_key", nil)
	if err != nil {
		return [32]byte{}, err
	}
	raw, err := hex.DecodeString(result)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("remote signer returned malformed public key %q", result)
	}
	var pk [32]byte
	copy(pk[:], raw)
	r.cachedPubKey = &pk
	return pk, nil
}

// Sign asks the remote signer to sign a template via "sign_event" and
// parses the fully signed record it returns.
func (r *Remote) Sign(ctx context.Context, tmpl model.Template) (model.Record, error) {
	tags := make([][]string, len(tmpl.Tags))
	for i, t := range tmpl.Tags {
		tags[i] = []string(t)
	}
	eventTemplate := map[string]any{
		"kind":       tmpl.Kind,
		"created_at": tmpl.CreatedAt,
		"tags":       tags,
		"content":    tmpl.Content,
	}
	raw, err := json.Marshal(eventTemplate)
	if err != nil {
		return model.Record{}, err
	}
	result, err := r.call(ctx, "sign_event", []any{string(raw)})
	if err != nil {
		return model.Record{}, err
	}

	var wire struct {
		ID        string     `json:"id"`
		PubKey    string     `json:"pubkey"`
		CreatedAt int64      `json:"created_at"`
		Kind      int        `json:"kind"`
		Tags      [][]string `json:"tags"`
		Content   string     `json:"content"`
		Sig       string     `json:"sig"`
	}
	if err := json.Unmarshal([]byte(result), &wire); err != nil {
		return model.Record{}, fmt.Errorf("parsing signed event from remote signer: %w", err)
	}

	rec := model.Record{CreatedAt: wire.CreatedAt, Kind: wire.Kind, Content: wire.Content}
	if err := decodeHexInto(wire.ID, rec.ID[:]); err != nil {
		return model.Record{}, err
	}
	if err := decodeHexInto(wire.PubKey, rec.PubKey[:]); err != nil {
		return model.Record{}, err
	}
	if err := decodeHexInto(wire.Sig, rec.Sig[:]); err != nil {
		return model.Record{}, err
	}
	rec.Tags = make(model.Tags, len(wire.Tags))
	for i, t := range wire.Tags {
		rec.Tags[i] = model.Tag(t)
	}

	ok, err := signer.Verify(rec)
	if err != nil || !ok {
		return model.Record{}, fmt.Errorf("remote signer returned a record that fails to verify")
	}
	return rec, nil
}

func decodeHexInto(s string, dst []byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(dst) {
		return fmt.Errorf("expected %d hex bytes, got %q", len(dst), s)
	}
	copy(dst, raw)
	return nil
}

// Ping sends a liveness check (spec.md §4.8 "Methods used").
func (r *Remote) Ping(ctx context.Context) error {
	result, err := r.call(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if result != "pong" {
		return fmt.Errorf("unexpected ping response %q", result)
	}
	return nil
}

// encrypt wraps req in a kind-24133 record encrypted to the remote
// signer's public key (spec.md §4.8 "Model").
func (r *Remote) encrypt(req rpcRequest) (model.Record, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return model.Record{}, err
	}
	ciphertext, err := r.seal(raw)
	if err != nil {
		return model.Record{}, err
	}
	tmpl := model.Template{
		Kind:      model.SignerEnvelopeKind,
		CreatedAt: time.Now().Unix(),
		Tags:      model.Tags{{"p", hex.EncodeToString(r.signerPubKey[:])}},
		Content:   ciphertext,
	}
	// The envelope itself is signed by the ephemeral session key, not the
	// publisher identity: construct a throwaway local signer around it.
	var sessionScalar [32]byte
	copy(sessionScalar[:], r.sessionKey.Serialize())
	s, err := signer.New(sessionScalar)
	if err != nil {
		return model.Record{}, err
	}
	return s.Sign(context.Background(), tmpl)
}

func (r *Remote) decrypt(envelope model.Record) (rpcResponse, error) {
	plaintext, err := r.open(envelope.Content)
	if err != nil {
		return rpcResponse{}, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return rpcResponse{}, err
	}
	return resp, nil
}

// sharedSecret derives the ECIES-like shared secret via secp256k1 ECDH
// between the session key and the signer's public key, then HKDF-expands it
// into an AES-256-GCM key (spec.md §4.8 "Model").
//
// The signer's public key travels over the wire as a BIP-340 x-only key
// (32 bytes, no sign byte), so parsing it back into a curve point for ECDH
// requires the same even-y "lift_x" convention schnorr.ParsePubKey uses for
// signature verification (internal/signer.Verify). Two signers that
// disagree on that convention would derive different shared secrets; nostr
// remote-signer implementations universally assume even-y, so this is safe.
func (r *Remote) sharedSecret() ([]byte, error) {
	remotePub, err := schnorr.ParsePubKey(r.signerPubKey[:])
	if err != nil {
		return nil, fmt.Errorf("parsing remote signer public key: %w", err)
	}
	secret := btcec.GenerateSharedSecret(r.sessionKey, remotePub)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("nsite-remote-signer-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving AES key: %w", err)
	}
	return key, nil
}

func (r *Remote) seal(plaintext []byte) (string, error) {
	key, err := r.sharedSecret()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (r *Remote) open(b64 string) ([]byte, error) {
	key, err := r.sharedSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// Bunker is the decoded form of a long-lived remote-signer credential
// blob (spec.md §4.8 "Credentials"): a publisher's public key, the relay
// set to reach it on, and a shared secret.
type Bunker struct {
	PubKey [32]byte
	Relays []string
	Secret string
}

// ParseBunker decodes a "bunker://<pubkey>?relay=...&relay=...&secret=..."
// credential blob into a ready-to-use Bunker.
func ParseBunker(raw string) (Bunker, error) {
	const prefix = "bunker://"
	if len(raw) < len(prefix) || raw[:len(prefix)] != prefix {
		return Bunker{}, fmt.Errorf("credential blob must start with %q", prefix)
	}
	rest := raw[len(prefix):]
	pkPart := rest
	var query string
	if idx := indexByte(rest, '?'); idx >= 0 {
		pkPart = rest[:idx]
		query = rest[idx+1:]
	}
	raw32, err := hex.DecodeString(pkPart)
	if err != nil || len(raw32) != 32 {
		return Bunker{}, fmt.Errorf("credential blob public key must be 32 hex bytes")
	}
	var b Bunker
	copy(b.PubKey[:], raw32)
	for _, kv := range splitAmp(query) {
		k, v, ok := cutEquals(kv)
		if !ok {
			continue
		}
		switch k {
		case "relay":
			b.Relays = append(b.Relays, v)
		case "secret":
			b.Secret = v
		}
	}
	return b, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func splitAmp(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func cutEquals(s string) (string, string, bool) {
	idx := indexByte(s, '=')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}
