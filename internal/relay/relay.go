// Package relay implements C3 (publishing a signed record to relays) and
// C4 (fetching a publisher's file-announcement records from relays) over
// the full-duplex framed JSON message channel described in spec.md §4.3,
// §4.4 and §6.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nsite-tools/nsite-publish/internal/collector"
	"github.com/nsite-tools/nsite-publish/internal/corefail"
	"github.com/nsite-tools/nsite-publish/internal/model"
)

// Timeouts from spec.md §5.
const (
	ConnectTimeout  = 10 * time.Second
	PublishAckTimeout = 5 * time.Second
	FetchIdleTimeout  = 5 * time.Second
)

var dialer = websocket.Dialer{HandshakeTimeout: ConnectTimeout}

// Publish sends R to relay over one fresh connection and returns its
// outcome (spec.md §4.3 "Publish protocol").
func Publish(ctx context.Context, relayURL string, r model.Record, col *collector.Collector) model.RelayOutcome {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout+PublishAckTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		out := model.RelayOutcome{Relay: relayURL, Kind: model.RelayTransportError, Detail: err.Error()}
		col.Add(collector.EntryRelay, relayURL, out.Kind.String()+": "+err.Error())
		return out
	}
	defer conn.Close()

	msg, err := json.Marshal([]any{"EVENT", recordToWire(r)})
	if err != nil {
		out := model.RelayOutcome{Relay: relayURL, Kind: model.RelayTransportError, Detail: err.Error()}
		col.Add(collector.EntryRelay, relayURL, out.Detail)
		return out
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		out := model.RelayOutcome{Relay: relayURL, Kind: model.RelayTransportError, Detail: err.Error()}
		col.Add(collector.EntryRelay, relayURL, out.Detail)
		return out
	}

	deadline := time.Now().Add(PublishAckTimeout)
	_ = conn.SetReadDeadline(deadline)
	wantID := r.IDHex()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			out := model.RelayOutcome{Relay: relayURL, Kind: model.RelayTimedOut, Detail: err.Error()}
			col.Add(collector.EntryRelay, relayURL, out.Kind.String())
			return out
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var verb string
		if err := json.Unmarshal(frame[0], &verb); err != nil {
			continue
		}
		switch verb {
		case "OK":
			if len(frame) < 3 {
				continue
			}
			var id string
			var ok bool
			_ = json.Unmarshal(frame[1], &id)
			_ = json.Unmarshal(frame[2], &ok)
			if id != wantID {
				continue
			}
			var msgText string
			if len(frame) > 3 {
				_ = json.Unmarshal(frame[3], &msgText)
			}
			if ok {
				out := model.RelayOutcome{Relay: relayURL, Kind: model.RelayAccepted}
				col.Add(collector.EntryRelay, relayURL, "accepted")
				return out
			}
			out := model.RelayOutcome{Relay: relayURL, Kind: model.RelayRejected, Detail: msgText}
			failKind := corefail.RelayRejected
			if IsRateLimited(msgText) {
				failKind = corefail.RelayRateLimited
			}
			col.Add(collector.EntryRelay, relayURL, string(failKind)+": "+msgText)
			return out
		case "NOTICE":
			var notice string
			if len(frame) > 1 {
				_ = json.Unmarshal(frame[1], &notice)
			}
			col.Add(collector.EntryRelay, relayURL, "notice: "+notice)
		default:
			// Ignored: not addressed to our record.
		}
	}
}

// IsRateLimited reports whether a rejected outcome's detail text indicates
// a rate-limit rejection (spec.md §4.3).
func IsRateLimited(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "rate-limit") || strings.Contains(lower, "noting too much")
}

// PublishToRelays opens one connection per relay in parallel and returns
// true iff at least one outcome is accepted (spec.md §4.3 "Fan-out
// publish"). It never retries.
func PublishToRelays(ctx context.Context, relays []string, r model.Record, col *collector.Collector) ([]model.RelayOutcome, bool) {
	outcomes := make([]model.RelayOutcome, len(relays))
	g, gctx := errgroup.WithContext(ctx)
	for i, relayURL := range relays {
		i, relayURL := i, relayURL
		g.Go(func() error {
			outcomes[i] = Publish(gctx, relayURL, r, col)
			return nil
		})
	}
	_ = g.Wait()

	accepted := false
	for _, o := range outcomes {
		if o.Kind == model.RelayAccepted {
			accepted = true
			break
		}
	}
	return outcomes, accepted
}

// FetchFileAnnouncements queries every relay in relays for publisher's
// current file-announcement records (kind 34128), aggregates and
// deduplicates them by the parameterized-replaceable rule (spec.md §4.4).
func FetchFileAnnouncements(ctx context.Context, relays []string, publisherPubKeyHex string, col *collector.Collector) ([]model.Record, bool) {
	type relayResult struct {
		records []model.Record
		ok      bool
	}
	results := make([]relayResult, len(relays))
	g, gctx := errgroup.WithContext(ctx)
	filter := map[string]any{
		"kinds":   []int{model.FileAnnouncementKind},
		"authors": []string{publisherPubKeyHex},
	}
	for i, relayURL := range relays {
		i, relayURL := i, relayURL
		g.Go(func() error {
			records, err := fetchOnce(gctx, relayURL, filter, col)
			if err != nil {
				col.Add(collector.EntryRelay, relayURL, string(corefail.RelayTransport)+": "+err.Error())
				results[i] = relayResult{ok: false}
				return nil
			}
			results[i] = relayResult{records: records, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	anyOK := false
	byKey := map[string]model.Record{}
	for _, res := range results {
		if res.ok {
			anyOK = true
		}
		for _, rec := range res.records {
			d, ok := rec.DTag()
			if !ok {
				continue
			}
			key := rec.PubKeyHex() + "\x00" + d
			existing, present := byKey[key]
			if !present || rec.CreatedAt > existing.CreatedAt ||
				(rec.CreatedAt == existing.CreatedAt && rec.IDHex() < existing.IDHex()) {
				byKey[key] = rec
			}
		}
	}
	out := make([]model.Record, 0, len(byKey))
	for _, rec := range byKey {
		out = append(out, rec)
	}
	// Inconclusive iff every relay failed outright.
	return out, anyOK
}

// SubscribeOnce opens one connection to relayURL, sends a REQ with filter,
// and returns every matching record collected before EOSE or the fetch
// idle timeout. This is the shape C8 reuses to watch for replies
// addressed to a remote-signer session key.
func SubscribeOnce(ctx context.Context, relayURL string, filter map[string]any, col *collector.Collector) ([]model.Record, error) {
	return fetchOnce(ctx, relayURL, filter, col)
}

func fetchOnce(ctx context.Context, relayURL string, filter map[string]any, col *collector.Collector) ([]model.Record, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", relayURL, err)
	}
	defer conn.Close()

	sub := uuid.NewString()
	req, err := json.Marshal([]any{"REQ", sub, filter})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, fmt.Errorf("sending REQ to %s: %w", relayURL, err)
	}
	defer func() {
		closeMsg, _ := json.Marshal([]any{"CLOSE", sub})
		_ = conn.WriteMessage(websocket.TextMessage, closeMsg)
	}()

	var records []model.Record
	for {
		_ = conn.SetReadDeadline(time.Now().Add(FetchIdleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Timeout or close: stop collecting, not an error for the
			// caller — partial results are still useful.
			return records, nil
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var verb string
		if err := json.Unmarshal(frame[0], &verb); err != nil {
			continue
		}
		switch verb {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var gotSub string
			_ = json.Unmarshal(frame[1], &gotSub)
			if gotSub != sub {
				continue
			}
			var wire wireRecord
			if err := json.Unmarshal(frame[2], &wire); err != nil {
				col.Add(collector.EntryRelay, relayURL, "malformed event: "+err.Error())
				continue
			}
			rec, err := wire.toModel()
			if err != nil {
				col.Add(collector.EntryRelay, relayURL, "malformed event: "+err.Error())
				continue
			}
			records = append(records, rec)
		case "EOSE":
			return records, nil
		case "NOTICE":
			var notice string
			if len(frame) > 1 {
				_ = json.Unmarshal(frame[1], &notice)
			}
			col.Add(collector.EntryRelay, relayURL, "notice: "+notice)
		}
	}
}

// wireRecord is the JSON shape of a record on the wire.
type wireRecord struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func recordToWire(r model.Record) wireRecord {
	tags := make([][]string, len(r.Tags))
	for i, t := range r.Tags {
		tags[i] = []string(t)
	}
	return wireRecord{
		ID:        r.IDHex(),
		PubKey:    r.PubKeyHex(),
		CreatedAt: r.CreatedAt,
		Kind:      r.Kind,
		Tags:      tags,
		Content:   r.Content,
		Sig:       fmt.Sprintf("%x", r.Sig[:]),
	}
}

func (w wireRecord) toModel() (model.Record, error) {
	var rec model.Record
	if err := decodeHex32(w.ID, &rec.ID); err != nil {
		return rec, fmt.Errorf("decoding id: %w", err)
	}
	if err := decodeHex32(w.PubKey, &rec.PubKey); err != nil {
		return rec, fmt.Errorf("decoding pubkey: %w", err)
	}
	if err := decodeHex64(w.Sig, &rec.Sig); err != nil {
		return rec, fmt.Errorf("decoding sig: %w", err)
	}
	rec.CreatedAt = w.CreatedAt
	rec.Kind = w.Kind
	rec.Content = w.Content
	tags := make(model.Tags, len(w.Tags))
	for i, t := range w.Tags {
		tags[i] = model.Tag(t)
	}
	rec.Tags = tags
	return rec, nil
}

func decodeHex32(s string, out *[32]byte) error {
	b, err := hexDecode(s, 32)
	if err != nil {
		return err
	}
	copy(out[:], b)
	return nil
}

func decodeHex64(s string, out *[64]byte) error {
	b, err := hexDecode(s, 64)
	if err != nil {
		return err
	}
	copy(out[:], b)
	return nil
}

func hexDecode(s string, wantLen int) ([]byte, error) {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	if len(decoded) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(decoded))
	}
	return decoded, nil
}
