package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsite-tools/nsite-publish/internal/collector"
	"github.com/nsite-tools/nsite-publish/internal/model"
)

var upgrader = websocket.Upgrader{}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testRecord() model.Record {
	var r model.Record
	r.PubKey[0] = 0x01
	r.ID[0] = 0x02
	r.Sig[0] = 0x03
	r.Kind = model.FileAnnouncementKind
	r.CreatedAt = 1700000000
	r.Tags = model.Tags{{"d", "/index.html"}, {"x", "hash"}}
	return r
}

// acceptingRelay replies OK=true to any EVENT it receives.
func acceptingRelay(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		_ = json.Unmarshal(raw, &frame)
		var wire wireRecord
		_ = json.Unmarshal(frame[1], &wire)
		ack, _ := json.Marshal([]any{"OK", wire.ID, true, ""})
		_ = conn.WriteMessage(websocket.TextMessage, ack)
	}))
}

func TestPublishAccepted(t *testing.T) {
	srv := acceptingRelay(t)
	defer srv.Close()

	col := collector.New()
	out := Publish(context.Background(), wsURL(srv.URL), testRecord(), col)
	if out.Kind != model.RelayAccepted {
		t.Fatalf("expected RelayAccepted, got %v (%s)", out.Kind, out.Detail)
	}
}

func TestPublishRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		_ = json.Unmarshal(raw, &frame)
		var wire wireRecord
		_ = json.Unmarshal(frame[1], &wire)
		ack, _ := json.Marshal([]any{"OK", wire.ID, false, "blocked: spam"})
		_ = conn.WriteMessage(websocket.TextMessage, ack)
	}))
	defer srv.Close()

	col := collector.New()
	out := Publish(context.Background(), wsURL(srv.URL), testRecord(), col)
	if out.Kind != model.RelayRejected {
		t.Fatalf("expected RelayRejected, got %v", out.Kind)
	}
}

func TestPublishTransportErrorOnBadURL(t *testing.T) {
	col := collector.New()
	out := Publish(context.Background(), "ws://127.0.0.1:1/nope", testRecord(), col)
	if out.Kind != model.RelayTransportError {
		t.Fatalf("expected RelayTransportError, got %v", out.Kind)
	}
}

func TestPublishToRelaysAcceptsIfAnyAccepts(t *testing.T) {
	good := acceptingRelay(t)
	defer good.Close()

	col := collector.New()
	_, ok := PublishToRelays(context.Background(), []string{"ws://127.0.0.1:1/nope", wsURL(good.URL)}, testRecord(), col)
	if !ok {
		t.Fatal("expected PublishToRelays to report success when one relay accepts")
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited("rate-limit: slow down") {
		t.Error("expected a rate-limit message to be detected")
	}
	if IsRateLimited("blocked: spam") {
		t.Error("expected a non-rate-limit rejection to not be classified as rate-limited")
	}
}

// announcingRelay serves one file-announcement record then EOSE.
func announcingRelay(t *testing.T, rec model.Record) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		_ = json.Unmarshal(raw, &frame)
		var sub string
		_ = json.Unmarshal(frame[1], &sub)

		event, _ := json.Marshal([]any{"EVENT", sub, recordToWire(rec)})
		_ = conn.WriteMessage(websocket.TextMessage, event)
		eose, _ := json.Marshal([]any{"EOSE", sub})
		_ = conn.WriteMessage(websocket.TextMessage, eose)
		time.Sleep(50 * time.Millisecond)
	}))
}

func TestFetchFileAnnouncementsReturnsPublishedRecords(t *testing.T) {
	rec := testRecord()
	srv := announcingRelay(t, rec)
	defer srv.Close()

	col := collector.New()
	records, ok := FetchFileAnnouncements(context.Background(), []string{wsURL(srv.URL)}, rec.PubKeyHex(), col)
	if !ok {
		t.Fatal("expected at least one relay to respond successfully")
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if d, _ := records[0].DTag(); d != "/index.html" {
		t.Fatalf("unexpected d tag: %q", d)
	}
}

func TestFetchFileAnnouncementsDedupesNewerWins(t *testing.T) {
	older := testRecord()
	older.CreatedAt = 100
	newer := testRecord()
	newer.CreatedAt = 200
	newer.ID[0] = 0xff

	srvOld := announcingRelay(t, older)
	defer srvOld.Close()
	srvNew := announcingRelay(t, newer)
	defer srvNew.Close()

	col := collector.New()
	records, ok := FetchFileAnnouncements(context.Background(), []string{wsURL(srvOld.URL), wsURL(srvNew.URL)}, older.PubKeyHex(), col)
	if !ok {
		t.Fatal("expected success")
	}
	if len(records) != 1 {
		t.Fatalf("expected records to be deduplicated to 1, got %d", len(records))
	}
	if records[0].CreatedAt != 200 {
		t.Fatalf("expected the newer record to win, got created_at=%d", records[0].CreatedAt)
	}
}

// TestFetchFileAnnouncementsDedupesTieBreaksOnLowestID covers the NIP-01
// parameterized-replaceable tie-break: when two records share a created_at,
// the one with the lexically lowest id wins, not the highest.
func TestFetchFileAnnouncementsDedupesTieBreaksOnLowestID(t *testing.T) {
	high := testRecord()
	high.CreatedAt = 100
	high.ID[0] = 0xff
	low := testRecord()
	low.CreatedAt = 100
	low.ID[0] = 0x01

	srvHigh := announcingRelay(t, high)
	defer srvHigh.Close()
	srvLow := announcingRelay(t, low)
	defer srvLow.Close()

	col := collector.New()
	records, ok := FetchFileAnnouncements(context.Background(), []string{wsURL(srvHigh.URL), wsURL(srvLow.URL)}, high.PubKeyHex(), col)
	if !ok {
		t.Fatal("expected success")
	}
	if len(records) != 1 {
		t.Fatalf("expected records to be deduplicated to 1, got %d", len(records))
	}
	if records[0].IDHex() != low.IDHex() {
		t.Fatalf("expected the lowest id to win the tie, got %s want %s", records[0].IDHex(), low.IDHex())
	}
}
