package model

import "testing"

func TestTagNameAndValue(t *testing.T) {
	tag := Tag{"d", "/index.html"}
	if tag.Name() != "d" {
		t.Errorf("Name() = %q, want d", tag.Name())
	}
	if tag.Value() != "/index.html" {
		t.Errorf("Value() = %q, want /index.html", tag.Value())
	}
	if (Tag{}).Name() != "" || (Tag{"only"}).Value() != "" {
		t.Error("expected empty/short tags to return zero values, not panic")
	}
}

func TestTagsFind(t *testing.T) {
	tags := Tags{{"client", "nsite-publish"}, {"d", "/a.html"}, {"x", "hash"}}
	v, ok := tags.Find("d")
	if !ok || v != "/a.html" {
		t.Fatalf("Find(d) = %q, %v", v, ok)
	}
	if _, ok := tags.Find("missing"); ok {
		t.Fatal("expected Find to report false for a missing tag")
	}
}

func TestFileEntryValidateRequiresLeadingSlash(t *testing.T) {
	e := FileEntry{Path: "no-slash"}
	if err := e.Validate(); err == nil {
		t.Fatal("expected an error for a path without a leading slash")
	}
	e.Path = "/ok"
	if err := e.Validate(); err != nil {
		t.Fatalf("expected a leading-slash path to validate, got %v", err)
	}
}

func TestFileEntryValidateRejectsMalformedHash(t *testing.T) {
	e := FileEntry{Path: "/a", Hash: "not-hex"}
	if err := e.Validate(); err == nil {
		t.Fatal("expected an error for a malformed hash")
	}
}

func TestRecordIDHexAndPubKeyHex(t *testing.T) {
	var r Record
	r.ID[0] = 0xab
	r.PubKey[0] = 0xcd
	if r.IDHex()[:2] != "ab" {
		t.Errorf("IDHex = %q", r.IDHex())
	}
	if r.PubKeyHex()[:2] != "cd" {
		t.Errorf("PubKeyHex = %q", r.PubKeyHex())
	}
}

func TestRecordDTagAndXTag(t *testing.T) {
	r := Record{Tags: Tags{{"d", "/path"}, {"x", "deadbeef"}}}
	d, ok := r.DTag()
	if !ok || d != "/path" {
		t.Fatalf("DTag() = %q, %v", d, ok)
	}
	x, ok := r.XTag()
	if !ok || x != "deadbeef" {
		t.Fatalf("XTag() = %q, %v", x, ok)
	}
}

func TestRelayOutcomeKindString(t *testing.T) {
	cases := map[RelayOutcomeKind]string{
		RelayAccepted:       "accepted",
		RelayRejected:       "rejected",
		RelayTimedOut:       "timed-out",
		RelayTransportError: "transport-error",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
