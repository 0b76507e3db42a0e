// Package model holds the data types shared across the publishing core:
// FileEntry, Record, Diff, and the per-target outcome types.
package model

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// FileAnnouncementKind is the record kind for a file-announcement record.
const FileAnnouncementKind = 34128

// BlobAuthKind is the record kind for a blob-server authorization record.
const BlobAuthKind = 24242

// DeletionKind is the record kind for a deletion record.
const DeletionKind = 5

// RelayListKind is the record kind for a relay-list metadata record.
const RelayListKind = 10002

// ServerListKind is the record kind for a server-list metadata record.
const ServerListKind = 10063

// ProfileKind is the record kind for a profile metadata record.
const ProfileKind = 0

// SignerEnvelopeKind is the record kind used by the remote-signer transport.
const SignerEnvelopeKind = 24133

// FileEntry describes one file in a local or remote set.
//
// Content is only populated when the entry is about to be uploaded; Source
// is only populated for entries derived from a remote Record (used for
// deletion).
type FileEntry struct {
	Path      string
	Size      int64
	Hash      string
	MediaType string
	Content   []byte
	Source    *Record
}

// Validate checks the FileEntry invariants from spec.md §3.
func (e FileEntry) Validate() error {
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("file entry path %q must begin with /", e.Path)
	}
	if e.Hash != "" {
		if err := digest.Digest("sha256:" + e.Hash).Validate(); err != nil {
			return fmt.Errorf("file entry hash %q is not a valid sha256 hex digest: %w", e.Hash, err)
		}
	}
	return nil
}

// Tag is an ordered list of strings; the first element is its name.
type Tag []string

// Name returns the tag's first element, or "" if empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered list of Tag.
type Tags []Tag

// Find returns the value of the first tag with the given name, and whether
// one was found.
func (t Tags) Find(name string) (string, bool) {
	for _, tag := range t {
		if tag.Name() == name {
			return tag.Value(), true
		}
	}
	return "", false
}

// Template carries the fields a Signer fills in to produce a Record.
type Template struct {
	Kind      int
	CreatedAt int64
	Tags      Tags
	Content   string
}

// Record is an immutable, publisher-signed announcement.
type Record struct {
	PubKey    [32]byte
	Kind      int
	CreatedAt int64
	Tags      Tags
	Content   string
	ID        [32]byte
	Sig       [64]byte
}

// DTag returns the record's "d" tag value, used as the replaceable key.
func (r Record) DTag() (string, bool) {
	return r.Tags.Find("d")
}

// XTag returns the record's "x" tag value (content hash), if present.
func (r Record) XTag() (string, bool) {
	return r.Tags.Find("x")
}

// IDHex returns the record identifier as lowercase hex.
func (r Record) IDHex() string {
	return fmt.Sprintf("%x", r.ID[:])
}

// PubKeyHex returns the publisher identity as lowercase hex.
func (r Record) PubKeyHex() string {
	return fmt.Sprintf("%x", r.PubKey[:])
}

// Diff is the three disjoint, path-ordered sequences produced by the
// differencing step (spec.md §4.5).
type Diff struct {
	ToUpload  []FileEntry
	Unchanged []FileEntry
	ToDelete  []FileEntry
}

// ServerResult is the per-(blob, server) outcome of an upload or delete.
type ServerResult struct {
	Server  string
	Success bool
	ErrKind string
	Status  int
}

// RelayOutcomeKind enumerates the possible outcomes of publishing a
// record to one relay (spec.md §4.3).
type RelayOutcomeKind int

const (
	RelayAccepted RelayOutcomeKind = iota
	RelayRejected
	RelayTimedOut
	RelayTransportError
)

func (k RelayOutcomeKind) String() string {
	switch k {
	case RelayAccepted:
		return "accepted"
	case RelayRejected:
		return "rejected"
	case RelayTimedOut:
		return "timed-out"
	case RelayTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}

// RelayOutcome is the per-(record, relay) outcome of a publish attempt.
type RelayOutcome struct {
	Relay  string
	Kind   RelayOutcomeKind
	Detail string
}
