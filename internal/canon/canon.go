// Package canon produces the deterministic serialization used to compute a
// record's identifier: the six-element JSON array
// [0, pubkey, created_at, kind, tags, content] (spec.md §6).
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/nsite-tools/nsite-publish/internal/model"
)

// Serialize returns the canonical byte representation of the record fields
// that feed the identifier hash. It is a JSON array, never a JSON object,
// so there is no object-key-ordering hazard to guard against (spec.md §9).
//
// json.Marshal HTML-escapes '<', '>', '&' and U+2028/U+2029 by default,
// which the canonical form (spec.md §6, NIP-01) does not: it escapes only
// control characters, the quote, and the backslash. A json.Encoder with
// SetEscapeHTML(false) leaves '<', '>' and '&' untranslated, but it still
// escapes U+2028/U+2029, so those two escapes are turned back into raw
// UTF-8 before returning, giving the bytes every other implementation
// hashes.
func Serialize(pubKeyHex string, createdAt int64, kind int, tags model.Tags, content string) ([]byte, error) {
	rawTags := make([][]string, len(tags))
	for i, t := range tags {
		rawTags[i] = []string(t)
	}
	arr := []any{0, pubKeyHex, createdAt, kind, rawTags, content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("serializing record for identifier hash: %w", err)
	}
	// Encode appends a trailing newline; the canonical form has none.
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	// Splitting on escaped backslashes first keeps an input backslash
	// followed by the text "u2028" from being taken for the escape.
	parts := bytes.Split(out, []byte(`\\`))
	for i := range parts {
		for _, r := range []rune{0x2028, 0x2029} {
			parts[i] = bytes.ReplaceAll(parts[i], []byte(fmt.Sprintf(`\u%04x`, r)), []byte(string(r)))
		}
	}
	return bytes.Join(parts, []byte(`\\`)), nil
}

// ID computes the 32-byte record identifier: sha256 of the canonical
// serialization.
func ID(pubKeyHex string, createdAt int64, kind int, tags model.Tags, content string) ([32]byte, error) {
	b, err := Serialize(pubKeyHex, createdAt, kind, tags, content)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}
