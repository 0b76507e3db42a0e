// Package corefail defines the publishing core's error-kind taxonomy
// (spec.md §7) so callers can group and report failures by kind without
// parsing error strings.
package corefail

import "fmt"

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	ConfigMissing    Kind = "config-missing"
	AuthMissing      Kind = "auth-missing"
	SignerUnreachable Kind = "signer-unreachable"
	SignerRejected   Kind = "signer-rejected"
	SignerTimeout    Kind = "signer-timeout"
	WalkIO           Kind = "walk-io"
	HashIO           Kind = "hash-io"
	UploadTransport  Kind = "upload-transport"
	UploadRejected   Kind = "upload-rejected"
	RelayTransport   Kind = "relay-transport"
	RelayRejected    Kind = "relay-rejected"
	RelayRateLimited Kind = "relay-rate-limited"
	RelayTimeout     Kind = "relay-timeout"
	DiffAmbiguous    Kind = "diff-ambiguous"
	Cancelled        Kind = "cancelled"
)

// Error wraps an underlying error with a Kind and, for a few kinds, extra
// context (an HTTP status or a rejection reason).
type Error struct {
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns a new *Error of the given kind wrapping err. If err is nil,
// Wrap returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// WrapStatus is Wrap plus an HTTP status code, for kinds such as
// upload-rejected.
func WrapStatus(kind Kind, status int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Status: status, Err: err}
}

// WrapReason is Wrap plus a free-text reason; the remote signer uses it
// for signer-rejected.
func WrapReason(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is a
// *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
