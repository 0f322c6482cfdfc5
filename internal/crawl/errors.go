package crawl

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when a queue entry for the same (domain, url path)
// is already pending.
var ErrConflict = errors.New("queue entry already pending")

// ErrNotFound is returned by lookups that require an existing row.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies a pipeline failure. The kind decides whether the
// entry is rescheduled with backoff or marked terminal.
type ErrorKind string

// Pipeline failure kinds persisted to the error trail.
const (
	KindNotAllowed       ErrorKind = "not_allowed"
	KindRobotsDisallowed ErrorKind = "robots_disallowed"
	KindInvalidURL       ErrorKind = "invalid_url"
	KindNetworkError     ErrorKind = "network_error"
	KindHTTPError        ErrorKind = "http_error"
	KindStorageWrite     ErrorKind = "storage_write_failed"
	KindIndexWrite       ErrorKind = "index_write_failed"
	KindMetadataCommit   ErrorKind = "metadata_commit_failed"
)

// Failure is a typed pipeline error carrying its taxonomy kind.
type Failure struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Kind == KindHTTPError && f.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Terminal reports whether the failure must never be retried.
// HTTP 4xx responses are terminal after the first attempt; 5xx are retryable.
func (f *Failure) Terminal() bool {
	switch f.Kind {
	case KindNotAllowed, KindRobotsDisallowed, KindInvalidURL:
		return true
	case KindHTTPError:
		return f.StatusCode >= 400 && f.StatusCode < 500
	default:
		return false
	}
}

// NewFailure builds a Failure from a kind and wrapped cause.
func NewFailure(kind ErrorKind, err error) *Failure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Failure{Kind: kind, Message: msg}
}

// AsFailure extracts a *Failure from err, classifying unknown errors as the
// given fallback kind so nothing escapes the taxonomy.
func AsFailure(err error, fallback ErrorKind) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return NewFailure(fallback, err)
}
