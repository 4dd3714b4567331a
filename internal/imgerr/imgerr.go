// Package imgerr defines the error taxonomy shared by every component:
// each failure carries a semantic Kind plus the offending identifier
// (digest, repository/reference, or URL) so the orchestrator can attribute
// and aggregate failures per task.
package imgerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the registry client, cache, and
// scheduler all need to report it to the orchestrator.
type Kind int

const (
	// KindUnknown is the zero value and should never be returned deliberately.
	KindUnknown Kind = iota
	// KindNetwork covers connection/DNS/timeout failures. Retried with backoff.
	KindNetwork
	// KindAuthChallenge is a 401 with a parseable challenge, handled by one
	// token refresh and retry.
	KindAuthChallenge
	// KindAuthFatal is a 401 after refresh, or a 403. Not retried.
	KindAuthFatal
	// KindNotFound is a 404 on a manifest or blob GET. For HEAD-blob this is
	// a normal negative answer, not reported as an error at all.
	KindNotFound
	// KindValidation covers malformed manifest JSON, an invalid digest
	// string, or a tar archive missing a referenced member.
	KindValidation
	// KindIntegrity is a digest mismatch on put or pull. Fatal for that blob.
	KindIntegrity
	// KindServer is a 5xx response. Retried with backoff.
	KindServer
	// KindLocalIO is a cache filesystem error. Fatal for that blob.
	KindLocalIO
	// KindCancelled is a propagated cancellation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthChallenge:
		return "auth-challenge"
	case KindAuthFatal:
		return "auth-fatal"
	case KindNotFound:
		return "not-found"
	case KindValidation:
		return "validation"
	case KindIntegrity:
		return "integrity"
	case KindServer:
		return "server"
	case KindLocalIO:
		return "local-io"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the identifier (digest,
// "repository/reference", or URL) it happened against.
type Error struct {
	Kind       Kind
	Identifier string
	Err        error
}

func (e *Error) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Identifier, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for kind/identifier wrapping err.
func New(kind Kind, identifier string, err error) *Error {
	return &Error{Kind: kind, Identifier: identifier, Err: err}
}

// Retryable reports whether the kind is one the registry client and
// scheduler should retry with backoff (network and server errors only;
// auth-challenge recovery is handled separately as a single refresh-and-retry,
// not a backoff loop).
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServer
}

// As reports whether err (or any error it wraps) is an *Error of kind k.
func As(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
