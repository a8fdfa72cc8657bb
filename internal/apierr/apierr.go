// Package apierr centralizes the error-kind taxonomy the HTTP layer
// translates into status codes and {error, message} JSON bodies. Every
// other package returns plain wrapped errors; only handlers construct
// an *apierr.Error when they need to pick a specific wire-visible kind.
package apierr

import "net/http"

// Kind names the stable error taxonomy exposed to clients.
type Kind string

const (
	InvalidRequest       Kind = "InvalidRequest"
	AuthMissing          Kind = "AuthMissing"
	AuthInvalid          Kind = "AuthInvalid"
	InvalidGrant         Kind = "InvalidGrant"
	InvalidClient        Kind = "InvalidClient"
	InvalidDpopProof     Kind = "InvalidDpopProof"
	UseDpopNonce         Kind = "UseDpopNonce"
	UnsupportedGrantType Kind = "UnsupportedGrantType"
	RecordAlreadyExists  Kind = "RecordAlreadyExists"
	RecordNotFound       Kind = "RecordNotFound"
	RepoAlreadyExists    Kind = "RepoAlreadyExists"
	RepoNotFound         Kind = "RepoNotFound"
	RepoTooLarge         Kind = "RepoTooLarge"
	BlobNotFound         Kind = "BlobNotFound"
	AccountActive        Kind = "AccountActive"
	AccountInactive      Kind = "AccountInactive"
	InvalidCar           Kind = "InvalidCar"
	InvalidCbor          Kind = "InvalidCbor"
	InvalidMst           Kind = "InvalidMst"
	OutdatedCursor       Kind = "OutdatedCursor"
	Internal             Kind = "Internal"
)

// statusOf maps each kind to its default HTTP status. Handlers may
// still override status explicitly for context-specific cases (e.g.
// UseDpopNonce always responds 400 regardless of this table).
var statusOf = map[Kind]int{
	InvalidRequest:       http.StatusBadRequest,
	AuthMissing:          http.StatusUnauthorized,
	AuthInvalid:          http.StatusUnauthorized,
	InvalidGrant:         http.StatusBadRequest,
	InvalidClient:        http.StatusBadRequest,
	InvalidDpopProof:     http.StatusUnauthorized,
	UseDpopNonce:         http.StatusBadRequest,
	UnsupportedGrantType: http.StatusBadRequest,
	RecordAlreadyExists:  http.StatusConflict,
	RecordNotFound:       http.StatusNotFound,
	RepoAlreadyExists:    http.StatusConflict,
	RepoNotFound:         http.StatusNotFound,
	RepoTooLarge:         http.StatusRequestEntityTooLarge,
	BlobNotFound:         http.StatusNotFound,
	AccountActive:        http.StatusConflict,
	AccountInactive:      http.StatusForbidden,
	InvalidCar:           http.StatusBadRequest,
	InvalidCbor:          http.StatusBadRequest,
	InvalidMst:           http.StatusBadRequest,
	OutdatedCursor:       http.StatusGone,
	Internal:             http.StatusInternalServerError,
}

// Error is a client-facing error with a stable kind, an HTTP status,
// and a message safe to return verbatim. It never wraps internal
// identifiers (CIDs, revs) the caller did not already supply.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Headers map[string]string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// New constructs an Error for kind with the given message, using the
// kind's default status.
func New(kind Kind, message string) *Error {
	status, ok := statusOf[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// WithStatus overrides the default status for a kind (e.g. a 403
// instead of a 409 in a specific handler).
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithHeader attaches a response header to send alongside the error
// body (used for DPoP-Nonce on use_dpop_nonce responses).
func (e *Error) WithHeader(key, value string) *Error {
	if e.Headers == nil {
		e.Headers = map[string]string{}
	}
	e.Headers[key] = value
	return e
}

// Body renders the standard {error, message} JSON body.
func (e *Error) Body() map[string]string {
	return map[string]string{
		"error":   string(e.Kind),
		"message": e.Message,
	}
}

// As reports whether err is an *Error, returning it if so.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
