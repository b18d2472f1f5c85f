// Package errkind defines the stable error taxonomy surfaced at the HTTP
// boundary. Components return *Error values wrapping an underlying cause;
// the HTTP layer maps kinds to status codes and never leaks raw errors.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class.
type Kind string

const (
	BadRequest               Kind = "bad_request"
	ClientIDMissing          Kind = "client_id_missing"
	NotFound                 Kind = "not_found"
	Forbidden                Kind = "forbidden"
	AttestationFailed        Kind = "attestation_failed"
	NoAgentsAvailable        Kind = "no_agents_available"
	TransportTimeout         Kind = "transport_timeout"
	TransportHTTP            Kind = "transport_http"
	TransportUnreachable     Kind = "transport_unreachable"
	EnvelopeSignatureInvalid Kind = "envelope_signature_invalid"
	EnvelopeStale            Kind = "envelope_stale"
	EnvelopeReplay           Kind = "envelope_replay"
	EnvelopeDecryptFailed    Kind = "envelope_decrypt_failed"
	UnknownRoutingID         Kind = "unknown_routing_id"
	HandlerNotRegistered     Kind = "handler_not_registered"
	Internal                 Kind = "internal"
)

// Error is a structured failure carrying its kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Code    int // peer HTTP status for TransportHTTP, zero otherwise
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain, or Internal if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code returned at the API boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest, ClientIDMissing, AttestationFailed, NoAgentsAvailable,
		UnknownRoutingID, HandlerNotRegistered,
		EnvelopeSignatureInvalid, EnvelopeStale, EnvelopeReplay, EnvelopeDecryptFailed:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case TransportTimeout:
		return http.StatusGatewayTimeout
	case TransportHTTP, TransportUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
