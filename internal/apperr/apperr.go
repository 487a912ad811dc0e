// Package apperr defines the error kinds surfaced by escrow operations and
// their HTTP mapping.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidState       Kind = "invalid_state"
	Forbidden          Kind = "forbidden"
	ValidationError    Kind = "validation_error"
	AmountMismatch     Kind = "amount_mismatch"
	AlreadyResolved    Kind = "already_resolved"
	GatewayUnavailable Kind = "gateway_unavailable"
	InvalidSignature   Kind = "invalid_signature"
	NotFound           Kind = "not_found"
	Internal           Kind = "internal"
)

// Error is a structured error carrying a kind and a human-readable message.
// A bare sentinel (no message) of the same kind matches under errors.Is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrInvalidState       = &Error{Kind: InvalidState}
	ErrForbidden          = &Error{Kind: Forbidden}
	ErrValidation         = &Error{Kind: ValidationError}
	ErrAmountMismatch     = &Error{Kind: AmountMismatch}
	ErrAlreadyResolved    = &Error{Kind: AlreadyResolved}
	ErrGatewayUnavailable = &Error{Kind: GatewayUnavailable}
	ErrInvalidSignature   = &Error{Kind: InvalidSignature}
	ErrNotFound           = &Error{Kind: NotFound}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the message of the first *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidState, AlreadyResolved:
		return http.StatusConflict
	case Forbidden:
		return http.StatusForbidden
	case ValidationError:
		return http.StatusBadRequest
	case AmountMismatch:
		return http.StatusUnprocessableEntity
	case GatewayUnavailable:
		return http.StatusServiceUnavailable
	case InvalidSignature:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller (the gateway, a job runner) should try again.
// Domain rejections are final; infrastructure failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case InvalidState, Forbidden, ValidationError, AmountMismatch, AlreadyResolved, InvalidSignature, NotFound:
		return false
	}
	return true
}

// WriteJSON writes err as {"error":{"kind":...,"message":...}} with the
// kind's HTTP status. Internal errors never leak their message.
func WriteJSON(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(kind), "message": MessageOf(err)},
	})
}
