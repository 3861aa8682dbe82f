package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry policy and HTTP mapping.
type Kind string

const (
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindInvalidTransition     Kind = "invalid_transition"
	KindUnmatchedPaymentEvent Kind = "unmatched_payment_event"
	KindDuplicateInvoice      Kind = "duplicate_invoice_number"
	KindSideEffectFailed      Kind = "side_effect_failed"
	KindRefundPending         Kind = "refund_pending"
	KindNotFound              Kind = "not_found"
	KindValidation            Kind = "validation"
	KindConflict              Kind = "conflict"
	KindUnauthorized          Kind = "unauthorized"
	KindInternal              Kind = "internal"
)

var kindCodes = map[Kind]int{
	KindProviderUnavailable:   http.StatusServiceUnavailable,
	KindInvalidTransition:     http.StatusConflict,
	KindUnmatchedPaymentEvent: http.StatusAccepted,
	KindDuplicateInvoice:      http.StatusConflict,
	KindSideEffectFailed:      http.StatusInternalServerError,
	KindRefundPending:         http.StatusAccepted,
	KindNotFound:              http.StatusNotFound,
	KindValidation:            http.StatusBadRequest,
	KindConflict:              http.StatusConflict,
	KindUnauthorized:          http.StatusUnauthorized,
	KindInternal:              http.StatusInternalServerError,
}

// Error represents an application error
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"-"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so callers can test against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a new Error
func New(kind Kind, message string, err error) *Error {
	code, ok := kindCodes[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Newf creates an Error with a formatted message and no wrapped cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// Sentinels for errors.Is checks.
var (
	ErrProviderUnavailable   = New(KindProviderUnavailable, "payment provider unavailable", nil)
	ErrInvalidTransition     = New(KindInvalidTransition, "invalid order transition", nil)
	ErrUnmatchedPaymentEvent = New(KindUnmatchedPaymentEvent, "unmatched payment event", nil)
	ErrDuplicateInvoice      = New(KindDuplicateInvoice, "duplicate invoice number", nil)
	ErrSideEffectFailed      = New(KindSideEffectFailed, "side effect failed", nil)
	ErrRefundPending         = New(KindRefundPending, "refund pending provider confirmation", nil)
	ErrNotFound              = New(KindNotFound, "not found", nil)
	ErrValidation            = New(KindValidation, "validation error", nil)
	ErrConflict              = New(KindConflict, "conflict", nil)
	ErrUnauthorized          = New(KindUnauthorized, "unauthorized", nil)
)

// KindOf returns the Kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller should retry later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindProviderUnavailable, KindRefundPending, KindInternal:
		return err != nil
	}
	return false
}

// HTTPStatus maps err onto a status code.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return http.StatusInternalServerError
}
