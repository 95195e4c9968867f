package models

import (
	"errors"
	"net/http"
)

// Kind classifies a pipeline failure and decides the HTTP status reported to
// the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindClientInput
	KindTooLarge
	KindStorage
	KindEngine
	KindDelivery
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindClientInput:
		return "client_input"
	case KindTooLarge:
		return "too_large"
	case KindStorage:
		return "storage"
	case KindEngine:
		return "engine"
	case KindDelivery:
		return "delivery"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Status maps the kind to the HTTP status code written by the dispatcher.
func (k Kind) Status() int {
	switch k {
	case KindClientInput:
		return http.StatusBadRequest
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a caller-safe Message alongside the internal cause. Message
// never contains filesystem paths.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEngineOutputMissing is reported when the engine claims success but the
// output file is absent or empty.
var ErrEngineOutputMissing = errors.New("engine reported success but output is missing or empty")

func ClientInput(msg string, err error) *Error {
	return &Error{Kind: KindClientInput, Message: msg, Err: err}
}

func TooLarge(err error) *Error {
	return &Error{Kind: KindTooLarge, Message: "File too large", Err: err}
}

func Storage(err error) *Error {
	return &Error{Kind: KindStorage, Message: "Internal storage error", Err: err}
}

func Engine(msg string, err error) *Error {
	return &Error{Kind: KindEngine, Message: "Conversion failed: " + msg, Err: err}
}

func Delivery(err error) *Error {
	return &Error{Kind: KindDelivery, Message: "Delivery failed", Err: err}
}

func Unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Message: "Server busy, retry later", Err: err}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the text that may be shown to the caller for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Something broke!"
}
