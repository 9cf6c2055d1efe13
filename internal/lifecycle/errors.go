package lifecycle

import (
	"errors"
	"fmt"

	"liveroom/internal/storage"
)

// Kind classifies a lifecycle failure. Callers map kinds onto transport
// status codes; only KindTransient is worth retrying.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient"
)

// Error is the structured failure returned by Service operations. Code is a
// stable machine-readable identifier.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf reports the kind of err, treating unclassified errors as transient.
func KindOf(err error) Kind {
	var lifecycleErr *Error
	if errors.As(err, &lifecycleErr) {
		return lifecycleErr.Kind
	}
	return KindTransient
}

// CodeOf returns the stable code carried by err, or "internal_error".
func CodeOf(err error) string {
	var lifecycleErr *Error
	if errors.As(err, &lifecycleErr) && lifecycleErr.Code != "" {
		return lifecycleErr.Code
	}
	return "internal_error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Code: "room_not_found", Message: "room not found", Err: err}
	case errors.Is(err, storage.ErrOpenRoomExists):
		return &Error{Kind: KindConflict, Code: "room_already_open", Message: "owner already has an open room", Err: err}
	default:
		return &Error{Kind: KindTransient, Code: "storage_unavailable", Message: "room storage unavailable", Err: err}
	}
}
