package chaterr

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindTransient Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	default:
		return "transient"
	}
}

// Error is an operation failure classified for the client. Message is safe to
// show to the client; Err is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Authentication(msg string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: err}
}

func Authorization(msg string) *Error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Message: "temporarily unavailable, try again", Err: err}
}

// FromStore classifies a persistence error: missing rows become NotFound,
// everything else is Transient.
func FromStore(err error, notFoundMsg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: KindNotFound, Message: notFoundMsg, Err: err}
	}

	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	return Transient(err)
}

func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	return KindTransient
}

func Is(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// PublicMessage returns the client-facing text of err.
func PublicMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}

	return Transient(err).Message
}

func StatusCode(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}
