package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrPersistence        = errors.New("persistence failure")
)

// Domain sentinels. Each one also matches its base type through errors.Is.
var (
	ErrTierNotFound        = &Error{Kind: KindValidation, Op: "resolve_tier", Err: errors.New("tier not found")}
	ErrTransactionNotFound = &Error{Kind: KindNotFound, Op: "lookup_transaction", Err: errors.New("transaction not found")}
)

// Kind represents the category of error
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindGateway     Kind = "gateway"
	KindAuth        Kind = "auth"
	KindPersistence Kind = "persistence"
)

// Error is a structured error for engine operations
type Error struct {
	Kind   Kind
	Op     string // Operation that failed (e.g., "open_transaction", "activate")
	UserID string // User the operation was acting on, if any
	Err    error
}

func (e *Error) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s failed for user %s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrGatewayUnavailable:
		return e.Kind == KindGateway
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrPersistence:
		return e.Kind == KindPersistence
	}

	// Domain sentinels compare by identity of their inner error.
	if t, ok := target.(*Error); ok {
		if e == t {
			return true
		}
		if t.Err != nil && errors.Is(e.Err, t.Err) {
			return true
		}
		return false
	}

	return errors.Is(e.Err, target)
}

// New creates a new Error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ForUser adds user information to the error
func (e *Error) ForUser(userID string) *Error {
	e.UserID = userID
	return e
}

// Helper functions

// Validation wraps a bad-input error.
func Validation(op string, err error) *Error {
	return New(KindValidation, op, err)
}

// NotFound wraps a missing-record error.
func NotFound(op string, err error) *Error {
	return New(KindNotFound, op, err)
}

// Gateway wraps a failure from an external payment or voting platform.
func Gateway(op string, err error) *Error {
	return New(KindGateway, op, err)
}

// Unauthorized wraps a rejected credential.
func Unauthorized(op string, err error) *Error {
	return New(KindAuth, op, err)
}

// Persistence wraps a store failure.
func Persistence(op string, err error) *Error {
	return New(KindPersistence, op, err)
}

// TierNotFound reports an unknown tier reference.
func TierNotFound(op, tier string) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("%w: %q", ErrTierNotFound.Err, tier)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGateway:
		return http.StatusBadGateway
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// TransactionNotFound reports an unknown external payment reference.
func TransactionNotFound(op, ref string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%w: ref %q", ErrTransactionNotFound.Err, ref)}
}
