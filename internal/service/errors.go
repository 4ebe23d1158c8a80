// Package service implements the certificate authority core: custody of the
// root key, serial allocation, issuance, the certificate store, revocation and
// CRL publishing, sessions and first-run setup, and the audit log.
package service

import (
	"errors"
	"fmt"
)

// Kind classifies service errors. The API layer maps each kind to one HTTP status.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request"
	KindUnauthenticated Kind = "unauthenticated"
	KindSetupRequired   Kind = "setup_required"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindInternal        Kind = "internal"
	KindKeyUnavailable  Kind = "key_unavailable"
)

var (
	ErrInvalidToken        = errors.New("invalid setup token")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrAlreadyCompleted    = errors.New("setup already completed")
	ErrSetupRequired       = errors.New("setup required")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionInvalid      = errors.New("invalid session")
	ErrAlreadyRevoked      = errors.New("certificate already revoked")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrRetiredAuthority    = errors.New("certificate belongs to a retired CA")
	ErrKeyUnavailable      = errors.New("CA key unavailable")
)

// Error is returned by every service operation that can fail for a reason the
// caller should act on. Message is safe to show to API clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func internalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf classifies err. Errors that carry no kind are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindInternal
}

// MessageOf returns the client-facing message of err
func MessageOf(err error) string {
	var serr *Error
	if errors.As(err, &serr) && serr.Kind != KindInternal {
		return serr.Message
	}
	return "Internal server error"
}
