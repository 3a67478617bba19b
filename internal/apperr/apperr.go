// Package apperr defines the error sum type surfaced by the transfer core.
//
// Every public operation in internal/wallet, internal/limit,
// internal/idempotency, internal/saga and internal/transfer returns errors of
// this shape so the HTTP layer can map them to status codes with a single
// switch instead of chasing sentinel values across packages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories from spec section 7.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindNotFound          Kind = "not_found"
	KindCurrencyMismatch  Kind = "currency_mismatch"
	KindInsufficientFunds Kind = "insufficient_balance"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindConflict          Kind = "conflict"
	KindLockTimeout       Kind = "lock_timeout"
	KindCacheError        Kind = "cache_error"
	KindStoreError        Kind = "store_error"
	KindCompensationAlert Kind = "compensation_failure"
)

// terminalNonRetryable mirrors the retryability table of spec section 4.E:
// business rejections never get retried automatically by the saga or by the
// idempotency gate's replay logic.
var terminalNonRetryable = map[Kind]bool{
	KindInsufficientFunds: true,
	KindNotFound:          true,
	KindLimitExceeded:     true,
	KindCurrencyMismatch:  true,
	KindInvalidRequest:    true,
}

// Error is the single concrete error type returned by the core.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, apperr.KindInsufficientFunds-shaped sentinel) work
// by comparing Kind, mirroring how the teacher compares sentinel values with
// errors.Is against repository.Err* constants.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinel builds a comparison target for errors.Is, e.g.
// errors.Is(err, apperr.Sentinel(apperr.KindNotFound)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from any error produced by this package, falling
// back to KindStoreError for unrecognized infrastructure failures so callers
// never have to special-case a nil Kind.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindStoreError
}

// Retryable reports whether an error kind is retryable per spec section 4.E:
// infrastructure failures are; business rejections are not.
func Retryable(kind Kind) bool {
	return !terminalNonRetryable[kind]
}

func IsInfra(kind Kind) bool {
	return kind == KindLockTimeout || kind == KindCacheError || kind == KindStoreError
}
