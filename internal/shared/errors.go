// Package shared holds the cross-cutting stores used by the RMA workflow:
// the audit trail, idempotency keys and per-RMA locks.
package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInactiveAccount indicates the operator account is disabled.
	ErrInactiveAccount = errors.New("account is inactive")
	// ErrIdempotencyConflict indicates the key was already claimed.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
)
