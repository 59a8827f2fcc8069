// CoachSync - Offline-First Sync Engine for Video Coaching Clients
// Copyright 2026 ReelCoach
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/reelcoach/coachsync

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// The engine classifies every gateway failure into exactly one of four
// categories. The classification is canonical: the retry policy, the
// coordinator, and the repositories all consult Retryable/IsAuth/IsConflict
// rather than re-deriving their own rules.

// TransientError wraps a retryable failure: timeout, connection loss,
// server overload. The retry policy absorbs these up to the attempt limit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError wraps a non-retryable client failure: validation rejection,
// malformed payload. The mutation is surfaced as failed, never retried.
type TerminalError struct {
	Op  string
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %s: %v", e.Op, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// AuthError signals expired or invalid credentials. Not retryable by the
// sync loop; propagated so the host can trigger re-authentication.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConflictError signals the server rejected a push because the expected
// version no longer matches. The coordinator treats it as a signal to
// re-pull and re-resolve, not as a propagated failure.
type ConflictError struct {
	Op            string
	ServerVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: server at version %d", e.Op, e.ServerVersion)
}

// ErrRemoteNotFound is returned by FetchEntity when the server has no
// record of the entity.
var ErrRemoteNotFound = errors.New("entity not found on server")

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Terminal wraps err as a non-retryable failure.
func Terminal(op string, err error) error {
	return &TerminalError{Op: op, Err: err}
}

// Unauthorized wraps err as an auth failure.
func Unauthorized(op string, err error) error {
	return &AuthError{Op: op, Err: err}
}

// Retryable reports whether err should be retried by the backoff policy.
//
// Timeouts, connection loss, and anything explicitly marked transient are
// retryable. Auth, validation, and conflict failures are not. Unclassified
// errors default to non-retryable so a bug surfaces instead of looping.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return false
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return false
	}

	// Context deadline on a single call is a timeout; cancellation of
	// the whole operation is not something to retry automatically.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}
