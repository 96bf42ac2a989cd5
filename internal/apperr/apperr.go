// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr provides the typed error-kind taxonomy shared by the
// Gateway and Runner, and the kind-to-HTTP-status mapping used at the
// API boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies an error category. Kinds are surfaced to callers
// verbatim (in JSON error bodies and Runner logs); they are stable
// across releases.
type Kind string

const (
	AuthSignatureInvalid  Kind = "auth.signature_invalid"
	AuthClockSkew         Kind = "auth.clock_skew"
	AuthNonceReplay       Kind = "auth.nonce_replay"
	AuthRunTokenMismatch  Kind = "auth.run_token_mismatch"
	PayloadTooLarge       Kind = "request.payload_too_large"
	ValidationBadShape    Kind = "validation.bad_shape"
	NotFoundRun           Kind = "not_found.run"
	NotFoundCommand       Kind = "not_found.command"
	NotFoundArtifact      Kind = "not_found.artifact"
	NotFoundClient        Kind = "not_found.client"
	NotFoundAlert         Kind = "not_found.alert"
	ConflictAlreadyAcked  Kind = "conflict.already_acked"
	RunnerChildSpawnFail  Kind = "runner.child_spawn_failed"
	RunnerChildCrashed    Kind = "runner.child_crashed"
	TunnelPeerClosed      Kind = "tunnel.peer_closed"
	TunnelFrameOversize   Kind = "tunnel.frame_oversize"
	Internal              Kind = "internal"
)

// Error is the concrete error type carrying a Kind, a message, and
// optionally the offending field names (validation.bad_shape) or a
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Fields  []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorType implements the classifier interface used by logging and
// metrics code that wants to bucket errors without a type switch.
func (e *Error) ErrorType() string { return string(e.Kind) }

// IsRetryable reports whether a caller may retry the same request
// unchanged. Only transient server-side failures are retryable; auth
// and validation failures are never retryable without changing the
// request itself.
func (e *Error) IsRetryable() bool {
	return e.Kind == Internal
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that wraps an underlying
// cause for errors.Is/As support.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithFields attaches offending field names to a validation error.
func WithFields(kind Kind, message string, fields ...string) *Error {
	return &Error{Kind: kind, Message: message, Fields: fields}
}

// As is a convenience wrapper matching errors.As, useful for pulling
// the Kind out of an error chain at the HTTP boundary.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// Internal otherwise.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Status maps a Kind to the HTTP status code spec.md §7 assigns it.
// conflict.already_acked is intentionally 200: an idempotent ack is
// success, not a failure, and callers should not treat it as an error
// at all — Status exists for the handful of call sites that render a
// generic error body from a Kind without a dedicated branch.
func Status(kind Kind) int {
	switch kind {
	case AuthSignatureInvalid, AuthClockSkew, AuthNonceReplay:
		return 401
	case AuthRunTokenMismatch:
		return 403
	case PayloadTooLarge:
		return 413
	case ValidationBadShape:
		return 400
	case NotFoundRun, NotFoundCommand, NotFoundArtifact, NotFoundClient, NotFoundAlert:
		return 404
	case ConflictAlreadyAcked:
		return 200
	default:
		return 500
	}
}
