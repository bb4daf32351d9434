/*
 * CrowdPM
 * Copyright (C) 2026  CrowdPM, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package apierrors defines the stable machine-readable error codes exposed
// on the wire. Hardware clients branch on Code; Message is advisory prose and
// may change between releases.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
)

// Wire-level error codes. These are part of the public contract and must
// never be renamed.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidPayload       = "invalid_payload"
	CodeDeviceMismatch       = "device_mismatch"
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeInvalidProof         = "invalid_proof"
	CodeInvalidProofBinding  = "invalid_proof_binding"
	CodeInvalidProofTarget   = "invalid_proof_target"
	CodeStaleProof           = "stale_proof"
	CodeReplay               = "replay"
	CodeInvalidAth           = "invalid_ath"
	CodeInvalidSignature     = "invalid_signature"
	CodeInvalidToken         = "invalid_token"
	CodeForbidden            = "forbidden"
	CodeDeviceForbidden      = "device_forbidden"
	CodeNotFound             = "not_found"
	CodeRateLimited          = "rate_limited"
	CodeStorageError         = "storage_error"
	CodeInternalError        = "internal_error"
)

// Error is an API error with a stable code, the HTTP status it is served
// with, and optional extra response fields (poll_interval, retry_after).
type Error struct {
	Code    string
	Status  int
	Message string
	Extra   map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithExtra returns a copy of the error carrying an additional response
// field.
func (e *Error) WithExtra(key string, value any) *Error {
	out := *e
	out.Extra = make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		out.Extra[k] = v
	}
	out.Extra[key] = value
	return &out
}

// Is matches errors by code so that callers can compare against the
// constructor sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

func InvalidRequest(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, http.StatusBadRequest, format, args...)
}

func InvalidPayload(format string, args ...any) *Error {
	return newError(CodeInvalidPayload, http.StatusBadRequest, format, args...)
}

func DeviceMismatch(format string, args ...any) *Error {
	return newError(CodeDeviceMismatch, http.StatusBadRequest, format, args...)
}

func AuthorizationPending() *Error {
	return newError(CodeAuthorizationPending, http.StatusBadRequest, "authorization request is still pending")
}

// SlowDown tells the device to back off; the new interval travels in the
// poll_interval response field.
func SlowDown(pollIntervalSeconds int) *Error {
	e := newError(CodeSlowDown, http.StatusBadRequest, "polling too frequently")
	return e.WithExtra("poll_interval", pollIntervalSeconds)
}

func ExpiredToken(format string, args ...any) *Error {
	return newError(CodeExpiredToken, http.StatusBadRequest, format, args...)
}

func InvalidProof(format string, args ...any) *Error {
	return newError(CodeInvalidProof, http.StatusUnauthorized, format, args...)
}

func InvalidProofBinding(format string, args ...any) *Error {
	return newError(CodeInvalidProofBinding, http.StatusUnauthorized, format, args...)
}

func InvalidProofTarget(format string, args ...any) *Error {
	return newError(CodeInvalidProofTarget, http.StatusUnauthorized, format, args...)
}

func StaleProof(format string, args ...any) *Error {
	return newError(CodeStaleProof, http.StatusUnauthorized, format, args...)
}

func Replay() *Error {
	return newError(CodeReplay, http.StatusUnauthorized, "proof has already been used")
}

func InvalidAth() *Error {
	return newError(CodeInvalidAth, http.StatusUnauthorized, "proof is not bound to the presented access token")
}

func InvalidSignature() *Error {
	return newError(CodeInvalidSignature, http.StatusUnauthorized, "proof signature verification failed")
}

func InvalidToken(format string, args ...any) *Error {
	return newError(CodeInvalidToken, http.StatusUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, http.StatusForbidden, format, args...)
}

func DeviceForbidden(format string, args ...any) *Error {
	return newError(CodeDeviceForbidden, http.StatusForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, http.StatusNotFound, format, args...)
}

// RateLimited reports an exhausted budget; retryAfterSeconds <= 0 omits the
// retry_after field.
func RateLimited(retryAfterSeconds int) *Error {
	e := newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
	if retryAfterSeconds > 0 {
		e = e.WithExtra("retry_after", retryAfterSeconds)
	}
	return e
}

func StorageError(format string, args ...any) *Error {
	return newError(CodeStorageError, http.StatusInternalServerError, format, args...)
}

func InternalError(format string, args ...any) *Error {
	return newError(CodeInternalError, http.StatusInternalServerError, format, args...)
}

// Convert normalizes any error into an *Error for the wire. API errors pass
// through; trace errors are classified; everything else is an opaque
// internal_error so that implementation details never leak to clients.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case trace.IsBadParameter(err):
		return InvalidRequest("%s", trace.UserMessage(err))
	case trace.IsNotFound(err):
		return NotFound("%s", trace.UserMessage(err))
	case trace.IsAccessDenied(err):
		return Forbidden("%s", trace.UserMessage(err))
	case trace.IsLimitExceeded(err):
		return RateLimited(0)
	case trace.IsAlreadyExists(err):
		return newError(CodeInvalidRequest, http.StatusConflict, "%s", trace.UserMessage(err))
	default:
		return InternalError("internal server error")
	}
}
