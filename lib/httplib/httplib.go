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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/crowdpm/crowdpm/lib/apierrors"
)

// MaxRequestBodyBytes bounds JSON request bodies on the control-plane
// endpoints; the ingest endpoint sets its own larger limit.
const MaxRequestBodyBytes = 1 << 20

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// StatusCoder lets a handler result pick its success status; results that
// do not implement it reply 200.
type StatusCoder interface {
	HTTPStatus() int
}

// MakeHandler returns a new httprouter.Handle func from a handler func
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(r.Context(), w, err)
			return
		}
		status := http.StatusOK
		if coder, ok := out.(StatusCoder); ok {
			status = coder.HTTPStatus()
		}
		ReplyJSON(w, status, out)
	}
}

// WithTimeout bounds the request context before invoking the handler.
func WithTimeout(timeout time.Duration, fn HandlerFunc) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		return fn(w, r.WithContext(ctx), p)
	}
}

// ReadJSON reads an HTTP JSON request and unmarshals it into val, rejecting
// unknown fields and trailing data.
func ReadJSON(r *http.Request, val any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxRequestBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(val); err != nil {
		return trace.Wrap(apierrors.InvalidRequest("malformed request body"))
	}
	if decoder.More() {
		return trace.Wrap(apierrors.InvalidRequest("trailing data after request body"))
	}
	return nil
}

// errorResponse is the wire shape of every failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`

	extra map[string]any
}

func (e errorResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.extra)+2)
	out["error"] = e.Error
	if e.Message != "" {
		out["message"] = e.Message
	}
	for k, v := range e.extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// ReplyError normalizes err and writes the error response. The retry_after
// field is mirrored into the Retry-After header for proxies.
func ReplyError(ctx context.Context, w http.ResponseWriter, err error) {
	apiErr := apierrors.Convert(err)
	if apiErr.Status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
	}
	if retryAfter, ok := apiErr.Extra["retry_after"].(int); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	ReplyJSON(w, apiErr.Status, errorResponse{
		Error:   apiErr.Code,
		Message: apiErr.Message,
		extra:   apiErr.Extra,
	})
}

// ReplyJSON writes any value as a JSON response with the given status.
func ReplyJSON(w http.ResponseWriter, status int, val any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if val == nil {
		io.WriteString(w, "{}")
		return
	}
	if err := json.NewEncoder(w).Encode(val); err != nil {
		slog.Warn("failed writing response body", "error", err)
	}
}

// OriginalURL reconstructs the absolute URL the client signed its proof
// over, honoring the proxy forwarding headers.
func OriginalURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// ClientAddr returns the requester address, honoring X-Forwarded-For when
// present.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := range fwd {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	return r.RemoteAddr
}
