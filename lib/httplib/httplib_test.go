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

package httplib

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/crowdpm/crowdpm/lib/apierrors"
)

func TestReadJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/x", strings.NewReader(`{"name":"a"}`))
		var p payload
		require.NoError(t, ReadJSON(r, &p))
		require.Equal(t, "a", p.Name)
	})

	for name, body := range map[string]string{
		"unknown fields": `{"name":"a","extra":true}`,
		"trailing data":  `{"name":"a"}{"name":"b"}`,
		"malformed":      `{"name":`,
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/x", strings.NewReader(body))
			var p payload
			err := ReadJSON(r, &p)
			require.Error(t, err)
			require.Equal(t, apierrors.CodeInvalidRequest, apierrors.Convert(err).Code)
		})
	}
}

func TestReplyErrorShape(t *testing.T) {
	w := httptest.NewRecorder()
	ReplyError(context.Background(), w, apierrors.SlowDown(10))

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, apierrors.CodeSlowDown, body["error"])
	require.NotEmpty(t, body["message"])
	require.Equal(t, float64(10), body["poll_interval"])
}

func TestReplyErrorRetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	ReplyError(context.Background(), w, apierrors.RateLimited(30))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "30", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, float64(30), body["retry_after"])
}

func TestMakeHandler(t *testing.T) {
	handler := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		if r.URL.Query().Get("fail") != "" {
			return nil, apierrors.NotFound("nope")
		}
		return map[string]string{"ok": "yes"}, nil
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/x", nil), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/x?fail=1", nil), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, apierrors.CodeNotFound, body["error"])
}

type acceptedResult struct {
	ID string `json:"id"`
}

func (acceptedResult) HTTPStatus() int { return http.StatusAccepted }

func TestMakeHandlerStatusCoder(t *testing.T) {
	handler := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		return acceptedResult{ID: "b1"}, nil
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("POST", "/x", nil), nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "b1", body["id"])
}

func TestOriginalURL(t *testing.T) {
	r := httptest.NewRequest("POST", "http://api.internal:3080/v1/ingest?x=1", nil)
	require.Equal(t, "http://api.internal:3080/v1/ingest?x=1", OriginalURL(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "api.crowdpm.dev")
	require.Equal(t, "https://api.crowdpm.dev/v1/ingest?x=1", OriginalURL(r))
}

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest("POST", "/x", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	require.Equal(t, "203.0.113.7:1234", ClientAddr(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	require.Equal(t, "198.51.100.4", ClientAddr(r))
}
