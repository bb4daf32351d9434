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

package apierrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestErrorMatching(t *testing.T) {
	err := trace.Wrap(AuthorizationPending())
	require.True(t, errors.Is(err, AuthorizationPending()))
	require.False(t, errors.Is(err, Replay()))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, CodeAuthorizationPending, apiErr.Code)
}

func TestWithExtraDoesNotMutate(t *testing.T) {
	base := RateLimited(0)
	derived := base.WithExtra("retry_after", 30)
	require.Nil(t, base.Extra)
	require.Equal(t, 30, derived.Extra["retry_after"])
}

func TestSlowDownCarriesInterval(t *testing.T) {
	err := SlowDown(10)
	require.Equal(t, CodeSlowDown, err.Code)
	require.Equal(t, http.StatusBadRequest, err.Status)
	require.Equal(t, 10, err.Extra["poll_interval"])
}

func TestConvert(t *testing.T) {
	for _, tc := range []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"api error passes through", trace.Wrap(InvalidProof("bad")), CodeInvalidProof, http.StatusUnauthorized},
		{"bad parameter", trace.BadParameter("nope"), CodeInvalidRequest, http.StatusBadRequest},
		{"not found", trace.NotFound("nope"), CodeNotFound, http.StatusNotFound},
		{"access denied", trace.AccessDenied("nope"), CodeForbidden, http.StatusForbidden},
		{"limit exceeded", trace.LimitExceeded("nope"), CodeRateLimited, http.StatusTooManyRequests},
		{"already exists", trace.AlreadyExists("nope"), CodeInvalidRequest, http.StatusConflict},
		{"opaque", errors.New("database exploded"), CodeInternalError, http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			converted := Convert(tc.err)
			require.Equal(t, tc.wantCode, converted.Code)
			require.Equal(t, tc.wantStatus, converted.Status)
		})
	}

	// Internal details must never leak to clients.
	converted := Convert(errors.New("password=hunter2"))
	require.NotContains(t, converted.Message, "hunter2")
}
