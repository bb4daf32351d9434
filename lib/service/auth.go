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

package service

import (
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/tokens"
)

// AccountSession is the authenticated human behind an approval or admin
// request.
type AccountSession struct {
	// AccountID is the verified account.
	AccountID string
	// AuthTime is when the human last authenticated; the approval endpoint
	// enforces freshness on it.
	AuthTime time.Time
}

// AccountSessionVerifier authenticates humans on the activation and admin
// endpoints from their session token.
type AccountSessionVerifier struct {
	tokens *tokens.Issuer
}

// NewAccountSessionVerifier returns a verifier backed by the given issuer.
func NewAccountSessionVerifier(issuer *tokens.Issuer) (*AccountSessionVerifier, error) {
	if issuer == nil {
		return nil, trace.BadParameter("issuer is required")
	}
	return &AccountSessionVerifier{tokens: issuer}, nil
}

// Authenticate extracts and verifies the account session on r. The token
// travels as a bearer token or, for browser flows, in the session cookie.
func (v *AccountSessionVerifier) Authenticate(r *http.Request) (*AccountSession, error) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie("crowdpm_session"); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return nil, trace.Wrap(apierrors.Forbidden("authentication required"))
	}
	claims, err := v.tokens.VerifySessionToken(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if claims.AccountID == "" {
		return nil, trace.Wrap(apierrors.Forbidden("invalid account session"))
	}
	return &AccountSession{
		AccountID: claims.AccountID,
		AuthTime:  time.Unix(claims.AuthTime, 0),
	}, nil
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
