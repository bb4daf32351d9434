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

package tokens

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/defaults"
)

func newTestIssuer(t *testing.T) (*Issuer, *clockwork.FakeClock) {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	issuer, err := NewIssuer(IssuerConfig{SigningKey: private, Clock: clock})
	require.NoError(t, err)
	return issuer, clock
}

func TestRegistrationTokenRoundTrip(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	issued, err := issuer.IssueRegistrationToken(RegistrationTokenParams{
		DeviceCode:             "dc123",
		AccountID:              "acc1",
		SessionID:              "dc123",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)
	require.NotEmpty(t, issued.JTI)
	require.Equal(t, defaults.RegistrationTokenTTL, issued.ExpiresIn)

	claims, err := issuer.VerifyRegistrationToken(issued.Token)
	require.NoError(t, err)
	require.Equal(t, KindRegistration, claims.Kind)
	require.Equal(t, "dc123", claims.DeviceCode)
	require.Equal(t, "acc1", claims.AccountID)
	require.Equal(t, "thumb", claims.Confirmation.JKT)
	require.Equal(t, issued.JTI, claims.Claims.ID)
}

func TestRegistrationTokenExpiry(t *testing.T) {
	issuer, clock := newTestIssuer(t)
	issued, err := issuer.IssueRegistrationToken(RegistrationTokenParams{
		DeviceCode:             "dc123",
		AccountID:              "acc1",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)

	clock.Advance(defaults.RegistrationTokenTTL + 2*time.Minute)
	_, err = issuer.VerifyRegistrationToken(issued.Token)
	require.True(t, errors.Is(err, apierrors.ExpiredToken("")))
}

func TestAccessTokenRoundTrip(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	issued, err := issuer.IssueAccessToken(AccessTokenParams{
		DeviceID:               "dev_1",
		AccountID:              "acc1",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)

	claims, err := issuer.VerifyAccessToken(issued.Token)
	require.NoError(t, err)
	require.Equal(t, KindAccess, claims.Kind)
	require.Equal(t, "dev_1", claims.DeviceID)
	require.Contains(t, claims.Scope, crowdpm.ScopeIngestWrite)
	require.Equal(t, "thumb", claims.Confirmation.JKT)
}

func TestExpiredAccessTokenIsInvalid(t *testing.T) {
	issuer, clock := newTestIssuer(t)
	issued, err := issuer.IssueAccessToken(AccessTokenParams{
		DeviceID:               "dev_1",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)

	clock.Advance(defaults.AccessTokenTTL + 2*time.Minute)
	_, err = issuer.VerifyAccessToken(issued.Token)
	require.True(t, errors.Is(err, apierrors.InvalidToken("")))
}

// A registration token must not pass as an access token and vice versa.
func TestTokenKindsDoNotCross(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	registration, err := issuer.IssueRegistrationToken(RegistrationTokenParams{
		DeviceCode:             "dc123",
		AccountID:              "acc1",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)
	access, err := issuer.IssueAccessToken(AccessTokenParams{
		DeviceID:               "dev_1",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)

	_, err = issuer.VerifyAccessToken(registration.Token)
	require.Error(t, err)
	_, err = issuer.VerifyRegistrationToken(access.Token)
	require.Error(t, err)
}

func TestForeignSignatureRejected(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	other, _ := newTestIssuer(t)
	issued, err := other.IssueAccessToken(AccessTokenParams{
		DeviceID:               "dev_1",
		ConfirmationThumbprint: "thumb",
	})
	require.NoError(t, err)

	_, err = issuer.VerifyAccessToken(issued.Token)
	require.Error(t, err)
}

func TestSessionTokenCarriesAuthTime(t *testing.T) {
	issuer, clock := newTestIssuer(t)
	authTime := clock.Now().Add(-10 * time.Minute)
	issued, err := issuer.IssueSessionToken(SessionTokenParams{
		AccountID: "acc1",
		AuthTime:  authTime,
	})
	require.NoError(t, err)

	claims, err := issuer.VerifySessionToken(issued.Token)
	require.NoError(t, err)
	require.Equal(t, "acc1", claims.AccountID)
	require.Equal(t, authTime.Unix(), claims.AuthTime)
}

func TestGarbageTokensRejected(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := issuer.VerifyAccessToken(token)
		require.Error(t, err, "token %q must be rejected", token)
	}
}
