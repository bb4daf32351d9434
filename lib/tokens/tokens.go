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

// Package tokens mints and verifies the service's EdDSA tokens: registration
// tokens consumed at /device/register, device access tokens consumed at the
// ingest gateway, and human account session tokens accepted by the approval
// endpoints. Every device-facing token carries a cnf.jkt confirmation claim
// binding it to a key thumbprint; possession is proven per request with DPoP.
package tokens

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/defaults"
	"github.com/crowdpm/crowdpm/lib/utils"
)

// Token kinds carried in the `kind` claim.
const (
	KindRegistration = "registration"
	KindAccess       = "access"
	KindSession      = "session"
)

// Confirmation is the RFC 7800 cnf claim; JKT is the thumbprint of the key
// the token is bound to.
type Confirmation struct {
	JKT string `json:"jkt"`
}

// Claims is the payload of every token the issuer signs. Fields not
// applicable to a given kind are omitted from the serialized form.
type Claims struct {
	*jwt.Claims

	Kind         string       `json:"kind"`
	DeviceCode   string       `json:"device_code,omitempty"`
	DeviceID     string       `json:"device_id,omitempty"`
	AccountID    string       `json:"acc_id,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Scope        []string     `json:"scope,omitempty"`
	Confirmation Confirmation `json:"cnf,omitempty"`

	// AuthTime is the Unix time the human authenticated, present on
	// session tokens only; the approval endpoint requires it to be fresh.
	AuthTime int64 `json:"auth_time,omitempty"`
}

// IssuedToken is the result of minting any token.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

// IssuerConfig configures the token issuer.
type IssuerConfig struct {
	// SigningKey is the process-wide Ed25519 private key.
	SigningKey ed25519.PrivateKey
	// Clock is used for iat/exp; defaults to the real clock.
	Clock clockwork.Clock
	// RegistrationTTL overrides the registration token lifetime.
	RegistrationTTL time.Duration
	// AccessTTL overrides the access token lifetime.
	AccessTTL time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *IssuerConfig) CheckAndSetDefaults() error {
	if len(c.SigningKey) != ed25519.PrivateKeySize {
		return trace.BadParameter("SigningKey must be a raw Ed25519 private key")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RegistrationTTL == 0 {
		c.RegistrationTTL = defaults.RegistrationTokenTTL
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = defaults.AccessTokenTTL
	}
	return nil
}

// Issuer signs and verifies service tokens. It keeps no record of issued
// tokens: replay resistance comes from short TTLs, the DPoP jti set, and the
// single-use registration jti tracked on the pairing session.
type Issuer struct {
	cfg    IssuerConfig
	signer jose.Signer
	public ed25519.PublicKey
}

// NewIssuer returns an issuer signing with cfg.SigningKey.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: cfg.SigningKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, trace.Wrap(err, "creating signer")
	}
	return &Issuer{
		cfg:    cfg,
		signer: signer,
		public: cfg.SigningKey.Public().(ed25519.PublicKey),
	}, nil
}

// RegistrationTokenParams binds a registration token to an approved pairing
// session and the ephemeral pairing key that drove it.
type RegistrationTokenParams struct {
	DeviceCode             string
	AccountID              string
	SessionID              string
	ConfirmationThumbprint string
}

// IssueRegistrationToken mints the single-use token redeemed at
// /device/register.
func (i *Issuer) IssueRegistrationToken(p RegistrationTokenParams) (*IssuedToken, error) {
	switch {
	case p.DeviceCode == "":
		return nil, trace.BadParameter("missing DeviceCode")
	case p.AccountID == "":
		return nil, trace.BadParameter("missing AccountID")
	case p.ConfirmationThumbprint == "":
		return nil, trace.BadParameter("missing ConfirmationThumbprint")
	}
	return i.sign(Claims{
		Kind:         KindRegistration,
		DeviceCode:   p.DeviceCode,
		AccountID:    p.AccountID,
		SessionID:    p.SessionID,
		Confirmation: Confirmation{JKT: p.ConfirmationThumbprint},
	}, crowdpm.AudienceRegister, i.cfg.RegistrationTTL)
}

// AccessTokenParams binds an access token to a registered device and its
// long-term key.
type AccessTokenParams struct {
	DeviceID               string
	AccountID              string
	ConfirmationThumbprint string
	Scope                  []string
}

// IssueAccessToken mints a device access token. The ingest.write scope is
// always present.
func (i *Issuer) IssueAccessToken(p AccessTokenParams) (*IssuedToken, error) {
	switch {
	case p.DeviceID == "":
		return nil, trace.BadParameter("missing DeviceID")
	case p.ConfirmationThumbprint == "":
		return nil, trace.BadParameter("missing ConfirmationThumbprint")
	}
	scope := p.Scope
	if !containsScope(scope, crowdpm.ScopeIngestWrite) {
		scope = append([]string{crowdpm.ScopeIngestWrite}, scope...)
	}
	return i.sign(Claims{
		Kind:         KindAccess,
		DeviceID:     p.DeviceID,
		AccountID:    p.AccountID,
		Scope:        scope,
		Confirmation: Confirmation{JKT: p.ConfirmationThumbprint},
	}, crowdpm.AudienceIngest, i.cfg.AccessTTL)
}

// SessionTokenParams describes a human account session.
type SessionTokenParams struct {
	AccountID string
	AuthTime  time.Time
	TTL       time.Duration
}

// IssueSessionToken mints an account session token for the device-activation
// endpoints. It exists so that deployments without an external identity
// provider still get an authenticated approval surface.
func (i *Issuer) IssueSessionToken(p SessionTokenParams) (*IssuedToken, error) {
	if p.AccountID == "" {
		return nil, trace.BadParameter("missing AccountID")
	}
	if p.TTL == 0 {
		p.TTL = 12 * time.Hour
	}
	authTime := p.AuthTime
	if authTime.IsZero() {
		authTime = i.cfg.Clock.Now()
	}
	return i.sign(Claims{
		Kind:      KindSession,
		AccountID: p.AccountID,
		AuthTime:  authTime.Unix(),
	}, crowdpm.AudienceWebSession, p.TTL)
}

func (i *Issuer) sign(claims Claims, audience string, ttl time.Duration) (*IssuedToken, error) {
	jti, err := utils.CryptoRandomHex(16)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := i.cfg.Clock.Now()
	expires := now.Add(ttl)
	claims.Claims = &jwt.Claims{
		Issuer:   crowdpm.Issuer,
		Audience: jwt.Audience{audience},
		Subject:  claims.AccountID,
		ID:       jti,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(expires),
	}
	serialized, err := jwt.Signed(i.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &IssuedToken{
		Token:     serialized,
		JTI:       jti,
		ExpiresAt: expires,
		ExpiresIn: ttl,
	}, nil
}

// VerifyRegistrationToken checks signature, kind, audience and expiry of a
// registration token. Expiry surfaces as expired_token so that devices know
// to re-poll; everything else is invalid_token.
func (i *Issuer) VerifyRegistrationToken(token string) (*Claims, error) {
	claims, err := i.verify(token, KindRegistration, crowdpm.AudienceRegister)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, trace.Wrap(apierrors.ExpiredToken("registration token expired"))
		}
		return nil, trace.Wrap(apierrors.InvalidToken("invalid registration token"))
	}
	return claims, nil
}

// VerifyAccessToken checks signature, kind, audience and expiry of a device
// access token. Expired access tokens are an ordinary authentication
// failure.
func (i *Issuer) VerifyAccessToken(token string) (*Claims, error) {
	claims, err := i.verify(token, KindAccess, crowdpm.AudienceIngest)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, trace.Wrap(apierrors.InvalidToken("access token expired"))
		}
		return nil, trace.Wrap(apierrors.InvalidToken("invalid access token"))
	}
	return claims, nil
}

// VerifySessionToken checks a human account session token and returns its
// claims, including the authentication time used for the approval freshness
// check.
func (i *Issuer) VerifySessionToken(token string) (*Claims, error) {
	claims, err := i.verify(token, KindSession, crowdpm.AudienceWebSession)
	if err != nil {
		return nil, trace.Wrap(apierrors.Forbidden("invalid account session"))
	}
	return claims, nil
}

func (i *Issuer) verify(token, kind, audience string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, trace.Wrap(err, "parsing token")
	}
	var claims Claims
	if err := parsed.Claims(i.public, &claims); err != nil {
		return nil, trace.Wrap(err, "verifying token signature")
	}
	if claims.Claims == nil {
		return nil, trace.BadParameter("token carries no registered claims")
	}
	if claims.Kind != kind {
		return nil, trace.BadParameter("unexpected token kind %q", claims.Kind)
	}
	if err := claims.Claims.Validate(jwt.Expected{
		Issuer:   crowdpm.Issuer,
		Audience: jwt.Audience{audience},
		Time:     i.cfg.Clock.Now(),
	}); err != nil {
		return nil, trace.Wrap(err, "validating token claims")
	}
	return &claims, nil
}

// PublicKey exposes the verification key, e.g. for JWKS publication.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.public
}

func containsScope(scope []string, want string) bool {
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}
