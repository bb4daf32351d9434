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

// Package dpop verifies demonstration-of-proof-of-possession tokens: short
// EdDSA JWTs attesting to one HTTP request, signed by the key a service
// token is bound to. The verifier is stateless except for the replay set.
package dpop

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/defaults"
	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/utils"
)

// HeaderType is the required typ header of every proof.
const HeaderType = "dpop+jwt"

// proofClaims is the payload of a DPoP proof.
type proofClaims struct {
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	IAT int64  `json:"iat"`
	JTI string `json:"jti"`
	ATH string `json:"ath,omitempty"`
}

// VerifyParams describes the request a proof must attest to.
type VerifyParams struct {
	// Method is the expected HTTP method, uppercase.
	Method string
	// URL is the expected htu, as reconstructed from the inbound request.
	URL string
	// ExpectedThumbprint, when set, must equal the thumbprint of the
	// proof's embedded key.
	ExpectedThumbprint string
	// RequiredATH, when set, must equal the proof's ath claim
	// (base64url(SHA-256(access token)), computed by the caller).
	RequiredATH string
}

// Result carries what callers need from an accepted proof.
type Result struct {
	// Thumbprint identifies the key that signed the proof; callers bind
	// subsequently issued tokens to it.
	Thumbprint string
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Replay is the proof-replay set.
	Replay ReplayStore
	// Clock is used for the freshness window; defaults to the real clock.
	Clock clockwork.Clock
	// MaxSkew tolerates device clocks running ahead of the server.
	MaxSkew time.Duration
	// MaxAge rejects proofs older than this regardless of skew.
	MaxAge time.Duration
	// ReplayTTL is how long an accepted jti blocks duplicates.
	ReplayTTL time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *VerifierConfig) CheckAndSetDefaults() error {
	if c.Replay == nil {
		return trace.BadParameter("Replay store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxSkew == 0 {
		c.MaxSkew = defaults.DPoPMaxSkew
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaults.DPoPMaxAge
	}
	if c.ReplayTTL == 0 {
		c.ReplayTTL = defaults.DPoPReplayTTL
	}
	return nil
}

// Verifier validates DPoP proofs. The validation order is fixed; the first
// failing rule names the error returned.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier returns a proof verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify validates one proof against the expected request parameters.
func (v *Verifier) Verify(ctx context.Context, proof string, params VerifyParams) (*Result, error) {
	if proof == "" {
		return nil, trace.Wrap(apierrors.InvalidProof("missing DPoP proof"))
	}

	// Rule 1: header shape. EdDSA, dpop+jwt, embedded OKP/Ed25519 key.
	parsed, err := jose.ParseSigned(proof)
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidProof("malformed proof"))
	}
	if len(parsed.Signatures) != 1 {
		return nil, trace.Wrap(apierrors.InvalidProof("proof must carry exactly one signature"))
	}
	header := parsed.Signatures[0].Header
	if header.Algorithm != string(jose.EdDSA) {
		return nil, trace.Wrap(apierrors.InvalidProof("unsupported proof algorithm %q", header.Algorithm))
	}
	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != HeaderType {
		return nil, trace.Wrap(apierrors.InvalidProof("proof typ must be %q", HeaderType))
	}
	jwk := header.JSONWebKey
	if jwk == nil {
		return nil, trace.Wrap(apierrors.InvalidProof("proof carries no key"))
	}
	publicKey, ok := jwk.Key.(ed25519.PublicKey)
	if !ok {
		return nil, trace.Wrap(apierrors.InvalidProof("proof key must be OKP/Ed25519"))
	}

	// Rule 2: thumbprint of the embedded key.
	thumbprint, err := keys.Thumbprint(publicKey)
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidProof("computing key thumbprint"))
	}

	// Rule 3: binding to the expected key.
	if params.ExpectedThumbprint != "" &&
		subtle.ConstantTimeCompare([]byte(thumbprint), []byte(params.ExpectedThumbprint)) == 0 {
		return nil, trace.Wrap(apierrors.InvalidProofBinding("proof signed by unexpected key"))
	}

	// Rule 4: signature.
	payload, err := parsed.Verify(publicKey)
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidSignature())
	}
	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, trace.Wrap(apierrors.InvalidProof("malformed proof payload"))
	}

	// Rule 5: request binding.
	if claims.HTM != strings.ToUpper(params.Method) {
		return nil, trace.Wrap(apierrors.InvalidProofTarget("proof htm %q does not match request method", claims.HTM))
	}
	if !htuEqual(claims.HTU, params.URL) {
		return nil, trace.Wrap(apierrors.InvalidProofTarget("proof htu does not match request URL"))
	}

	// Rule 6: freshness. Accept iat in [now-MaxAge, now+MaxSkew].
	now := v.cfg.Clock.Now()
	iat := time.Unix(claims.IAT, 0)
	if claims.IAT == 0 || iat.After(now.Add(v.cfg.MaxSkew)) || iat.Before(now.Add(-v.cfg.MaxAge)) {
		return nil, trace.Wrap(apierrors.StaleProof("proof iat outside acceptance window"))
	}

	// Rule 7: replay.
	if claims.JTI == "" {
		return nil, trace.Wrap(apierrors.InvalidProof("proof carries no jti"))
	}
	replayKey := strings.Join([]string{thumbprint, claims.HTM, canonicalHTU(claims.HTU), claims.JTI}, "|")
	fresh, err := v.cfg.Replay.CheckAndInsert(ctx, replayKey, v.cfg.ReplayTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !fresh {
		return nil, trace.Wrap(apierrors.Replay())
	}

	// Rule 8: access token hash.
	if params.RequiredATH != "" &&
		subtle.ConstantTimeCompare([]byte(claims.ATH), []byte(params.RequiredATH)) == 0 {
		return nil, trace.Wrap(apierrors.InvalidAth())
	}

	return &Result{Thumbprint: thumbprint}, nil
}

// htuEqual compares htu values: scheme and host case-insensitive, path and
// query exact, fragments stripped.
func htuEqual(a, b string) bool {
	return canonicalHTU(a) != "" && canonicalHTU(a) == canonicalHTU(b)
}

func canonicalHTU(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// ATH computes the ath claim value for an access token:
// base64url(SHA-256(token)).
func ATH(accessToken string) string {
	return utils.SHA256Base64URL([]byte(accessToken))
}
