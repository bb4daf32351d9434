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

// Package dpoptest mints DPoP proofs the way a device would, for use in
// tests across the repository.
package dpoptest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/utils"
)

// Signer is a device-side key that can mint proofs.
type Signer struct {
	clock   clockwork.Clock
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner(clock clockwork.Clock) (*Signer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Signer{clock: clock, private: private, public: public}, nil
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.public }

// JWK returns the signer's public key in JWK form.
func (s *Signer) JWK() keys.JWK { return keys.FromPublicKey(s.public) }

// Thumbprint returns the signer's RFC 7638 thumbprint.
func (s *Signer) Thumbprint() (string, error) {
	return keys.Thumbprint(s.public)
}

// ProofParams controls the minted proof. Zero values produce a valid proof
// for the given method and URL; the overrides exist for negative tests.
type ProofParams struct {
	Method string
	URL    string
	// IssuedAt overrides the proof iat; zero means now.
	IssuedAt time.Time
	// JTI overrides the random proof identifier.
	JTI string
	// ATH sets the access token hash claim.
	ATH string
	// Typ overrides the dpop+jwt header type.
	Typ string
}

// Proof mints a compact serialized proof.
func (s *Signer) Proof(p ProofParams) (string, error) {
	typ := p.Typ
	if typ == "" {
		typ = "dpop+jwt"
	}
	jti := p.JTI
	if jti == "" {
		var err error
		jti, err = utils.CryptoRandomHex(16)
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
	iat := p.IssuedAt
	if iat.IsZero() {
		iat = s.clock.Now()
	}

	opts := (&jose.SignerOptions{EmbedJWK: true}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: s.private}, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}

	payload, err := json.Marshal(map[string]any{
		"htm": p.Method,
		"htu": p.URL,
		"iat": iat.Unix(),
		"jti": jti,
		"ath": p.ATH,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return "", trace.Wrap(err)
	}
	compact, err := signed.CompactSerialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return compact, nil
}
