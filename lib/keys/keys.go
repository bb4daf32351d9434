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

// Package keys implements the Ed25519 key handling shared by the pairing,
// token and proof layers: JWK encoding, RFC 7638 thumbprints, and signing
// key loading.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"

	"github.com/go-jose/go-jose/v3"
	"github.com/gravitational/trace"
)

// JWK is the wire form of an Ed25519 public key. Only OKP/Ed25519 keys are
// accepted anywhere in the service.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
}

// FromPublicKey encodes an Ed25519 public key as a JWK.
func FromPublicKey(pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// PublicKey decodes and validates the JWK, returning the raw key.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	if k.Kty != "OKP" || k.Crv != "Ed25519" {
		return nil, trace.BadParameter("unsupported key type %q/%q, want OKP/Ed25519", k.Kty, k.Crv)
	}
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, trace.BadParameter("malformed key encoding")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, trace.BadParameter("wrong key length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Thumbprint returns the base64url SHA-256 thumbprint over the canonical
// JWK form {"crv":"Ed25519","kty":"OKP","x":"..."} per RFC 7638.
func (k JWK) Thumbprint() (string, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return Thumbprint(pub)
}

// Thumbprint computes the RFC 7638 thumbprint of an Ed25519 public key.
func Thumbprint(pub ed25519.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Fingerprint returns the short human-checkable digest shown on the
// approval page: the first 8 hex characters of SHA-256 over the raw key
// bytes.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:8]
}

// ParsePublicKeyBase64 decodes a base64url raw Ed25519 public key as
// presented on /device/start.
func ParsePublicKeyBase64(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		// Tolerate padded input from older firmware.
		raw, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, trace.BadParameter("malformed public key encoding")
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, trace.BadParameter("wrong public key length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseJWK decodes a JSON JWK document and validates its type.
func ParseJWK(data []byte) (JWK, error) {
	var jwk JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return JWK{}, trace.BadParameter("malformed JWK document")
	}
	if _, err := jwk.PublicKey(); err != nil {
		return JWK{}, trace.Wrap(err)
	}
	return jwk, nil
}

// ParseSigningKey loads the service Ed25519 private key from PKCS#8, either
// PEM framed or raw base64 (standard or url encoding).
func ParseSigningKey(material []byte) (ed25519.PrivateKey, error) {
	der := material
	if block, _ := pem.Decode(material); block != nil {
		der = block.Bytes
	} else if decoded, err := base64.StdEncoding.DecodeString(string(material)); err == nil {
		der = decoded
	} else if decoded, err := base64.RawURLEncoding.DecodeString(string(material)); err == nil {
		der = decoded
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, trace.BadParameter("parsing PKCS#8 signing key: %v", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("signing key must be Ed25519, got %T", parsed)
	}
	return key, nil
}
