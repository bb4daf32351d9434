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

package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestJWKRoundTrip(t *testing.T) {
	pub, _ := generateKey(t)
	jwk := FromPublicKey(pub)
	require.Equal(t, "OKP", jwk.Kty)
	require.Equal(t, "Ed25519", jwk.Crv)

	decoded, err := jwk.PublicKey()
	require.NoError(t, err)
	require.Equal(t, pub, decoded)
}

func TestJWKRejectsForeignKeys(t *testing.T) {
	pub, _ := generateKey(t)
	for _, tc := range []struct {
		name string
		jwk  JWK
	}{
		{"wrong kty", JWK{Kty: "EC", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub)}},
		{"wrong crv", JWK{Kty: "OKP", Crv: "P-256", X: base64.RawURLEncoding.EncodeToString(pub)}},
		{"bad encoding", JWK{Kty: "OKP", Crv: "Ed25519", X: "not!base64"}},
		{"short key", JWK{Kty: "OKP", Crv: "Ed25519", X: base64.RawURLEncoding.EncodeToString(pub[:16])}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.jwk.PublicKey()
			require.Error(t, err)
		})
	}
}

// Thumbprints must follow RFC 7638: base64url SHA-256 over the canonical
// JWK JSON with lexicographically ordered members.
func TestThumbprintCanonicalForm(t *testing.T) {
	pub, _ := generateKey(t)
	canonical := fmt.Sprintf(`{"crv":"Ed25519","kty":"OKP","x":"%s"}`,
		base64.RawURLEncoding.EncodeToString(pub))
	sum := sha256.Sum256([]byte(canonical))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])

	actual, err := Thumbprint(pub)
	require.NoError(t, err)
	require.Equal(t, expected, actual)

	viaJWK, err := FromPublicKey(pub).Thumbprint()
	require.NoError(t, err)
	require.Equal(t, expected, viaJWK)
}

func TestFingerprint(t *testing.T) {
	pub, _ := generateKey(t)
	fp := Fingerprint(pub)
	require.Len(t, fp, 8)
	require.Equal(t, fp, Fingerprint(pub))
}

func TestParsePublicKeyBase64(t *testing.T) {
	pub, _ := generateKey(t)

	raw, err := ParsePublicKeyBase64(base64.RawURLEncoding.EncodeToString(pub))
	require.NoError(t, err)
	require.Equal(t, pub, raw)

	// Padded encoding from older firmware is tolerated.
	padded, err := ParsePublicKeyBase64(base64.URLEncoding.EncodeToString(pub))
	require.NoError(t, err)
	require.Equal(t, pub, padded)

	_, err = ParsePublicKeyBase64("tooshort")
	require.Error(t, err)
}

func TestParseSigningKey(t *testing.T) {
	_, priv := generateKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	parsed, err := ParseSigningKey(pemKey)
	require.NoError(t, err)
	require.Equal(t, priv, parsed)

	parsed, err = ParseSigningKey([]byte(base64.StdEncoding.EncodeToString(der)))
	require.NoError(t, err)
	require.Equal(t, priv, parsed)

	_, err = ParseSigningKey([]byte("garbage"))
	require.Error(t, err)
}
