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

package devices_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/storage/memory"
)

func newTestRegistry(t *testing.T) (*devices.Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	registry, err := devices.NewRegistry(devices.RegistryConfig{
		Store:  memory.NewDeviceStore(),
		Clock:  clock,
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return registry, clock
}

func registerParams(t *testing.T) devices.RegisterParams {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	thumbprint, err := keys.Thumbprint(pub)
	require.NoError(t, err)
	return devices.RegisterParams{
		AccountID:           "acc1",
		Model:               "aer-one",
		Version:             "1.4.2",
		PublicKeyJWK:        keys.FromPublicKey(pub),
		PublicKeyThumbprint: thumbprint,
		PairingDeviceCode:   "dc123",
		Fingerprint:         keys.Fingerprint(pub),
	}
}

func TestRegister(t *testing.T) {
	registry, _ := newTestRegistry(t)
	record, err := registry.Register(context.Background(), registerParams(t))
	require.NoError(t, err)
	require.NotEmpty(t, record.DeviceID)
	require.Equal(t, devices.StatusActive, record.Status)
	require.Equal(t, devices.VisibilityPrivate, record.DefaultVisibility)
	require.True(t, record.Admissible())

	loaded, err := registry.Get(context.Background(), record.DeviceID)
	require.NoError(t, err)
	require.Equal(t, record.PublicKeyThumbprint, loaded.PublicKeyThumbprint)
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	registry, _ := newTestRegistry(t)
	params := registerParams(t)

	_, err := registry.Register(context.Background(), params)
	require.NoError(t, err)

	_, err = registry.Register(context.Background(), params)
	require.True(t, trace.IsAlreadyExists(err))
}

// A revoked device releases its key: the same hardware can pair again.
func TestRegisterAfterRevocation(t *testing.T) {
	registry, _ := newTestRegistry(t)
	params := registerParams(t)

	record, err := registry.Register(context.Background(), params)
	require.NoError(t, err)
	_, err = registry.Revoke(context.Background(), record.DeviceID, "acc1", "lost")
	require.NoError(t, err)

	_, err = registry.Register(context.Background(), params)
	require.NoError(t, err)
}

func TestRevokeIsMonotonicAndIdempotent(t *testing.T) {
	registry, clock := newTestRegistry(t)
	record, err := registry.Register(context.Background(), registerParams(t))
	require.NoError(t, err)

	revoked, err := registry.Revoke(context.Background(), record.DeviceID, "acc1", "compromised")
	require.NoError(t, err)
	require.Equal(t, devices.StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	require.Equal(t, "compromised", revoked.RevokedReason)
	firstRevokedAt := *revoked.RevokedAt

	// Revoking again succeeds without rewriting the revocation record.
	clock.Advance(time.Minute)
	again, err := registry.Revoke(context.Background(), record.DeviceID, "acc2", "other reason")
	require.NoError(t, err)
	require.Equal(t, firstRevokedAt, *again.RevokedAt)
	require.Equal(t, "compromised", again.RevokedReason)

	// A revoked device never resumes.
	_, err = registry.Resume(context.Background(), record.DeviceID)
	require.True(t, trace.IsAccessDenied(err))
	_, err = registry.Suspend(context.Background(), record.DeviceID)
	require.True(t, trace.IsAccessDenied(err))
}

func TestSuspendResume(t *testing.T) {
	registry, _ := newTestRegistry(t)
	record, err := registry.Register(context.Background(), registerParams(t))
	require.NoError(t, err)

	suspended, err := registry.Suspend(context.Background(), record.DeviceID)
	require.NoError(t, err)
	require.Equal(t, devices.StatusSuspended, suspended.Status)
	require.False(t, suspended.Admissible())

	resumed, err := registry.Resume(context.Background(), record.DeviceID)
	require.NoError(t, err)
	require.Equal(t, devices.StatusActive, resumed.Status)
	require.True(t, resumed.Admissible())
}

func TestTouchLastSeen(t *testing.T) {
	registry, clock := newTestRegistry(t)
	record, err := registry.Register(context.Background(), registerParams(t))
	require.NoError(t, err)

	seen := clock.Now()
	registry.TouchLastSeen(context.Background(), record.DeviceID, seen)

	loaded, err := registry.Get(context.Background(), record.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastSeenAt)
	require.Equal(t, seen.UTC(), *loaded.LastSeenAt)

	// Unknown devices are logged and swallowed.
	registry.TouchLastSeen(context.Background(), "dev_missing", seen)
}
