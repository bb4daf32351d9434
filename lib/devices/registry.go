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

package devices

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/utils"
)

// RegistryConfig configures the device registry service.
type RegistryConfig struct {
	Store  Store
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RegistryConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("Store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(crowdpm.ComponentKey, crowdpm.ComponentDevices)
	}
	return nil
}

// Registry implements device lifecycle on top of a Store.
type Registry struct {
	cfg RegistryConfig
}

// NewRegistry returns a device registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{cfg: cfg}, nil
}

// RegisterParams carries everything /device/register learned about the new
// device.
type RegisterParams struct {
	AccountID            string
	Model                string
	Version              string
	PublicKeyJWK         keys.JWK
	PublicKeyThumbprint  string
	PairingKeyThumbprint string
	PairingDeviceCode    string
	Fingerprint          string
}

// Register creates a new active device record with a fresh device ID.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*Record, error) {
	switch {
	case p.AccountID == "":
		return nil, trace.BadParameter("missing AccountID")
	case p.PublicKeyThumbprint == "":
		return nil, trace.BadParameter("missing PublicKeyThumbprint")
	}
	id, err := utils.CryptoRandomHex(12)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record := Record{
		DeviceID:             "dev_" + id,
		AccountID:            p.AccountID,
		PublicKeyThumbprint:  p.PublicKeyThumbprint,
		PublicKeyJWK:         p.PublicKeyJWK,
		PairingKeyThumbprint: p.PairingKeyThumbprint,
		PairingDeviceCode:    p.PairingDeviceCode,
		Model:                p.Model,
		Version:              p.Version,
		Fingerprint:          p.Fingerprint,
		DefaultVisibility:    VisibilityPrivate,
		Status:               StatusActive,
		CreatedAt:            r.cfg.Clock.Now().UTC(),
	}
	if err := r.cfg.Store.CreateDevice(ctx, record); err != nil {
		return nil, trace.Wrap(err)
	}
	r.cfg.Logger.InfoContext(ctx, "registered device",
		"device_id", record.DeviceID,
		"acc_id", record.AccountID,
		"model", record.Model,
	)
	return &record, nil
}

// Get loads one device record.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Record, error) {
	record, err := r.cfg.Store.GetDevice(ctx, deviceID)
	return record, trace.Wrap(err)
}

// Revoke permanently disables a device. Revocation is monotonic and
// idempotent: revoking a revoked device succeeds without changes.
func (r *Registry) Revoke(ctx context.Context, deviceID, actorID, reason string) (*Record, error) {
	now := r.cfg.Clock.Now().UTC()
	record, err := r.cfg.Store.UpdateDevice(ctx, deviceID, func(record Record) (Record, error) {
		if record.Status == StatusRevoked {
			return record, nil
		}
		record.Status = StatusRevoked
		record.RevokedAt = &now
		record.RevokedBy = actorID
		record.RevokedReason = reason
		return record, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r.cfg.Logger.InfoContext(ctx, "revoked device",
		"device_id", deviceID, "actor", actorID, "reason", reason)
	return record, nil
}

// Suspend temporarily blocks an active device.
func (r *Registry) Suspend(ctx context.Context, deviceID string) (*Record, error) {
	record, err := r.cfg.Store.UpdateDevice(ctx, deviceID, func(record Record) (Record, error) {
		if record.Status == StatusRevoked {
			return record, trace.AccessDenied("device is revoked")
		}
		record.Status = StatusSuspended
		return record, nil
	})
	return record, trace.Wrap(err)
}

// Resume reactivates a suspended device. Revoked devices stay revoked.
func (r *Registry) Resume(ctx context.Context, deviceID string) (*Record, error) {
	record, err := r.cfg.Store.UpdateDevice(ctx, deviceID, func(record Record) (Record, error) {
		if record.Status == StatusRevoked {
			return record, trace.AccessDenied("device is revoked")
		}
		record.Status = StatusActive
		return record, nil
	})
	return record, trace.Wrap(err)
}

// TouchLastSeen records activity, logging and swallowing failures.
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID string, seen time.Time) {
	if err := r.cfg.Store.TouchLastSeen(ctx, deviceID, seen.UTC()); err != nil {
		r.cfg.Logger.WarnContext(ctx, "failed to update last_seen",
			"device_id", deviceID, "error", err)
	}
}
