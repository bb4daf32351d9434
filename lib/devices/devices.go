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

// Package devices owns the registry of paired hardware nodes: the mapping
// from device_id to owning account, long-term key thumbprint and lifecycle
// status.
package devices

import (
	"context"
	"time"

	"github.com/crowdpm/crowdpm/lib/keys"
)

// Status is a device lifecycle state.
type Status string

const (
	// StatusActive devices may obtain access tokens and ingest batches.
	StatusActive Status = "active"
	// StatusSuspended devices are temporarily blocked and may be resumed.
	StatusSuspended Status = "suspended"
	// StatusRevoked is terminal; a revoked device never comes back.
	StatusRevoked Status = "revoked"
)

// Visibility is the publication policy of ingested batches.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a recognized visibility value.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Record is one registered device.
type Record struct {
	// DeviceID is the opaque stable identifier issued at registration.
	DeviceID string `json:"device_id" firestore:"device_id"`
	// AccountID is the owning account.
	AccountID string `json:"acc_id" firestore:"acc_id"`
	// PublicKeyThumbprint is the RFC 7638 thumbprint of the long-term
	// key; every ingest-facing proof must match it. Unique among active
	// devices.
	PublicKeyThumbprint string `json:"pub_kl_thumbprint" firestore:"pub_kl_thumbprint"`
	// PublicKeyJWK is the long-term key in full.
	PublicKeyJWK keys.JWK `json:"pub_kl_jwk" firestore:"pub_kl_jwk"`
	// PairingKeyThumbprint is the ephemeral pairing key thumbprint,
	// retained for audit.
	PairingKeyThumbprint string `json:"ke_thumbprint" firestore:"ke_thumbprint"`
	// PairingDeviceCode links back to the pairing session that produced
	// this record.
	PairingDeviceCode string `json:"pairing_device_code" firestore:"pairing_device_code"`

	Model       string `json:"model" firestore:"model"`
	Version     string `json:"version" firestore:"version"`
	Fingerprint string `json:"fingerprint" firestore:"fingerprint"`

	// DefaultVisibility applies to batches that do not declare their own.
	DefaultVisibility Visibility `json:"default_visibility" firestore:"default_visibility"`

	Status     Status     `json:"status" firestore:"status"`
	CreatedAt  time.Time  `json:"created_at" firestore:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" firestore:"last_seen_at,omitempty"`

	RevokedAt     *time.Time `json:"revoked_at,omitempty" firestore:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty" firestore:"revoked_by,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty" firestore:"revoked_reason,omitempty"`
}

// Admissible reports whether the device may be issued tokens and admit
// batches.
func (r *Record) Admissible() bool {
	return r.Status == StatusActive
}

// Store is the persistence contract for device records. Implementations
// must enforce thumbprint uniqueness among active devices on insert and
// serialize mutations per device.
type Store interface {
	// CreateDevice inserts a new record. Returns trace.AlreadyExists when
	// another active device carries the same long-term key thumbprint or
	// the device ID collides.
	CreateDevice(ctx context.Context, record Record) error
	// GetDevice loads one record; trace.NotFound when absent.
	GetDevice(ctx context.Context, deviceID string) (*Record, error)
	// UpdateDevice applies a read-modify-write under a per-device
	// transaction. The mutator is pure; an error from it aborts the
	// update and is returned verbatim.
	UpdateDevice(ctx context.Context, deviceID string, mutate func(Record) (Record, error)) (*Record, error)
	// TouchLastSeen records ingest activity. Best-effort: lossy updates
	// are acceptable.
	TouchLastSeen(ctx context.Context, deviceID string, seen time.Time) error
}
