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

// Package pairing implements the device-authorization-grant flow that
// establishes trust with factory-fresh hardware: an anonymous device obtains
// a device_code/user_code pair, a human approves the user_code, and the
// device redeems a short-lived registration token that binds its long-term
// key to the approving account.
package pairing

import (
	"context"
	"time"
)

// Status is a pairing session state. Transitions follow
// pending -> authorized -> redeemed, with pending -> expired on timeout;
// redeemed and expired are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusRedeemed   Status = "redeemed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusRedeemed || s == StatusExpired
}

// Session is one pairing attempt, keyed by DeviceCode and surfaced to
// humans by UserCode.
type Session struct {
	// DeviceCode is the opaque 128-bit identifier the device polls with.
	// Unique forever.
	DeviceCode string `json:"device_code" firestore:"device_code"`
	// UserCode is the human-typable code shown once on the device.
	// Unique among non-terminal sessions.
	UserCode string `json:"user_code" firestore:"user_code"`
	// PairingKeyThumbprint binds every polling proof to the device's
	// ephemeral pairing key.
	PairingKeyThumbprint string `json:"pub_ke_thumbprint" firestore:"pub_ke_thumbprint"`
	// Fingerprint is the 8-hex-character key digest shown to the human.
	Fingerprint string `json:"fingerprint" firestore:"fingerprint"`

	Model   string `json:"model" firestore:"model"`
	Version string `json:"version" firestore:"version"`
	Nonce   string `json:"nonce,omitempty" firestore:"nonce,omitempty"`

	// RequesterIP is the coarsened first-contact address (/24 or /64).
	RequesterIP string `json:"requester_ip" firestore:"requester_ip"`
	// RequesterASN is the autonomous-system hint from provider headers.
	RequesterASN string `json:"requester_asn,omitempty" firestore:"requester_asn,omitempty"`

	Status Status `json:"status" firestore:"status"`
	// AccountID is set by approval; empty until then.
	AccountID string `json:"acc_id,omitempty" firestore:"acc_id,omitempty"`

	// PollInterval is the cadence the device must respect.
	PollInterval time.Duration `json:"poll_interval" firestore:"poll_interval"`
	// LastPollAt is the time of the last counted poll.
	LastPollAt *time.Time `json:"last_poll_at,omitempty" firestore:"last_poll_at,omitempty"`

	ExpiresAt time.Time `json:"expires_at" firestore:"expires_at"`
	CreatedAt time.Time `json:"created_at" firestore:"created_at"`

	// RegistrationTokenJTI is the single currently-live registration
	// token for this session; at most one redeem may ever reference it.
	RegistrationTokenJTI string `json:"registration_token_jti,omitempty" firestore:"registration_token_jti,omitempty"`
	// RegistrationTokenExpiresAt bounds the token above.
	RegistrationTokenExpiresAt time.Time `json:"registration_token_expires_at,omitempty" firestore:"registration_token_expires_at,omitempty"`

	// DeviceID is the registered device, set on redemption.
	DeviceID string `json:"device_id,omitempty" firestore:"device_id,omitempty"`
}

// Store is the persistence contract for pairing sessions (component C1). It
// carries no business logic: every state-machine rule lives in the
// Coordinator. Implementations must make CreateSession atomic with the
// uniqueness checks and run UpdateSession mutations under a per-session
// transaction so that status, acc_id, registration token fields, poll
// bookkeeping and interval cannot tear.
type Store interface {
	// CreateSession inserts a session, aborting with trace.AlreadyExists
	// when the user_code names a non-terminal session or the device_code
	// exists at all.
	CreateSession(ctx context.Context, session Session) error
	// GetSessionByDeviceCode loads a session; trace.NotFound when absent.
	GetSessionByDeviceCode(ctx context.Context, deviceCode string) (*Session, error)
	// GetSessionByUserCode resolves the secondary index and loads the
	// session; trace.NotFound when absent.
	GetSessionByUserCode(ctx context.Context, userCode string) (*Session, error)
	// UpdateSession applies a read-modify-write under transaction. The
	// mutator is a pure function of the current state; returning an error
	// aborts the update and surfaces that error verbatim.
	UpdateSession(ctx context.Context, deviceCode string, mutate func(Session) (Session, error)) (*Session, error)
	// DeleteExpired garbage-collects sessions past ExpiresAt plus grace,
	// returning how many were removed.
	DeleteExpired(ctx context.Context, now time.Time, grace time.Duration) (int, error)
}
