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

// Package defaults collects the tunables of the pairing and ingest core in
// one place. Everything here can be overridden through lib/config.
package defaults

import "time"

const (
	// PairingSessionTTL is how long a pairing session stays redeemable
	// after /device/start.
	PairingSessionTTL = 15 * time.Minute

	// PairingSessionGrace is kept past expiry before garbage collection so
	// that late pollers observe expired_token instead of not_found.
	PairingSessionGrace = time.Hour

	// PollInterval is the initial cadence devices must respect when
	// polling /device/token.
	PollInterval = 5 * time.Second

	// PollIntervalMax caps the interval growth applied on slow_down.
	PollIntervalMax = 30 * time.Second

	// RegistrationTokenTTL bounds the window between an approved poll and
	// /device/register.
	RegistrationTokenTTL = time.Minute

	// AccessTokenTTL is the lifetime of device access tokens.
	AccessTokenTTL = 10 * time.Minute

	// UserCodeInsertRetries is how many fresh user codes are tried before
	// giving up on a colliding insert.
	UserCodeInsertRetries = 5
)

const (
	// DPoPMaxSkew tolerates clock drift between device and server when
	// checking a proof's iat.
	DPoPMaxSkew = 5 * time.Second

	// DPoPMaxAge rejects proofs minted too far in the past even within
	// skew tolerance.
	DPoPMaxAge = 120 * time.Second

	// DPoPReplayTTL is how long an accepted proof jti blocks duplicates.
	DPoPReplayTTL = 180 * time.Second
)

const (
	// RequestTimeout is the per-request server budget for everything that
	// is not polling or ingest.
	RequestTimeout = 10 * time.Second

	// PollRequestTimeout is the server budget for /device/token.
	PollRequestTimeout = 5 * time.Second

	// IngestRequestTimeout is the server budget for the ingest gateway.
	IngestRequestTimeout = 30 * time.Second

	// PublishTail is the detached-context budget for the event publish
	// when the ingest request is cancelled after the blob write.
	PublishTail = 2 * time.Second

	// SessionGCInterval is the cadence of the expired-session sweep.
	SessionGCInterval = 5 * time.Minute

	// ApprovalMFAFreshness is the maximum age of the human session's
	// authentication time accepted at the approval endpoint.
	ApprovalMFAFreshness = 30 * time.Minute
)

// Rate budgets, all per 60 second window.
const (
	RateWindow = time.Minute

	StartPerIP    = 10
	StartPerASN   = 50
	StartPerModel = 200
	StartGlobal   = 500

	PollPerDeviceCode = 15
	PollGlobal        = 1000

	RedeemPerDeviceCode = 10
	RedeemPerAccount    = 50
	RedeemGlobal        = 1000

	AccessTokenPerDevice = 60
)

const (
	// IngestTopic is the event bus topic raw batches are announced on.
	IngestTopic = "ingest.raw"

	// MaxIngestBodyBytes bounds the raw batch payload read off the wire.
	MaxIngestBodyBytes = 8 << 20

	// HTTPListenAddr is where the daemon serves the device and human
	// facing API by default.
	HTTPListenAddr = "0.0.0.0:3080"
)
