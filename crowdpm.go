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

// Package crowdpm holds identifiers shared by every layer of the device
// trust and ingest admission core.
package crowdpm

const (
	// Issuer is the `iss` claim stamped on every token minted by the
	// service and required on every token it verifies.
	Issuer = "crowdpm"

	// AudienceRegister is the audience of registration tokens, consumable
	// only at /device/register.
	AudienceRegister = "device_register"

	// AudienceIngest is the audience of device access tokens, consumable
	// only at the ingest gateway.
	AudienceIngest = "device_ingest"

	// AudienceWebSession is the audience of human account session tokens
	// accepted by the device-activation endpoints.
	AudienceWebSession = "web_session"

	// ScopeIngestWrite is the default scope carried by device access
	// tokens.
	ScopeIngestWrite = "ingest.write"
)

const (
	// ComponentKey is the log attribute naming the emitting component.
	ComponentKey = "component"

	// ComponentPairing is the pairing coordinator.
	ComponentPairing = "pairing"

	// ComponentTokens is the token issuer.
	ComponentTokens = "tokens"

	// ComponentDevices is the device registry.
	ComponentDevices = "devices"

	// ComponentIngest is the ingest admission gateway.
	ComponentIngest = "ingest"

	// ComponentAPI is the HTTP surface.
	ComponentAPI = "api"

	// ComponentStorage covers the firestore, blob and event bus adapters.
	ComponentStorage = "storage"
)
