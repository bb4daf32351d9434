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

// Package config loads daemon configuration from the environment. All
// duration knobs are plain integer seconds so they can be set from
// deployment manifests without unit suffixes.
package config

import (
	"crypto/ed25519"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/crowdpm/crowdpm/lib/defaults"
	"github.com/crowdpm/crowdpm/lib/keys"
)

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// SigningKey signs every token the service issues.
	SigningKey ed25519.PrivateKey

	// VerificationURI is the page humans visit to approve a pairing.
	VerificationURI string

	// ProjectID is the GCP project hosting Firestore and Pub/Sub.
	ProjectID string
	// IngestBucket is the Cloud Storage bucket raw batches are sealed in.
	IngestBucket string
	// IngestTopic is the Pub/Sub topic admitted batches are announced on.
	IngestTopic string
	// RedisAddr is the replay-set Redis address; empty selects the
	// in-process replay set for single-node runs.
	RedisAddr string

	// PairingSessionTTL bounds a pairing attempt.
	PairingSessionTTL time.Duration
	// RegistrationTokenTTL bounds the redeem window after approval.
	RegistrationTokenTTL time.Duration
	// AccessTokenTTL bounds ingest access tokens.
	AccessTokenTTL time.Duration
	// DPoPMaxSkew is the accepted future clock skew on proofs.
	DPoPMaxSkew time.Duration
	// DPoPMaxAge is the accepted proof age.
	DPoPMaxAge time.Duration
}

// FromEnv loads configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:      os.Getenv("LISTEN_ADDR"),
		VerificationURI: os.Getenv("DEVICE_VERIFICATION_URI"),
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		IngestBucket:    os.Getenv("INGEST_BUCKET"),
		IngestTopic:     os.Getenv("INGEST_TOPIC"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
	}

	rawKey := os.Getenv("TOKEN_SIGNING_PRIVATE_KEY")
	if rawKey == "" {
		return nil, trace.BadParameter("TOKEN_SIGNING_PRIVATE_KEY is required")
	}
	key, err := keys.ParseSigningKey([]byte(rawKey))
	if err != nil {
		return nil, trace.Wrap(err, "parsing TOKEN_SIGNING_PRIVATE_KEY")
	}
	cfg.SigningKey = key

	for _, v := range []struct {
		name string
		dst  *time.Duration
	}{
		{"PAIRING_SESSION_TTL_SECONDS", &cfg.PairingSessionTTL},
		{"REGISTRATION_TOKEN_TTL_SECONDS", &cfg.RegistrationTokenTTL},
		{"ACCESS_TOKEN_TTL_SECONDS", &cfg.AccessTokenTTL},
		{"DPOP_MAX_SKEW_SECONDS", &cfg.DPoPMaxSkew},
		{"DPOP_MAX_AGE_SECONDS", &cfg.DPoPMaxAge},
	} {
		raw := os.Getenv(v.name)
		if raw == "" {
			continue
		}
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, trace.BadParameter("%s must be a positive integer, got %q", v.name, raw)
		}
		*v.dst = time.Duration(seconds) * time.Second
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.SigningKey) == 0 {
		return trace.BadParameter("SigningKey is required")
	}
	if c.VerificationURI == "" {
		return trace.BadParameter("VerificationURI is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.IngestTopic == "" {
		c.IngestTopic = defaults.IngestTopic
	}
	if c.PairingSessionTTL == 0 {
		c.PairingSessionTTL = defaults.PairingSessionTTL
	}
	if c.RegistrationTokenTTL == 0 {
		c.RegistrationTokenTTL = defaults.RegistrationTokenTTL
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = defaults.AccessTokenTTL
	}
	if c.DPoPMaxSkew == 0 {
		c.DPoPMaxSkew = defaults.DPoPMaxSkew
	}
	if c.DPoPMaxAge == 0 {
		c.DPoPMaxAge = defaults.DPoPMaxAge
	}
	return nil
}
