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

package ingest_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/blob"
	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/dpop"
	"github.com/crowdpm/crowdpm/lib/dpop/dpoptest"
	"github.com/crowdpm/crowdpm/lib/eventbus"
	"github.com/crowdpm/crowdpm/lib/ingest"
	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/storage/memory"
	"github.com/crowdpm/crowdpm/lib/tokens"
)

const ingestURL = "https://api.crowdpm.dev/ingestGateway"

type gatewayEnv struct {
	clock    *clockwork.FakeClock
	gateway  *ingest.Gateway
	issuer   *tokens.Issuer
	registry *devices.Registry
	batches  *memory.BatchStore
	blobs    *blob.MemoryStore
	events   *eventbus.MemoryPublisher

	device    *devices.Record
	deviceKey *dpoptest.Signer
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.DiscardHandler)

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	issuer, err := tokens.NewIssuer(tokens.IssuerConfig{SigningKey: signingKey, Clock: clock})
	require.NoError(t, err)
	verifier, err := dpop.NewVerifier(dpop.VerifierConfig{
		Replay: dpop.NewMemoryReplayStore(clock),
		Clock:  clock,
	})
	require.NoError(t, err)
	registry, err := devices.NewRegistry(devices.RegistryConfig{
		Store:  memory.NewDeviceStore(),
		Clock:  clock,
		Logger: logger,
	})
	require.NoError(t, err)

	deviceKey, err := dpoptest.NewSigner(clock)
	require.NoError(t, err)
	thumbprint, err := deviceKey.Thumbprint()
	require.NoError(t, err)
	device, err := registry.Register(context.Background(), devices.RegisterParams{
		AccountID:           "acc1",
		Model:               "aer-one",
		Version:             "1.4.2",
		PublicKeyJWK:        deviceKey.JWK(),
		PublicKeyThumbprint: thumbprint,
		Fingerprint:         keys.Fingerprint(deviceKey.PublicKey()),
	})
	require.NoError(t, err)

	batches := memory.NewBatchStore()
	blobs := blob.NewMemoryStore()
	events := eventbus.NewMemoryPublisher()
	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Tokens:   issuer,
		Proofs:   verifier,
		Registry: registry,
		Batches:  batches,
		Blobs:    blobs,
		Events:   events,
		// The real clock keeps retry backoffs from stalling the test.
		Clock:  clockwork.NewRealClock(),
		Logger: logger,
	})
	require.NoError(t, err)

	return &gatewayEnv{
		clock:     clock,
		gateway:   gateway,
		issuer:    issuer,
		registry:  registry,
		batches:   batches,
		blobs:     blobs,
		events:    events,
		device:    device,
		deviceKey: deviceKey,
	}
}

func (e *gatewayEnv) accessToken(t *testing.T) string {
	t.Helper()
	thumbprint, err := e.deviceKey.Thumbprint()
	require.NoError(t, err)
	issued, err := e.issuer.IssueAccessToken(tokens.AccessTokenParams{
		DeviceID:               e.device.DeviceID,
		AccountID:              e.device.AccountID,
		ConfirmationThumbprint: thumbprint,
	})
	require.NoError(t, err)
	return issued.Token
}

func (e *gatewayEnv) batchJSON(t *testing.T, deviceID string) []byte {
	t.Helper()
	data, err := json.Marshal(ingest.Batch{
		DeviceID: deviceID,
		Points: []ingest.Point{{
			DeviceID:  deviceID,
			Pollutant: ingest.PollutantPM25,
			Value:     9.1,
			Unit:      ingest.UnitMicrogramsPerCubicMeter,
			Lat:       48.2,
			Lon:       16.37,
			Timestamp: e.clock.Now().UTC(),
		}},
	})
	require.NoError(t, err)
	return data
}

func (e *gatewayEnv) ingest(t *testing.T, body []byte, token string) (*ingest.IngestResult, error) {
	t.Helper()
	proof, err := e.deviceKey.Proof(dpoptest.ProofParams{
		Method: "POST",
		URL:    ingestURL,
		ATH:    dpop.ATH(token),
	})
	require.NoError(t, err)
	return e.gateway.Ingest(context.Background(), ingest.IngestParams{
		RawBytes:            body,
		AuthorizationHeader: "Bearer " + token,
		Proof:               proof,
		RequestURL:          ingestURL,
	})
}

func TestIngest(t *testing.T) {
	env := newGatewayEnv(t)
	body := env.batchJSON(t, env.device.DeviceID)

	result, err := env.ingest(t, body, env.accessToken(t))
	require.NoError(t, err)
	require.NotEmpty(t, result.BatchID)
	require.Equal(t, "ingest/"+env.device.DeviceID+"/"+result.BatchID+".json", result.StoragePath)
	require.Equal(t, devices.VisibilityPrivate, result.Visibility)
	require.Equal(t, 1, result.Count)

	// The sealed blob is the canonical form of the submitted batch.
	stored, ok := env.blobs.Get(result.StoragePath)
	require.True(t, ok)
	parsed, err := ingest.ParseBatch(body)
	require.NoError(t, err)
	canonical, err := parsed.Canonical()
	require.NoError(t, err)
	require.Equal(t, canonical, stored)

	// The pending record and the pipeline event are in place.
	record, ok := env.batches.GetBatchRecord(result.BatchID)
	require.True(t, ok)
	require.Equal(t, env.device.DeviceID, record.DeviceID)
	require.Equal(t, 1, record.Count)
	require.Nil(t, record.ProcessedAt)

	events := env.events.Events()
	require.Len(t, events, 1)
	require.Equal(t, result.BatchID, events[0].BatchID)
	require.Equal(t, result.StoragePath, events[0].Path)
	require.Equal(t, string(devices.VisibilityPrivate), events[0].Visibility)

	// Liveness was recorded.
	device, err := env.registry.Get(context.Background(), env.device.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, device.LastSeenAt)
}

func TestIngestRequestedVisibility(t *testing.T) {
	env := newGatewayEnv(t)
	token := env.accessToken(t)
	proof, err := env.deviceKey.Proof(dpoptest.ProofParams{
		Method: "POST",
		URL:    ingestURL,
		ATH:    dpop.ATH(token),
	})
	require.NoError(t, err)

	result, err := env.gateway.Ingest(context.Background(), ingest.IngestParams{
		RawBytes:            env.batchJSON(t, env.device.DeviceID),
		AuthorizationHeader: "Bearer " + token,
		Proof:               proof,
		RequestURL:          ingestURL,
		RequestedVisibility: "public",
	})
	require.NoError(t, err)
	require.Equal(t, devices.VisibilityPublic, result.Visibility)
}

func TestIngestRejectsMissingToken(t *testing.T) {
	env := newGatewayEnv(t)
	_, err := env.gateway.Ingest(context.Background(), ingest.IngestParams{
		RawBytes:   env.batchJSON(t, env.device.DeviceID),
		RequestURL: ingestURL,
	})
	require.True(t, errors.Is(err, apierrors.InvalidToken("")))
}

func TestIngestRejectsExpiredToken(t *testing.T) {
	env := newGatewayEnv(t)
	token := env.accessToken(t)
	env.clock.Advance(11 * time.Minute)
	_, err := env.ingest(t, env.batchJSON(t, env.device.DeviceID), token)
	require.True(t, errors.Is(err, apierrors.InvalidToken("")))
}

func TestIngestRejectsWrongATH(t *testing.T) {
	env := newGatewayEnv(t)
	token := env.accessToken(t)
	proof, err := env.deviceKey.Proof(dpoptest.ProofParams{
		Method: "POST",
		URL:    ingestURL,
		ATH:    dpop.ATH("a.stolen.token"),
	})
	require.NoError(t, err)

	_, err = env.gateway.Ingest(context.Background(), ingest.IngestParams{
		RawBytes:            env.batchJSON(t, env.device.DeviceID),
		AuthorizationHeader: "Bearer " + token,
		Proof:               proof,
		RequestURL:          ingestURL,
	})
	require.True(t, errors.Is(err, apierrors.InvalidAth()))
}

func TestIngestRejectsForeignProofKey(t *testing.T) {
	env := newGatewayEnv(t)
	token := env.accessToken(t)

	intruder, err := dpoptest.NewSigner(env.clock)
	require.NoError(t, err)
	proof, err := intruder.Proof(dpoptest.ProofParams{
		Method: "POST",
		URL:    ingestURL,
		ATH:    dpop.ATH(token),
	})
	require.NoError(t, err)

	_, err = env.gateway.Ingest(context.Background(), ingest.IngestParams{
		RawBytes:            env.batchJSON(t, env.device.DeviceID),
		AuthorizationHeader: "Bearer " + token,
		Proof:               proof,
		RequestURL:          ingestURL,
	})
	require.True(t, errors.Is(err, apierrors.InvalidProofBinding("")))
}

func TestIngestRejectsDeviceMismatch(t *testing.T) {
	env := newGatewayEnv(t)
	_, err := env.ingest(t, env.batchJSON(t, "dev_other"), env.accessToken(t))
	require.True(t, errors.Is(err, apierrors.DeviceMismatch("")))
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	env := newGatewayEnv(t)
	_, err := env.ingest(t, []byte(`{"device_id":"dev_1","points":[]}`), env.accessToken(t))
	require.True(t, errors.Is(err, apierrors.InvalidPayload("")))
}

func TestIngestRejectsNonActiveDevice(t *testing.T) {
	env := newGatewayEnv(t)
	token := env.accessToken(t)
	body := env.batchJSON(t, env.device.DeviceID)

	_, err := env.registry.Suspend(context.Background(), env.device.DeviceID)
	require.NoError(t, err)
	_, err = env.ingest(t, body, token)
	require.True(t, errors.Is(err, apierrors.DeviceForbidden("")))

	_, err = env.registry.Revoke(context.Background(), env.device.DeviceID, "acc1", "lost")
	require.NoError(t, err)
	_, err = env.ingest(t, body, token)
	require.True(t, errors.Is(err, apierrors.DeviceForbidden("")))
}

// A transient publish failure is retried; the batch is admitted once the
// event lands.
func TestIngestRetriesPublish(t *testing.T) {
	env := newGatewayEnv(t)
	env.events.FailNext = errors.New("transient broker failure")

	result, err := env.ingest(t, env.batchJSON(t, env.device.DeviceID), env.accessToken(t))
	require.NoError(t, err)
	require.Len(t, env.events.Events(), 1)

	// The blob and record were already sealed before the publish.
	_, ok := env.blobs.Get(result.StoragePath)
	require.True(t, ok)
}

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, eventbus.Event) error {
	return errors.New("broker unavailable")
}

// When the event can never be published the request fails, but the sealed
// blob and the pending record survive for out-of-band reconciliation.
func TestIngestPublishFailureKeepsBlob(t *testing.T) {
	env := newGatewayEnv(t)
	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Tokens:   env.issuer,
		Proofs:   newVerifierForEnv(t, env),
		Registry: env.registry,
		Batches:  env.batches,
		Blobs:    env.blobs,
		Events:   brokenPublisher{},
		Clock:    clockwork.NewRealClock(),
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	token := env.accessToken(t)
	proof, err := env.deviceKey.Proof(dpoptest.ProofParams{
		Method: "POST",
		URL:    ingestURL,
		ATH:    dpop.ATH(token),
	})
	require.NoError(t, err)

	_, err = gateway.Ingest(context.Background(), ingest.IngestParams{
		RawBytes:            env.batchJSON(t, env.device.DeviceID),
		AuthorizationHeader: "Bearer " + token,
		Proof:               proof,
		RequestURL:          ingestURL,
	})
	require.True(t, errors.Is(err, apierrors.InternalError("")))
	require.Equal(t, 1, env.blobs.Len())
}

func newVerifierForEnv(t *testing.T, env *gatewayEnv) *dpop.Verifier {
	t.Helper()
	verifier, err := dpop.NewVerifier(dpop.VerifierConfig{
		Replay: dpop.NewMemoryReplayStore(env.clock),
		Clock:  env.clock,
	})
	require.NoError(t, err)
	return verifier
}
