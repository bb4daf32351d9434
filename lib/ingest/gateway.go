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

package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/blob"
	"github.com/crowdpm/crowdpm/lib/defaults"
	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/dpop"
	"github.com/crowdpm/crowdpm/lib/eventbus"
	"github.com/crowdpm/crowdpm/lib/tokens"
	"github.com/crowdpm/crowdpm/lib/utils"
)

// BatchRecord is the pending-batch row written per admission; the
// processing worker sets ProcessedAt when normalization completes.
type BatchRecord struct {
	BatchID     string             `json:"batch_id" firestore:"batch_id"`
	DeviceID    string             `json:"device_id" firestore:"device_id"`
	StoragePath string             `json:"storage_path" firestore:"storage_path"`
	Count       int                `json:"count" firestore:"count"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty" firestore:"processed_at,omitempty"`
	Visibility  devices.Visibility `json:"visibility" firestore:"visibility"`
	CreatedAt   time.Time          `json:"created_at" firestore:"created_at"`
}

// BatchStore persists batch records under their device.
type BatchStore interface {
	CreateBatchRecord(ctx context.Context, record BatchRecord) error
}

// VisibilityPolicy decides the batch visibility at admission time.
type VisibilityPolicy interface {
	// Resolve picks the effective visibility given the device record and
	// the visibility the request declared, which may be empty or invalid.
	Resolve(ctx context.Context, device *devices.Record, requested devices.Visibility) devices.Visibility
}

// OwnerVisibilityPolicy grants any valid declared visibility: every device
// owner may publish their own batches. Falls back to the device default,
// then private.
type OwnerVisibilityPolicy struct{}

// Resolve implements VisibilityPolicy.
func (OwnerVisibilityPolicy) Resolve(_ context.Context, device *devices.Record, requested devices.Visibility) devices.Visibility {
	if requested.Valid() {
		return requested
	}
	if device.DefaultVisibility.Valid() {
		return device.DefaultVisibility
	}
	return devices.VisibilityPrivate
}

// GatewayConfig wires the ingest gateway's collaborators.
type GatewayConfig struct {
	// Tokens verifies access tokens.
	Tokens *tokens.Issuer
	// Proofs verifies the request's DPoP proof.
	Proofs *dpop.Verifier
	// Registry resolves device status.
	Registry *devices.Registry
	// Batches persists pending batch records.
	Batches BatchStore
	// Blobs seals raw payloads.
	Blobs blob.Store
	// Events announces admitted batches.
	Events eventbus.Publisher
	// Policy resolves batch visibility; defaults to OwnerVisibilityPolicy.
	Policy VisibilityPolicy

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *GatewayConfig) CheckAndSetDefaults() error {
	if c.Tokens == nil {
		return trace.BadParameter("Tokens issuer is required")
	}
	if c.Proofs == nil {
		return trace.BadParameter("Proofs verifier is required")
	}
	if c.Registry == nil {
		return trace.BadParameter("Registry is required")
	}
	if c.Batches == nil {
		return trace.BadParameter("Batches store is required")
	}
	if c.Blobs == nil {
		return trace.BadParameter("Blobs store is required")
	}
	if c.Events == nil {
		return trace.BadParameter("Events publisher is required")
	}
	if c.Policy == nil {
		c.Policy = OwnerVisibilityPolicy{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(crowdpm.ComponentKey, crowdpm.ComponentIngest)
	}
	return nil
}

// Gateway is the authenticated entry point for measurement batches.
type Gateway struct {
	cfg GatewayConfig
}

// NewGateway returns an ingest gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Gateway{cfg: cfg}, nil
}

// IngestParams is one batch submission.
type IngestParams struct {
	// RawBytes is the request body.
	RawBytes []byte
	// AuthorizationHeader is the raw Authorization header value.
	AuthorizationHeader string
	// Proof is the DPoP header value.
	Proof string
	// RequestURL is the full URL the proof must attest to.
	RequestURL string
	// RequestedVisibility is the declared batch visibility, if any.
	RequestedVisibility string
}

// IngestResult is the wire response of an admitted batch.
type IngestResult struct {
	BatchID     string             `json:"batch_id"`
	StoragePath string             `json:"storage_path"`
	Visibility  devices.Visibility `json:"visibility"`
	Count       int                `json:"count"`
}

// Ingest admits one batch. The blob write, the batch record and the event
// publish are not two-phase: on a late failure the sealed blob and record
// survive and an out-of-band scan reconciles, so the pipeline contract is
// at-least-once and the worker deduplicates on batch_id.
func (g *Gateway) Ingest(ctx context.Context, p IngestParams) (*IngestResult, error) {
	// Step 1: access token.
	accessToken, ok := parseBearer(p.AuthorizationHeader)
	if !ok {
		return nil, trace.Wrap(apierrors.InvalidToken("missing bearer token"))
	}
	claims, err := g.cfg.Tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Step 2: proof of possession, bound to this token.
	if _, err := g.cfg.Proofs.Verify(ctx, p.Proof, dpop.VerifyParams{
		Method:             "POST",
		URL:                p.RequestURL,
		ExpectedThumbprint: claims.Confirmation.JKT,
		RequiredATH:        dpop.ATH(accessToken),
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	// Step 3: device status.
	device, err := g.cfg.Registry.Get(ctx, claims.DeviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(apierrors.DeviceForbidden("unknown device"))
		}
		return nil, trace.Wrap(err)
	}
	if !device.Admissible() {
		return nil, trace.Wrap(apierrors.DeviceForbidden("device is %s", device.Status))
	}

	// Step 4: payload.
	batch, err := ParseBatch(p.RawBytes)
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidPayload("%s", trace.UserMessage(err)))
	}
	if batch.DeviceID != claims.DeviceID {
		return nil, trace.Wrap(apierrors.DeviceMismatch("batch device_id does not match token"))
	}
	for i := range batch.Points {
		if batch.Points[i].DeviceID != claims.DeviceID {
			return nil, trace.Wrap(apierrors.DeviceMismatch("point %d device_id does not match token", i))
		}
	}

	// Step 5: canonical form and identity.
	canonical, err := batch.Canonical()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	batchID := uuid.NewString()
	storagePath := "ingest/" + device.DeviceID + "/" + batchID + ".json"

	// Step 6: seal the blob.
	if err := utils.RetryWithBackoff(ctx, g.cfg.Clock, utils.TransientRetryDelays, func() error {
		return g.cfg.Blobs.Put(ctx, storagePath, "application/json", canonical)
	}); err != nil {
		g.cfg.Logger.ErrorContext(ctx, "blob write failed",
			"device_id", device.DeviceID, "batch_id", batchID, "error", err)
		return nil, trace.Wrap(apierrors.StorageError("failed to store batch"))
	}

	// Step 7: visibility.
	visibility := g.cfg.Policy.Resolve(ctx, device, devices.Visibility(p.RequestedVisibility))

	// Step 8: pending record.
	record := BatchRecord{
		BatchID:     batchID,
		DeviceID:    device.DeviceID,
		StoragePath: storagePath,
		Count:       len(batch.Points),
		Visibility:  visibility,
		CreatedAt:   g.cfg.Clock.Now().UTC(),
	}
	if err := g.cfg.Batches.CreateBatchRecord(ctx, record); err != nil {
		g.cfg.Logger.ErrorContext(ctx, "batch record write failed",
			"device_id", device.DeviceID, "batch_id", batchID, "error", err)
		return nil, trace.Wrap(apierrors.InternalError("failed to record batch"))
	}

	// Step 9: announce. If the request died after the blob write, finish
	// the publish on a short detached tail instead of dropping it.
	if err := g.publish(ctx, eventbus.Event{
		DeviceID:   device.DeviceID,
		BatchID:    batchID,
		Path:       storagePath,
		Visibility: string(visibility),
	}); err != nil {
		g.cfg.Logger.ErrorContext(ctx, "batch event publish failed",
			"device_id", device.DeviceID, "batch_id", batchID, "error", err)
		return nil, trace.Wrap(apierrors.InternalError("failed to announce batch"))
	}

	// Step 10: best-effort liveness.
	g.cfg.Registry.TouchLastSeen(ctx, device.DeviceID, g.cfg.Clock.Now())

	g.cfg.Logger.InfoContext(ctx, "admitted batch",
		"device_id", device.DeviceID,
		"batch_id", batchID,
		"count", record.Count,
		"visibility", visibility,
	)
	return &IngestResult{
		BatchID:     batchID,
		StoragePath: storagePath,
		Visibility:  visibility,
		Count:       record.Count,
	}, nil
}

func (g *Gateway) publish(ctx context.Context, event eventbus.Event) error {
	err := utils.RetryWithBackoff(ctx, g.cfg.Clock, utils.TransientRetryDelays, func() error {
		return g.cfg.Events.Publish(ctx, event)
	})
	if err == nil || ctx.Err() == nil {
		return trace.Wrap(err)
	}
	tail, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.PublishTail)
	defer cancel()
	return trace.Wrap(g.cfg.Events.Publish(tail, event))
}

func parseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
