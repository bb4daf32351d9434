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

// Package service exposes the pairing, token and ingest components over
// HTTP and runs the background maintenance loops.
package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/defaults"
	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/dpop"
	"github.com/crowdpm/crowdpm/lib/httplib"
	"github.com/crowdpm/crowdpm/lib/ingest"
	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/limiter"
	"github.com/crowdpm/crowdpm/lib/pairing"
	"github.com/crowdpm/crowdpm/lib/tokens"
)

var budgetAccessDevice = limiter.Budget{
	Name:     "access_token.device",
	Capacity: defaults.AccessTokenPerDevice,
	Window:   defaults.RateWindow,
}

// APIServerConfig wires the HTTP surface.
type APIServerConfig struct {
	// Pairing drives the activation state machine.
	Pairing *pairing.Coordinator
	// Ingest admits measurement batches.
	Ingest *ingest.Gateway
	// Registry serves device lifecycle operations.
	Registry *devices.Registry
	// Tokens mints access tokens and verifies account sessions.
	Tokens *tokens.Issuer
	// Proofs verifies the access-token endpoint's DPoP proofs.
	Proofs *dpop.Verifier
	// Limiter enforces the access-token budget.
	Limiter limiter.RateLimiter

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *APIServerConfig) CheckAndSetDefaults() error {
	if c.Pairing == nil {
		return trace.BadParameter("Pairing coordinator is required")
	}
	if c.Ingest == nil {
		return trace.BadParameter("Ingest gateway is required")
	}
	if c.Registry == nil {
		return trace.BadParameter("Registry is required")
	}
	if c.Tokens == nil {
		return trace.BadParameter("Tokens issuer is required")
	}
	if c.Proofs == nil {
		return trace.BadParameter("Proofs verifier is required")
	}
	if c.Limiter == nil {
		c.Limiter = limiter.NewTokenBucketLimiter(c.Clock)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(crowdpm.ComponentKey, crowdpm.ComponentAPI)
	}
	return nil
}

// APIServer is the public HTTP surface of the trust service.
type APIServer struct {
	cfg      APIServerConfig
	router   *httprouter.Router
	accounts *AccountSessionVerifier
	metrics  *metrics
}

// NewAPIServer builds the router and returns the server.
func NewAPIServer(cfg APIServerConfig) (*APIServer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	accounts, err := NewAccountSessionVerifier(cfg.Tokens)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m, err := newMetrics()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &APIServer{
		cfg:      cfg,
		router:   httprouter.New(),
		accounts: accounts,
		metrics:  m,
	}
	s.bind()
	return s, nil
}

func (s *APIServer) bind() {
	route := func(method, path string, timeout time.Duration, fn httplib.HandlerFunc) {
		s.router.Handle(method, path,
			s.metrics.instrument(method+" "+path,
				httplib.MakeHandler(httplib.WithTimeout(timeout, fn))))
	}

	// Device-facing endpoints. Devices are flashed against these exact
	// paths, so they are unversioned; only the human and admin surfaces
	// carry the /v1 prefix.
	route("POST", "/device/start", defaults.RequestTimeout, s.handleDeviceStart)
	route("POST", "/device/token", defaults.PollRequestTimeout, s.handleDevicePoll)
	route("POST", "/device/register", defaults.RequestTimeout, s.handleDeviceRegister)
	route("POST", "/device/access-token", defaults.RequestTimeout, s.handleAccessToken)
	route("POST", "/ingestGateway", defaults.IngestRequestTimeout, s.handleIngest)

	// Human activation endpoints.
	route("GET", "/v1/device-activation", defaults.RequestTimeout, s.handleActivationView)
	route("POST", "/v1/device-activation/authorize", defaults.RequestTimeout, s.handleActivationAuthorize)

	// Device administration.
	route("GET", "/v1/devices/:device_id", defaults.RequestTimeout, s.handleDeviceGet)
	route("POST", "/v1/devices/:device_id/revoke", defaults.RequestTimeout, s.handleDeviceRevoke)
	route("POST", "/v1/devices/:device_id/suspend", defaults.RequestTimeout, s.handleDeviceSuspend)
	route("POST", "/v1/devices/:device_id/resume", defaults.RequestTimeout, s.handleDeviceResume)

	s.router.Handler("GET", "/metrics", s.metrics.handler())
	s.router.HandlerFunc("GET", "/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httplib.ReplyJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ServeHTTP implements http.Handler.
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves HTTP on addr and drives the session garbage collector until
// ctx is canceled.
func (s *APIServer) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: defaults.RequestTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	go s.runSessionGC(ctx)

	s.cfg.Logger.InfoContext(ctx, "listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.RequestTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	case err := <-errCh:
		return trace.Wrap(err)
	}
}

// runSessionGC deletes long-expired pairing sessions on a fixed cadence.
func (s *APIServer) runSessionGC(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(defaults.SessionGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		n, err := s.cfg.Pairing.DeleteExpired(ctx)
		if err != nil {
			s.cfg.Logger.WarnContext(ctx, "session garbage collection failed", "error", err)
			continue
		}
		if n > 0 {
			s.metrics.sessionsExpired.Add(float64(n))
			s.cfg.Logger.InfoContext(ctx, "collected expired pairing sessions", "count", n)
		}
	}
}

type deviceStartRequest struct {
	PublicKey string `json:"pub_ke"`
	Model     string `json:"model"`
	Version   string `json:"version"`
	Nonce     string `json:"nonce,omitempty"`
}

func (s *APIServer) handleDeviceStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req deviceStartRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Pairing.Start(r.Context(), pairing.StartParams{
		PublicKey:    req.PublicKey,
		Model:        req.Model,
		Version:      req.Version,
		Nonce:        req.Nonce,
		RequesterIP:  httplib.ClientAddr(r),
		RequesterASN: r.Header.Get("X-Client-ASN"),
	})
	return result, trace.Wrap(err)
}

type devicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

func (s *APIServer) handleDevicePoll(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req devicePollRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Pairing.Poll(r.Context(), pairing.PollParams{
		DeviceCode: req.DeviceCode,
		Proof:      r.Header.Get("DPoP"),
		RequestURL: httplib.OriginalURL(r),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.metrics.tokensIssued.WithLabelValues(tokens.KindRegistration).Inc()
	return result, nil
}

type deviceRegisterRequest struct {
	RegistrationToken string   `json:"registration_token"`
	PublicKeyJWK      keys.JWK `json:"jwk_pub_kl"`
}

func (s *APIServer) handleDeviceRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req deviceRegisterRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Pairing.Redeem(r.Context(), pairing.RedeemParams{
		RegistrationToken: req.RegistrationToken,
		Proof:             r.Header.Get("DPoP"),
		RequestURL:        httplib.OriginalURL(r),
		PublicKeyJWK:      req.PublicKeyJWK,
	})
	return result, trace.Wrap(err)
}

type accessTokenRequest struct {
	DeviceID string `json:"device_id"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	DeviceID    string `json:"device_id"`
	Scope       string `json:"scope"`
}

// handleAccessToken exchanges a proof of the long-term key for a short
// DPoP-bound access token.
func (s *APIServer) handleAccessToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req accessTokenRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.DeviceID == "" {
		return nil, trace.Wrap(apierrors.InvalidRequest("device_id is required"))
	}
	if ok, retryAfter := s.cfg.Limiter.Consume(budgetAccessDevice, req.DeviceID); !ok {
		return nil, trace.Wrap(apierrors.RateLimited(int(retryAfter.Seconds()) + 1))
	}

	device, err := s.cfg.Registry.Get(r.Context(), req.DeviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(apierrors.DeviceForbidden("unknown device"))
		}
		return nil, trace.Wrap(err)
	}
	if !device.Admissible() {
		return nil, trace.Wrap(apierrors.DeviceForbidden("device is %s", device.Status))
	}

	if _, err := s.cfg.Proofs.Verify(r.Context(), r.Header.Get("DPoP"), dpop.VerifyParams{
		Method:             "POST",
		URL:                httplib.OriginalURL(r),
		ExpectedThumbprint: device.PublicKeyThumbprint,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	issued, err := s.cfg.Tokens.IssueAccessToken(tokens.AccessTokenParams{
		DeviceID:               device.DeviceID,
		AccountID:              device.AccountID,
		ConfirmationThumbprint: device.PublicKeyThumbprint,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.metrics.tokensIssued.WithLabelValues(tokens.KindAccess).Inc()
	s.cfg.Registry.TouchLastSeen(r.Context(), device.DeviceID, s.cfg.Clock.Now())
	return &accessTokenResponse{
		AccessToken: issued.Token,
		TokenType:   "DPoP",
		ExpiresIn:   int(issued.ExpiresIn.Seconds()),
		DeviceID:    device.DeviceID,
		Scope:       crowdpm.ScopeIngestWrite,
	}, nil
}

// acceptedBatch replies 202: the batch is admitted and sealed, but not yet
// processed downstream.
type acceptedBatch struct {
	*ingest.IngestResult
}

func (acceptedBatch) HTTPStatus() int { return http.StatusAccepted }

func (s *APIServer) handleIngest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaults.MaxIngestBodyBytes))
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidPayload("batch exceeds the size limit"))
	}
	result, err := s.cfg.Ingest.Ingest(r.Context(), ingest.IngestParams{
		RawBytes:            body,
		AuthorizationHeader: r.Header.Get("Authorization"),
		Proof:               r.Header.Get("DPoP"),
		RequestURL:          httplib.OriginalURL(r),
		RequestedVisibility: r.Header.Get("X-Batch-Visibility"),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.metrics.batchesAdmitted.Inc()
	s.metrics.pointsAdmitted.Add(float64(result.Count))
	s.metrics.batchBytes.Observe(float64(len(body)))
	return acceptedBatch{result}, nil
}

func (s *APIServer) handleActivationView(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if _, err := s.accounts.Authenticate(r); err != nil {
		return nil, trace.Wrap(err)
	}
	view, err := s.cfg.Pairing.GetSessionView(r.Context(), r.URL.Query().Get("user_code"))
	return view, trace.Wrap(err)
}

type activationAuthorizeRequest struct {
	UserCode string `json:"user_code"`
}

func (s *APIServer) handleActivationAuthorize(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	account, err := s.accounts.Authenticate(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req activationAuthorizeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	view, err := s.cfg.Pairing.Approve(r.Context(), pairing.ApproveParams{
		UserCode:  req.UserCode,
		AccountID: account.AccountID,
		AuthTime:  account.AuthTime,
	})
	return view, trace.Wrap(err)
}

// ownedDevice loads a device and verifies the caller owns it.
func (s *APIServer) ownedDevice(r *http.Request, p httprouter.Params) (*devices.Record, *AccountSession, error) {
	account, err := s.accounts.Authenticate(r)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	device, err := s.cfg.Registry.Get(r.Context(), p.ByName("device_id"))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil, trace.Wrap(apierrors.NotFound("unknown device"))
		}
		return nil, nil, trace.Wrap(err)
	}
	if device.AccountID != account.AccountID {
		return nil, nil, trace.Wrap(apierrors.Forbidden("device belongs to another account"))
	}
	return device, account, nil
}

func (s *APIServer) handleDeviceGet(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	device, _, err := s.ownedDevice(r, p)
	return device, trace.Wrap(err)
}

type deviceRevokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *APIServer) handleDeviceRevoke(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	_, account, err := s.ownedDevice(r, p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req deviceRevokeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := s.cfg.Registry.Revoke(r.Context(), p.ByName("device_id"), account.AccountID, req.Reason)
	return record, trace.Wrap(err)
}

func (s *APIServer) handleDeviceSuspend(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if _, _, err := s.ownedDevice(r, p); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := s.cfg.Registry.Suspend(r.Context(), p.ByName("device_id"))
	return record, trace.Wrap(err)
}

func (s *APIServer) handleDeviceResume(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if _, _, err := s.ownedDevice(r, p); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := s.cfg.Registry.Resume(r.Context(), p.ByName("device_id"))
	return record, trace.Wrap(err)
}
