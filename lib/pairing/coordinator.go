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

package pairing

import (
	"context"
	"log/slog"
	"math"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/apierrors"
	"github.com/crowdpm/crowdpm/lib/defaults"
	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/dpop"
	"github.com/crowdpm/crowdpm/lib/keys"
	"github.com/crowdpm/crowdpm/lib/limiter"
	"github.com/crowdpm/crowdpm/lib/tokens"
	"github.com/crowdpm/crowdpm/lib/utils"
)

// Rate budgets of the pairing endpoints, declared as data.
var (
	budgetStartIP      = limiter.Budget{Name: "start.ip", Capacity: defaults.StartPerIP, Window: defaults.RateWindow}
	budgetStartASN     = limiter.Budget{Name: "start.asn", Capacity: defaults.StartPerASN, Window: defaults.RateWindow}
	budgetStartModel   = limiter.Budget{Name: "start.model", Capacity: defaults.StartPerModel, Window: defaults.RateWindow}
	budgetStartGlobal  = limiter.Budget{Name: "start.global", Capacity: defaults.StartGlobal, Window: defaults.RateWindow}
	budgetPollCode     = limiter.Budget{Name: "poll.device_code", Capacity: defaults.PollPerDeviceCode, Window: defaults.RateWindow}
	budgetPollGlobal   = limiter.Budget{Name: "poll.global", Capacity: defaults.PollGlobal, Window: defaults.RateWindow}
	budgetRedeemCode   = limiter.Budget{Name: "redeem.device_code", Capacity: defaults.RedeemPerDeviceCode, Window: defaults.RateWindow}
	budgetRedeemAcc    = limiter.Budget{Name: "redeem.account", Capacity: defaults.RedeemPerAccount, Window: defaults.RateWindow}
	budgetRedeemGlobal = limiter.Budget{Name: "redeem.global", Capacity: defaults.RedeemGlobal, Window: defaults.RateWindow}
)

// CoordinatorConfig wires the pairing coordinator's collaborators.
type CoordinatorConfig struct {
	// Sessions is the pairing session store.
	Sessions Store
	// Registry creates device records on redemption.
	Registry *devices.Registry
	// Tokens mints and verifies registration tokens.
	Tokens *tokens.Issuer
	// Proofs verifies polling and redemption DPoP proofs.
	Proofs *dpop.Verifier
	// Limiter enforces the endpoint budgets.
	Limiter limiter.RateLimiter

	Clock  clockwork.Clock
	Logger *slog.Logger

	// VerificationURI is the page the human is told to visit.
	VerificationURI string
	// SessionTTL overrides the pairing session lifetime.
	SessionTTL time.Duration
	// PollInterval overrides the initial polling cadence.
	PollInterval time.Duration
	// PollIntervalMax caps slow_down growth.
	PollIntervalMax time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CoordinatorConfig) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("Sessions store is required")
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
		c.Logger = slog.With(crowdpm.ComponentKey, crowdpm.ComponentPairing)
	}
	if c.VerificationURI == "" {
		return trace.BadParameter("VerificationURI is required")
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.PairingSessionTTL
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollIntervalMax == 0 {
		c.PollIntervalMax = defaults.PollIntervalMax
	}
	return nil
}

// Coordinator implements the pairing state machine on top of the
// session store, the proof verifier, the token issuer and the device
// registry.
type Coordinator struct {
	cfg CoordinatorConfig
}

// NewCoordinator returns a pairing coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// StartParams is the device's opening request.
type StartParams struct {
	// PublicKey is the base64url raw Ed25519 ephemeral pairing key.
	PublicKey string
	Model     string
	Version   string
	Nonce     string
	// RequesterIP is the client address as seen by the HTTP layer.
	RequesterIP string
	// RequesterASN is the provider's autonomous-system hint, if any.
	RequesterASN string
}

// StartResult is the wire response of /device/start.
type StartResult struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	PollInterval            int    `json:"poll_interval"`
	ExpiresIn               int    `json:"expires_in"`
}

// Start opens a pairing session for an unknown device.
func (c *Coordinator) Start(ctx context.Context, p StartParams) (*StartResult, error) {
	for _, check := range []struct {
		budget limiter.Budget
		key    string
	}{
		{budgetStartIP, p.RequesterIP},
		{budgetStartASN, p.RequesterASN},
		{budgetStartModel, p.Model},
		{budgetStartGlobal, "all"},
	} {
		if err := c.consume(check.budget, check.key); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	publicKey, err := keys.ParsePublicKeyBase64(p.PublicKey)
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidRequest("invalid pairing key: %v", err))
	}
	if p.Model == "" || p.Version == "" {
		return nil, trace.Wrap(apierrors.InvalidRequest("model and version are required"))
	}
	thumbprint, err := keys.Thumbprint(publicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	deviceCode, err := utils.CryptoRandomHex(16)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := c.cfg.Clock.Now().UTC()
	session := Session{
		DeviceCode:           deviceCode,
		PairingKeyThumbprint: thumbprint,
		Fingerprint:          keys.Fingerprint(publicKey),
		Model:                p.Model,
		Version:              p.Version,
		Nonce:                p.Nonce,
		RequesterIP:          CoarsenIP(p.RequesterIP),
		RequesterASN:         p.RequesterASN,
		Status:               StatusPending,
		PollInterval:         c.cfg.PollInterval,
		ExpiresAt:            now.Add(c.cfg.SessionTTL),
		CreatedAt:            now,
	}

	// User codes are short; collisions with live sessions happen. Retry
	// with fresh codes before giving up.
	for attempt := 0; attempt < defaults.UserCodeInsertRetries; attempt++ {
		session.UserCode, err = NewUserCode()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		err = c.cfg.Sessions.CreateSession(ctx, session)
		if err == nil {
			c.cfg.Logger.InfoContext(ctx, "opened pairing session",
				"device_code", deviceCode,
				"model", p.Model,
				"requester_ip", session.RequesterIP,
			)
			return &StartResult{
				DeviceCode:              session.DeviceCode,
				UserCode:                session.UserCode,
				VerificationURI:         c.cfg.VerificationURI,
				VerificationURIComplete: c.cfg.VerificationURI + "?user_code=" + url.QueryEscape(session.UserCode),
				PollInterval:            int(session.PollInterval.Seconds()),
				ExpiresIn:               int(c.cfg.SessionTTL.Seconds()),
			}, nil
		}
		if !trace.IsAlreadyExists(err) {
			return nil, trace.Wrap(err)
		}
	}
	return nil, trace.Wrap(apierrors.InternalError("could not allocate a user code"))
}

// PollParams is one /device/token attempt.
type PollParams struct {
	DeviceCode string
	// Proof is the DPoP header value, signed by the ephemeral pairing
	// key.
	Proof string
	// RequestURL is the full URL the proof must attest to.
	RequestURL string
}

// PollResult carries a freshly minted registration token.
type PollResult struct {
	RegistrationToken string `json:"registration_token"`
	ExpiresIn         int    `json:"expires_in"`
}

// Poll drives the device side of the state machine: it reports pending
// authorization, enforces cadence, expires overdue sessions, and converts an
// approved session into a registration token.
func (c *Coordinator) Poll(ctx context.Context, p PollParams) (*PollResult, error) {
	if err := c.consume(budgetPollCode, p.DeviceCode); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.consume(budgetPollGlobal, "all"); err != nil {
		return nil, trace.Wrap(err)
	}

	session, err := c.cfg.Sessions.GetSessionByDeviceCode(ctx, p.DeviceCode)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(apierrors.ExpiredToken("unknown or expired device code"))
		}
		return nil, trace.Wrap(err)
	}

	now := c.cfg.Clock.Now().UTC()
	if !now.Before(session.ExpiresAt) {
		if !session.Status.Terminal() {
			if _, err := c.cfg.Sessions.UpdateSession(ctx, session.DeviceCode, func(s Session) (Session, error) {
				if !s.Status.Terminal() {
					s.Status = StatusExpired
				}
				return s, nil
			}); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		return nil, trace.Wrap(apierrors.ExpiredToken("pairing session expired"))
	}

	if _, err := c.cfg.Proofs.Verify(ctx, p.Proof, dpop.VerifyParams{
		Method:             "POST",
		URL:                p.RequestURL,
		ExpectedThumbprint: session.PairingKeyThumbprint,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	// Cadence. The mutator either counts this poll or grows the interval;
	// concurrent polls are serialized by the store's per-session
	// transaction, so the loser observes the winner's LastPollAt.
	updated, err := c.cfg.Sessions.UpdateSession(ctx, session.DeviceCode, func(s Session) (Session, error) {
		if s.LastPollAt != nil && now.Sub(*s.LastPollAt) < s.PollInterval {
			s.PollInterval = min(2*s.PollInterval, c.cfg.PollIntervalMax)
			return s, nil
		}
		polled := now
		s.LastPollAt = &polled
		return s, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if updated.LastPollAt == nil || !updated.LastPollAt.Equal(now) {
		return nil, trace.Wrap(apierrors.SlowDown(int(updated.PollInterval.Seconds())))
	}

	switch updated.Status {
	case StatusRedeemed:
		return nil, trace.Wrap(apierrors.ExpiredToken("pairing session already redeemed"))
	case StatusPending:
		return nil, trace.Wrap(apierrors.AuthorizationPending())
	case StatusAuthorized:
	default:
		return nil, trace.Wrap(apierrors.ExpiredToken("pairing session expired"))
	}

	issued, err := c.cfg.Tokens.IssueRegistrationToken(tokens.RegistrationTokenParams{
		DeviceCode:             updated.DeviceCode,
		AccountID:              updated.AccountID,
		SessionID:              updated.DeviceCode,
		ConfirmationThumbprint: updated.PairingKeyThumbprint,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := c.cfg.Sessions.UpdateSession(ctx, updated.DeviceCode, func(s Session) (Session, error) {
		if s.Status != StatusAuthorized {
			return s, trace.Wrap(apierrors.ExpiredToken("pairing session no longer authorized"))
		}
		s.RegistrationTokenJTI = issued.JTI
		s.RegistrationTokenExpiresAt = issued.ExpiresAt
		return s, nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	c.cfg.Logger.InfoContext(ctx, "issued registration token",
		"device_code", updated.DeviceCode, "acc_id", updated.AccountID)
	return &PollResult{
		RegistrationToken: issued.Token,
		ExpiresIn:         int(issued.ExpiresIn.Seconds()),
	}, nil
}

// SessionView is what the approval page sees.
type SessionView struct {
	UserCode     string    `json:"user_code"`
	Model        string    `json:"model"`
	Version      string    `json:"version"`
	Fingerprint  string    `json:"fingerprint"`
	RequesterIP  string    `json:"requester_ip"`
	RequesterASN string    `json:"requester_asn,omitempty"`
	Status       Status    `json:"status"`
	PollInterval int       `json:"poll_interval"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func newSessionView(s *Session) *SessionView {
	return &SessionView{
		UserCode:     s.UserCode,
		Model:        s.Model,
		Version:      s.Version,
		Fingerprint:  s.Fingerprint,
		RequesterIP:  s.RequesterIP,
		RequesterASN: s.RequesterASN,
		Status:       s.Status,
		PollInterval: int(s.PollInterval.Seconds()),
		ExpiresAt:    s.ExpiresAt,
	}
}

// GetSessionView resolves a user code for display on the approval page. The
// checksum is validated before any lookup.
func (c *Coordinator) GetSessionView(ctx context.Context, userCode string) (*SessionView, error) {
	canonical, err := ValidateUserCode(userCode)
	if err != nil {
		return nil, trace.Wrap(apierrors.NotFound("unknown user code"))
	}
	session, err := c.cfg.Sessions.GetSessionByUserCode(ctx, canonical)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(apierrors.NotFound("unknown user code"))
		}
		return nil, trace.Wrap(err)
	}
	return newSessionView(session), nil
}

// ApproveParams carries the authenticated human's decision. The HTTP layer
// presents only verified accounts; AuthTime is the session's authentication
// time used for the freshness requirement.
type ApproveParams struct {
	UserCode  string
	AccountID string
	AuthTime  time.Time
}

// Approve authorizes a pending session for the given account.
func (c *Coordinator) Approve(ctx context.Context, p ApproveParams) (*SessionView, error) {
	canonical, err := ValidateUserCode(p.UserCode)
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidRequest("malformed user code"))
	}
	if p.AccountID == "" {
		return nil, trace.Wrap(apierrors.Forbidden("authentication required"))
	}
	now := c.cfg.Clock.Now().UTC()
	if p.AuthTime.IsZero() || now.Sub(p.AuthTime) > defaults.ApprovalMFAFreshness {
		return nil, trace.Wrap(apierrors.Forbidden("reauthentication required"))
	}

	session, err := c.cfg.Sessions.GetSessionByUserCode(ctx, canonical)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(apierrors.NotFound("unknown user code"))
		}
		return nil, trace.Wrap(err)
	}

	updated, err := c.cfg.Sessions.UpdateSession(ctx, session.DeviceCode, func(s Session) (Session, error) {
		if !now.Before(s.ExpiresAt) || s.Status == StatusExpired {
			return s, trace.Wrap(apierrors.ExpiredToken("pairing session expired"))
		}
		if s.Status == StatusRedeemed {
			return s, trace.Wrap(apierrors.ExpiredToken("pairing session already redeemed"))
		}
		if s.AccountID != "" && s.AccountID != p.AccountID {
			return s, trace.Wrap(apierrors.Forbidden("session already bound to another account"))
		}
		s.Status = StatusAuthorized
		s.AccountID = p.AccountID
		return s, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c.cfg.Logger.InfoContext(ctx, "approved pairing session",
		"device_code", updated.DeviceCode, "acc_id", p.AccountID)
	return newSessionView(updated), nil
}

// RedeemParams is the /device/register request.
type RedeemParams struct {
	// RegistrationToken is the bearer token from polling.
	RegistrationToken string
	// Proof is the DPoP header, signed by the same ephemeral pairing key
	// that drove polling. A proof signed by the long-term key is
	// rejected: a compromised long-term key must not be able to redeem a
	// stolen registration token.
	Proof string
	// RequestURL is the full URL the proof must attest to.
	RequestURL string
	// PublicKeyJWK is the device's long-term key.
	PublicKeyJWK keys.JWK
}

// RedeemResult is the wire response of /device/register.
type RedeemResult struct {
	DeviceID     string   `json:"device_id"`
	PublicKeyJWK keys.JWK `json:"jwk_pub_kl"`
	IssuedAt     int64    `json:"issued_at"`
}

// Redeem consumes a registration token exactly once, creating the device
// record and terminating the session.
func (c *Coordinator) Redeem(ctx context.Context, p RedeemParams) (*RedeemResult, error) {
	claims, err := c.cfg.Tokens.VerifyRegistrationToken(p.RegistrationToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	for _, check := range []struct {
		budget limiter.Budget
		key    string
	}{
		{budgetRedeemCode, claims.DeviceCode},
		{budgetRedeemAcc, claims.AccountID},
		{budgetRedeemGlobal, "all"},
	} {
		if err := c.consume(check.budget, check.key); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if _, err := c.cfg.Proofs.Verify(ctx, p.Proof, dpop.VerifyParams{
		Method:             "POST",
		URL:                p.RequestURL,
		ExpectedThumbprint: claims.Confirmation.JKT,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	longTermThumbprint, err := p.PublicKeyJWK.Thumbprint()
	if err != nil {
		return nil, trace.Wrap(apierrors.InvalidRequest("invalid long-term key: %v", err))
	}

	now := c.cfg.Clock.Now().UTC()
	jti := claims.Claims.ID

	// Claim the registration token: flip the session to redeemed first so
	// the jti is consumed at most once even under concurrent redeems.
	session, err := c.cfg.Sessions.UpdateSession(ctx, claims.DeviceCode, func(s Session) (Session, error) {
		if s.Status != StatusAuthorized {
			return s, trace.Wrap(apierrors.ExpiredToken("pairing session is not redeemable"))
		}
		if s.AccountID != claims.AccountID {
			return s, trace.Wrap(apierrors.Forbidden("registration token account mismatch"))
		}
		if s.RegistrationTokenJTI == "" || s.RegistrationTokenJTI != jti {
			return s, trace.Wrap(apierrors.InvalidToken("registration token superseded"))
		}
		if !now.Before(s.RegistrationTokenExpiresAt) {
			return s, trace.Wrap(apierrors.ExpiredToken("registration token expired"))
		}
		s.Status = StatusRedeemed
		return s, nil
	})
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.Wrap(apierrors.ExpiredToken("unknown or expired device code"))
		}
		return nil, trace.Wrap(err)
	}

	record, err := c.cfg.Registry.Register(ctx, devices.RegisterParams{
		AccountID:            session.AccountID,
		Model:                session.Model,
		Version:              session.Version,
		PublicKeyJWK:         p.PublicKeyJWK,
		PublicKeyThumbprint:  longTermThumbprint,
		PairingKeyThumbprint: session.PairingKeyThumbprint,
		PairingDeviceCode:    session.DeviceCode,
		Fingerprint:          session.Fingerprint,
	})
	if err != nil {
		// Roll the claim back so another poll can mint a new token; no
		// device exists if registration failed.
		if _, rollbackErr := c.cfg.Sessions.UpdateSession(ctx, session.DeviceCode, func(s Session) (Session, error) {
			if s.Status == StatusRedeemed && s.DeviceID == "" {
				s.Status = StatusAuthorized
			}
			return s, nil
		}); rollbackErr != nil {
			c.cfg.Logger.ErrorContext(ctx, "failed to roll back redemption",
				"device_code", session.DeviceCode, "error", rollbackErr)
		}
		if trace.IsAlreadyExists(err) {
			return nil, trace.Wrap(apierrors.InvalidRequest("long-term key already registered"))
		}
		return nil, trace.Wrap(err)
	}

	if _, err := c.cfg.Sessions.UpdateSession(ctx, session.DeviceCode, func(s Session) (Session, error) {
		s.DeviceID = record.DeviceID
		return s, nil
	}); err != nil {
		c.cfg.Logger.WarnContext(ctx, "failed to record device on session",
			"device_code", session.DeviceCode, "error", err)
	}

	c.cfg.Logger.InfoContext(ctx, "redeemed pairing session",
		"device_code", session.DeviceCode,
		"device_id", record.DeviceID,
		"acc_id", record.AccountID,
	)
	return &RedeemResult{
		DeviceID:     record.DeviceID,
		PublicKeyJWK: record.PublicKeyJWK,
		IssuedAt:     record.CreatedAt.Unix(),
	}, nil
}

// DeleteExpired garbage-collects sessions past their grace window.
func (c *Coordinator) DeleteExpired(ctx context.Context) (int, error) {
	n, err := c.cfg.Sessions.DeleteExpired(ctx, c.cfg.Clock.Now().UTC(), defaults.PairingSessionGrace)
	return n, trace.Wrap(err)
}

func (c *Coordinator) consume(budget limiter.Budget, key string) error {
	if key == "" {
		key = "unknown"
	}
	ok, retryAfter := c.cfg.Limiter.Consume(budget, key)
	if !ok {
		return trace.Wrap(apierrors.RateLimited(int(math.Ceil(retryAfter.Seconds()))))
	}
	return nil
}
