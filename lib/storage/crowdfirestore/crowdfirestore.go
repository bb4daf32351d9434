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

// Package crowdfirestore backs the pairing, device and batch stores with
// Cloud Firestore. Every read-modify-write runs inside a Firestore
// transaction so the optimistic-concurrency rules the coordinators rely on
// hold under concurrent pollers and approvers.
package crowdfirestore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gravitational/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/crowdpm/crowdpm"
	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/ingest"
	"github.com/crowdpm/crowdpm/lib/pairing"
)

const (
	sessionsCollection       = "pairing_sessions"
	sessionsByUserCollection = "pairing_sessions_by_user_code"
	devicesCollection        = "devices"
	deviceKeyIndexCollection = "device_key_index"
	batchesSubcollection     = "batches"
	transactionAttempts      = 5
	deleteExpiredPageSize    = 256
)

// Config holds Firestore backend parameters.
type Config struct {
	// Client is an initialized Firestore client.
	Client *firestore.Client
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("Client is required")
	}
	if c.Logger == nil {
		c.Logger = slog.With(crowdpm.ComponentKey, crowdpm.ComponentStorage)
	}
	return nil
}

// Backend implements pairing.Store, devices.Store and ingest.BatchStore on
// Firestore.
type Backend struct {
	cfg Config
}

// New returns a Firestore backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{cfg: cfg}, nil
}

// userCodeIndex is the secondary-index row mapping a user code to the
// session that currently owns it.
type userCodeIndex struct {
	DeviceCode string `firestore:"device_code"`
}

// keyIndex maps a long-term key thumbprint to the device holding it.
type keyIndex struct {
	DeviceID string `firestore:"device_id"`
}

func (b *Backend) sessionDoc(deviceCode string) *firestore.DocumentRef {
	return b.cfg.Client.Collection(sessionsCollection).Doc(deviceCode)
}

func (b *Backend) userCodeDoc(userCode string) *firestore.DocumentRef {
	return b.cfg.Client.Collection(sessionsByUserCollection).Doc(userCode)
}

func (b *Backend) deviceDoc(deviceID string) *firestore.DocumentRef {
	return b.cfg.Client.Collection(devicesCollection).Doc(deviceID)
}

func (b *Backend) keyIndexDoc(thumbprint string) *firestore.DocumentRef {
	return b.cfg.Client.Collection(deviceKeyIndexCollection).Doc(thumbprint)
}

// CreateSession implements pairing.Store. The session document and the
// user-code index row are written in one transaction so the uniqueness
// checks cannot race a concurrent insert.
func (b *Backend) CreateSession(ctx context.Context, session pairing.Session) error {
	err := b.cfg.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(b.sessionDoc(session.DeviceCode)); err == nil {
			return trace.AlreadyExists("device code already exists")
		} else if status.Code(err) != codes.NotFound {
			return trace.Wrap(err)
		}

		indexSnap, err := tx.Get(b.userCodeDoc(session.UserCode))
		switch {
		case err == nil:
			var index userCodeIndex
			if err := indexSnap.DataTo(&index); err != nil {
				return trace.Wrap(err)
			}
			ownerSnap, err := tx.Get(b.sessionDoc(index.DeviceCode))
			if err == nil {
				var owner pairing.Session
				if err := ownerSnap.DataTo(&owner); err != nil {
					return trace.Wrap(err)
				}
				if !owner.Status.Terminal() {
					return trace.AlreadyExists("user code already in use")
				}
			} else if status.Code(err) != codes.NotFound {
				return trace.Wrap(err)
			}
		case status.Code(err) != codes.NotFound:
			return trace.Wrap(err)
		}

		if err := tx.Set(b.sessionDoc(session.DeviceCode), session); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.Set(b.userCodeDoc(session.UserCode), userCodeIndex{DeviceCode: session.DeviceCode}))
	}, firestore.MaxAttempts(transactionAttempts))
	return convertError(err)
}

// GetSessionByDeviceCode implements pairing.Store.
func (b *Backend) GetSessionByDeviceCode(ctx context.Context, deviceCode string) (*pairing.Session, error) {
	snap, err := b.sessionDoc(deviceCode).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, trace.NotFound("pairing session not found")
		}
		return nil, convertError(err)
	}
	var session pairing.Session
	if err := snap.DataTo(&session); err != nil {
		return nil, trace.Wrap(err)
	}
	return &session, nil
}

// GetSessionByUserCode implements pairing.Store.
func (b *Backend) GetSessionByUserCode(ctx context.Context, userCode string) (*pairing.Session, error) {
	snap, err := b.userCodeDoc(userCode).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, trace.NotFound("pairing session not found")
		}
		return nil, convertError(err)
	}
	var index userCodeIndex
	if err := snap.DataTo(&index); err != nil {
		return nil, trace.Wrap(err)
	}
	return b.GetSessionByDeviceCode(ctx, index.DeviceCode)
}

// UpdateSession implements pairing.Store. Firestore retries the
// transaction on contention; mutator errors abort it immediately and
// surface verbatim.
func (b *Backend) UpdateSession(ctx context.Context, deviceCode string, mutate func(pairing.Session) (pairing.Session, error)) (*pairing.Session, error) {
	var updated pairing.Session
	err := b.cfg.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(b.sessionDoc(deviceCode))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return trace.NotFound("pairing session not found")
			}
			return trace.Wrap(err)
		}
		var session pairing.Session
		if err := snap.DataTo(&session); err != nil {
			return trace.Wrap(err)
		}
		updated, err = mutate(session)
		if err != nil {
			return trace.Wrap(err)
		}
		updated.DeviceCode = session.DeviceCode
		updated.UserCode = session.UserCode
		return trace.Wrap(tx.Set(b.sessionDoc(deviceCode), updated))
	}, firestore.MaxAttempts(transactionAttempts))
	if err != nil {
		return nil, convertError(err)
	}
	return &updated, nil
}

// DeleteExpired implements pairing.Store. Expired sessions and their
// user-code index rows go together, one page at a time.
func (b *Backend) DeleteExpired(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	cutoff := now.Add(-grace)
	deleted := 0
	for {
		iter := b.cfg.Client.Collection(sessionsCollection).
			Where("expires_at", "<=", cutoff).
			Limit(deleteExpiredPageSize).
			Documents(ctx)
		page := 0
		bulk := b.cfg.Client.BulkWriter(ctx)
		for {
			snap, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				return deleted, convertError(err)
			}
			var session pairing.Session
			if err := snap.DataTo(&session); err != nil {
				iter.Stop()
				return deleted, trace.Wrap(err)
			}
			if _, err := bulk.Delete(snap.Ref); err != nil {
				iter.Stop()
				return deleted, trace.Wrap(err)
			}
			if _, err := bulk.Delete(b.userCodeDoc(session.UserCode)); err != nil {
				iter.Stop()
				return deleted, trace.Wrap(err)
			}
			page++
		}
		iter.Stop()
		bulk.End()
		deleted += page
		if page < deleteExpiredPageSize {
			return deleted, nil
		}
	}
}

// CreateDevice implements devices.Store. The key-index row enforces
// thumbprint uniqueness among non-revoked devices.
func (b *Backend) CreateDevice(ctx context.Context, record devices.Record) error {
	err := b.cfg.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(b.deviceDoc(record.DeviceID)); err == nil {
			return trace.AlreadyExists("device %s already exists", record.DeviceID)
		} else if status.Code(err) != codes.NotFound {
			return trace.Wrap(err)
		}

		indexSnap, err := tx.Get(b.keyIndexDoc(record.PublicKeyThumbprint))
		switch {
		case err == nil:
			var index keyIndex
			if err := indexSnap.DataTo(&index); err != nil {
				return trace.Wrap(err)
			}
			ownerSnap, err := tx.Get(b.deviceDoc(index.DeviceID))
			if err == nil {
				var owner devices.Record
				if err := ownerSnap.DataTo(&owner); err != nil {
					return trace.Wrap(err)
				}
				if owner.Status != devices.StatusRevoked {
					return trace.AlreadyExists("long-term key already registered")
				}
			} else if status.Code(err) != codes.NotFound {
				return trace.Wrap(err)
			}
		case status.Code(err) != codes.NotFound:
			return trace.Wrap(err)
		}

		if err := tx.Set(b.deviceDoc(record.DeviceID), record); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(tx.Set(b.keyIndexDoc(record.PublicKeyThumbprint), keyIndex{DeviceID: record.DeviceID}))
	}, firestore.MaxAttempts(transactionAttempts))
	return convertError(err)
}

// GetDevice implements devices.Store.
func (b *Backend) GetDevice(ctx context.Context, deviceID string) (*devices.Record, error) {
	snap, err := b.deviceDoc(deviceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, trace.NotFound("device %s not found", deviceID)
		}
		return nil, convertError(err)
	}
	var record devices.Record
	if err := snap.DataTo(&record); err != nil {
		return nil, trace.Wrap(err)
	}
	return &record, nil
}

// UpdateDevice implements devices.Store.
func (b *Backend) UpdateDevice(ctx context.Context, deviceID string, mutate func(devices.Record) (devices.Record, error)) (*devices.Record, error) {
	var updated devices.Record
	err := b.cfg.Client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(b.deviceDoc(deviceID))
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return trace.NotFound("device %s not found", deviceID)
			}
			return trace.Wrap(err)
		}
		var record devices.Record
		if err := snap.DataTo(&record); err != nil {
			return trace.Wrap(err)
		}
		updated, err = mutate(record)
		if err != nil {
			return trace.Wrap(err)
		}
		updated.DeviceID = record.DeviceID
		return trace.Wrap(tx.Set(b.deviceDoc(deviceID), updated))
	}, firestore.MaxAttempts(transactionAttempts))
	if err != nil {
		return nil, convertError(err)
	}
	return &updated, nil
}

// TouchLastSeen implements devices.Store with a single-field update, no
// transaction: lossy last-writer-wins is fine for liveness.
func (b *Backend) TouchLastSeen(ctx context.Context, deviceID string, seen time.Time) error {
	_, err := b.deviceDoc(deviceID).Update(ctx, []firestore.Update{
		{Path: "last_seen_at", Value: seen},
	})
	if status.Code(err) == codes.NotFound {
		return trace.NotFound("device %s not found", deviceID)
	}
	return convertError(err)
}

// CreateBatchRecord implements ingest.BatchStore. Records live under their
// device so per-device listings stay cheap.
func (b *Backend) CreateBatchRecord(ctx context.Context, record ingest.BatchRecord) error {
	doc := b.deviceDoc(record.DeviceID).Collection(batchesSubcollection).Doc(record.BatchID)
	_, err := doc.Create(ctx, record)
	if status.Code(err) == codes.AlreadyExists {
		return trace.AlreadyExists("batch %s already exists", record.BatchID)
	}
	return convertError(err)
}

// convertError maps gRPC-status failures onto trace errors, leaving trace
// errors produced inside transactions untouched.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var traceErr trace.Error
	if errors.As(err, &traceErr) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return trace.NotFound("%s", err.Error())
	case codes.AlreadyExists:
		return trace.AlreadyExists("%s", err.Error())
	case codes.ResourceExhausted:
		return trace.LimitExceeded("%s", err.Error())
	case codes.PermissionDenied, codes.Unauthenticated:
		return trace.AccessDenied("%s", err.Error())
	default:
		return trace.Wrap(err)
	}
}
