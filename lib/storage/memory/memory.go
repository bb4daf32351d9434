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

// Package memory provides in-process implementations of the pairing,
// device and batch stores. Used by tests and single-node local runs; the
// uniqueness and transaction semantics match the Firestore backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/crowdpm/crowdpm/lib/devices"
	"github.com/crowdpm/crowdpm/lib/ingest"
	"github.com/crowdpm/crowdpm/lib/pairing"
)

// SessionStore is an in-memory pairing.Store.
type SessionStore struct {
	mu sync.Mutex
	// byDeviceCode is the primary table.
	byDeviceCode map[string]pairing.Session
	// byUserCode is the secondary index, device codes keyed by user code.
	// Terminal sessions are evicted from the index lazily so their codes
	// become reusable, matching the non-terminal uniqueness rule.
	byUserCode map[string]string
}

// NewSessionStore returns an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byDeviceCode: make(map[string]pairing.Session),
		byUserCode:   make(map[string]string),
	}
}

// CreateSession implements pairing.Store.
func (s *SessionStore) CreateSession(_ context.Context, session pairing.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDeviceCode[session.DeviceCode]; ok {
		return trace.AlreadyExists("device code already exists")
	}
	if deviceCode, ok := s.byUserCode[session.UserCode]; ok {
		existing, found := s.byDeviceCode[deviceCode]
		if found && !existing.Status.Terminal() {
			return trace.AlreadyExists("user code already in use")
		}
	}
	s.byDeviceCode[session.DeviceCode] = session
	s.byUserCode[session.UserCode] = session.DeviceCode
	return nil
}

// GetSessionByDeviceCode implements pairing.Store.
func (s *SessionStore) GetSessionByDeviceCode(_ context.Context, deviceCode string) (*pairing.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byDeviceCode[deviceCode]
	if !ok {
		return nil, trace.NotFound("pairing session not found")
	}
	out := session
	return &out, nil
}

// GetSessionByUserCode implements pairing.Store.
func (s *SessionStore) GetSessionByUserCode(_ context.Context, userCode string) (*pairing.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceCode, ok := s.byUserCode[userCode]
	if !ok {
		return nil, trace.NotFound("pairing session not found")
	}
	session, ok := s.byDeviceCode[deviceCode]
	if !ok {
		return nil, trace.NotFound("pairing session not found")
	}
	out := session
	return &out, nil
}

// UpdateSession implements pairing.Store.
func (s *SessionStore) UpdateSession(_ context.Context, deviceCode string, mutate func(pairing.Session) (pairing.Session, error)) (*pairing.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.byDeviceCode[deviceCode]
	if !ok {
		return nil, trace.NotFound("pairing session not found")
	}
	updated, err := mutate(session)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The mutator must not rekey the session.
	updated.DeviceCode = session.DeviceCode
	updated.UserCode = session.UserCode
	s.byDeviceCode[deviceCode] = updated
	out := updated
	return &out, nil
}

// DeleteExpired implements pairing.Store.
func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for deviceCode, session := range s.byDeviceCode {
		if now.Before(session.ExpiresAt.Add(grace)) {
			continue
		}
		delete(s.byDeviceCode, deviceCode)
		if s.byUserCode[session.UserCode] == deviceCode {
			delete(s.byUserCode, session.UserCode)
		}
		deleted++
	}
	return deleted, nil
}

// DeviceStore is an in-memory devices.Store.
type DeviceStore struct {
	mu   sync.Mutex
	byID map[string]devices.Record
}

// NewDeviceStore returns an empty device store.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{byID: make(map[string]devices.Record)}
}

// CreateDevice implements devices.Store.
func (s *DeviceStore) CreateDevice(_ context.Context, record devices.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[record.DeviceID]; ok {
		return trace.AlreadyExists("device %s already exists", record.DeviceID)
	}
	for _, existing := range s.byID {
		if existing.Status != devices.StatusRevoked &&
			existing.PublicKeyThumbprint == record.PublicKeyThumbprint {
			return trace.AlreadyExists("long-term key already registered")
		}
	}
	s.byID[record.DeviceID] = record
	return nil
}

// GetDevice implements devices.Store.
func (s *DeviceStore) GetDevice(_ context.Context, deviceID string) (*devices.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[deviceID]
	if !ok {
		return nil, trace.NotFound("device %s not found", deviceID)
	}
	out := record
	return &out, nil
}

// UpdateDevice implements devices.Store.
func (s *DeviceStore) UpdateDevice(_ context.Context, deviceID string, mutate func(devices.Record) (devices.Record, error)) (*devices.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[deviceID]
	if !ok {
		return nil, trace.NotFound("device %s not found", deviceID)
	}
	updated, err := mutate(record)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	updated.DeviceID = record.DeviceID
	s.byID[deviceID] = updated
	out := updated
	return &out, nil
}

// TouchLastSeen implements devices.Store.
func (s *DeviceStore) TouchLastSeen(_ context.Context, deviceID string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[deviceID]
	if !ok {
		return trace.NotFound("device %s not found", deviceID)
	}
	record.LastSeenAt = &seen
	s.byID[deviceID] = record
	return nil
}

// BatchStore is an in-memory ingest.BatchStore.
type BatchStore struct {
	mu      sync.Mutex
	records map[string]ingest.BatchRecord
}

// NewBatchStore returns an empty batch store.
func NewBatchStore() *BatchStore {
	return &BatchStore{records: make(map[string]ingest.BatchRecord)}
}

// CreateBatchRecord implements ingest.BatchStore.
func (s *BatchStore) CreateBatchRecord(_ context.Context, record ingest.BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.BatchID]; ok {
		return trace.AlreadyExists("batch %s already exists", record.BatchID)
	}
	s.records[record.BatchID] = record
	return nil
}

// GetBatchRecord returns a stored record, for test assertions.
func (s *BatchStore) GetBatchRecord(batchID string) (ingest.BatchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[batchID]
	return record, ok
}
