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

// Package blob abstracts the raw-batch payload store. The core only ever
// writes; normalization workers read through their own access path.
package blob

import (
	"bytes"
	"context"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/gravitational/trace"
)

// Store seals one immutable object per accepted batch.
type Store interface {
	// Put writes data at path with the given content type, overwriting
	// nothing: batch paths contain a fresh UUID per admission.
	Put(ctx context.Context, path, contentType string, data []byte) error
}

// GCSStore writes batch payloads to a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore returns a Store backed by the given bucket.
func NewGCSStore(client *storage.Client, bucket string) (*GCSStore, error) {
	if client == nil {
		return nil, trace.BadParameter("client is required")
	}
	if bucket == "" {
		return nil, trace.BadParameter("bucket is required")
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, path, contentType string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return trace.Wrap(err, "writing object %s", path)
	}
	if err := w.Close(); err != nil {
		return trace.Wrap(err, "finalizing object %s", path)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, path, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = bytes.Clone(data)
	return nil
}

// Get returns a stored object, for test assertions.
func (s *MemoryStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	return data, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
