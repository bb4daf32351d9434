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

package dpop

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ReplayStore is the proof-replay set. The key is already scoped to
// (thumbprint, method, htu, jti) by the verifier; implementations only need
// first-writer-wins insertion with a TTL. Multi-instance deployments back
// this with a shared cache (see lib/storage/redisreplay); single instances
// use the in-process store below.
type ReplayStore interface {
	// CheckAndInsert records key for ttl. It returns false when the key
	// was already present, i.e. the proof is a replay.
	CheckAndInsert(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayStore is a process-local ReplayStore.
type MemoryReplayStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryReplayStore returns an empty in-process replay set.
func NewMemoryReplayStore(clock clockwork.Clock) *MemoryReplayStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryReplayStore{
		clock:   clock,
		entries: make(map[string]time.Time),
	}
}

// CheckAndInsert implements ReplayStore.
func (s *MemoryReplayStore) CheckAndInsert(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expires, ok := s.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)

	if len(s.entries) > replayPruneThreshold {
		for k, expires := range s.entries {
			if !now.Before(expires) {
				delete(s.entries, k)
			}
		}
	}
	return true, nil
}

const replayPruneThreshold = 8192
