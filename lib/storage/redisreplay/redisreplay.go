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

// Package redisreplay backs the proof replay set with Redis. A single
// SET NX with TTL gives first-writer-wins semantics across every API
// replica, which is what makes proof jtis single-use fleet-wide.
package redisreplay

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "dpop:jti:"

// Store is a Redis-backed dpop.ReplayStore.
type Store struct {
	client redis.UniversalClient
}

// New returns a replay store on the given client.
func New(client redis.UniversalClient) (*Store, error) {
	if client == nil {
		return nil, trace.BadParameter("client is required")
	}
	return &Store{client: client}, nil
}

// CheckAndInsert records the key if unseen, returning false when it was
// already present.
func (s *Store) CheckAndInsert(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	inserted, err := s.client.SetNX(ctx, keyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, trace.Wrap(err, "recording proof jti")
	}
	return inserted, nil
}
