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

package redisreplay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	store, err := New(client)
	require.NoError(t, err)
	return store, server
}

func TestCheckAndInsert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.CheckAndInsert(ctx, "thumb|POST|https://api/x|jti1", 3*time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	replayed, err := store.CheckAndInsert(ctx, "thumb|POST|https://api/x|jti1", 3*time.Minute)
	require.NoError(t, err)
	require.False(t, replayed)

	other, err := store.CheckAndInsert(ctx, "thumb|POST|https://api/x|jti2", 3*time.Minute)
	require.NoError(t, err)
	require.True(t, other)
}

func TestCheckAndInsertTTL(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	fresh, err := store.CheckAndInsert(ctx, "key", 3*time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	server.FastForward(3*time.Minute + time.Second)

	again, err := store.CheckAndInsert(ctx, "key", 3*time.Minute)
	require.NoError(t, err)
	require.True(t, again)
}

func TestCheckAndInsertSurfacesErrors(t *testing.T) {
	store, server := newTestStore(t)
	server.Close()

	_, err := store.CheckAndInsert(context.Background(), "key", time.Minute)
	require.Error(t, err)
}
