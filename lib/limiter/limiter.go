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

// Package limiter provides the rate limiting primitive used by the pairing
// and ingest endpoints. Budgets are declared as data next to each endpoint;
// enforcement is a single Consume call.
package limiter

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Budget names one token bucket: Capacity consumptions per Window for every
// distinct key under the budget's namespace.
type Budget struct {
	// Name namespaces the bucket keys, e.g. "start.ip".
	Name string
	// Capacity is the number of consumptions allowed per window.
	Capacity int
	// Window is the budget's refill period.
	Window time.Duration
}

// RateLimiter admits or rejects one consumption against a budget.
type RateLimiter interface {
	// Consume takes one token from the bucket identified by (budget.Name,
	// key). It reports whether the consumption is admitted and, when it is
	// not, how long the caller should wait before retrying.
	Consume(budget Budget, key string) (ok bool, retryAfter time.Duration)
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter is an in-process RateLimiter backed by token buckets.
// Buckets idle for longer than their window are pruned opportunistically.
type TokenBucketLimiter struct {
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewTokenBucketLimiter returns a limiter using the given clock, or the real
// clock if nil.
func NewTokenBucketLimiter(clock clockwork.Clock) *TokenBucketLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenBucketLimiter{
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// Consume implements RateLimiter.
func (l *TokenBucketLimiter) Consume(budget Budget, key string) (bool, time.Duration) {
	now := l.clock.Now()
	mapKey := budget.Name + "/" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[mapKey]
	if !ok {
		limit := rate.Limit(float64(budget.Capacity) / budget.Window.Seconds())
		b = &bucket{lim: rate.NewLimiter(limit, budget.Capacity)}
		l.buckets[mapKey] = b
	}
	b.lastSeen = now

	if len(l.buckets) > pruneThreshold {
		l.pruneLocked(now)
	}

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

const pruneThreshold = 4096

// pruneLocked drops buckets that have been idle long enough to be full
// again.
func (l *TokenBucketLimiter) pruneLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > 2*time.Minute {
			delete(l.buckets, k)
		}
	}
}
