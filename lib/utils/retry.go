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

package utils

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// TransientRetryDelays is the backoff schedule used around blob and event
// bus calls.
var TransientRetryDelays = []time.Duration{
	50 * time.Millisecond,
	200 * time.Millisecond,
	800 * time.Millisecond,
}

// RetryWithBackoff runs fn until it succeeds, retrying once per delay in
// the schedule. Each wait is jittered onto [d/2, d) so competing retriers
// spread out. The last error is returned when the schedule or the context
// runs out.
func RetryWithBackoff(ctx context.Context, clock clockwork.Clock, delays []time.Duration, fn func() error) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= len(delays) {
			return trace.Wrap(err)
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(err)
		case <-clock.After(HalfJitter(delays[attempt])):
		}
	}
}

// HalfJitter returns a random duration on [d/2, d).
func HalfJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	return d/2 + time.Duration(rand.Int64N(int64(d/2)))
}
