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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoarsenIP(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"203.0.113.7", "203.0.113.0/24"},
		{"203.0.113.7:51234", "203.0.113.0/24"},
		{"2001:db8:1:2:3:4:5:6", "2001:db8:1:2::/64"},
		{"[2001:db8:1:2:3:4:5:6]:443", "2001:db8:1:2::/64"},
		// IPv4-mapped IPv6 coarsens like IPv4.
		{"::ffff:203.0.113.7", "203.0.113.0/24"},
		{"not-an-address", ""},
		{"", ""},
	} {
		t.Run(tc.in, func(t *testing.T) {
			require.Equal(t, tc.want, CoarsenIP(tc.in))
		})
	}
}
