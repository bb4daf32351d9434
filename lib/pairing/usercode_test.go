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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewUserCodeShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := NewUserCode()
		require.NoError(t, err)
		require.Len(t, code, 13)
		require.Equal(t, "-", code[5:6])
		require.Equal(t, "-", code[11:12])
		for _, c := range NormalizeUserCode(code) {
			require.Contains(t, UserCodeAlphabet, string(c))
		}
		canonical, err := ValidateUserCode(code)
		require.NoError(t, err)
		require.Equal(t, code, canonical)
	}
}

func TestNormalizeUserCode(t *testing.T) {
	require.Equal(t, "ABCDE23456X", NormalizeUserCode("abcde-23456-x"))
	require.Equal(t, "ABCDE23456X", NormalizeUserCode(" ABCDE 23456 X "))
	require.Equal(t, "ABCDE23456X", NormalizeUserCode("ABCDE23456X"))
}

func TestValidateUserCode(t *testing.T) {
	valid, err := NewUserCode()
	require.NoError(t, err)

	t.Run("accepts sloppy input", func(t *testing.T) {
		sloppy := strings.ToLower(strings.ReplaceAll(valid, "-", " "))
		canonical, err := ValidateUserCode(sloppy)
		require.NoError(t, err)
		require.Equal(t, valid, canonical)
	})

	t.Run("rejects checksum typo", func(t *testing.T) {
		normalized := []byte(NormalizeUserCode(valid))
		// Swap the first character for a different alphabet member.
		replacement := UserCodeAlphabet[(strings.IndexByte(UserCodeAlphabet, normalized[0])+1)%len(UserCodeAlphabet)]
		normalized[0] = replacement
		_, err := ValidateUserCode(string(normalized))
		require.Error(t, err)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := ValidateUserCode("ABCDE-23456")
		require.Error(t, err)
	})

	t.Run("rejects confusable characters", func(t *testing.T) {
		_, err := ValidateUserCode("ABCD0-23456-X")
		require.Error(t, err)
	})
}

func TestChecksumDetectsSingleSubstitution(t *testing.T) {
	code, err := NewUserCode()
	require.NoError(t, err)
	normalized := NormalizeUserCode(code)

	for pos := 0; pos < 10; pos++ {
		mutated := []byte(normalized)
		orig := strings.IndexByte(UserCodeAlphabet, mutated[pos])
		mutated[pos] = UserCodeAlphabet[(orig+7)%len(UserCodeAlphabet)]
		_, err := ValidateUserCode(string(mutated))
		require.Error(t, err, "substitution at position %d must fail the checksum", pos)
	}
}
