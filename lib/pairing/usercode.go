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
	"crypto/rand"
	"strings"

	"github.com/gravitational/trace"
)

// UserCodeAlphabet is the confusable-glyph-free base32 alphabet user codes
// are drawn from: no I, L, O, 0 or 1.
const UserCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const userCodeRandomChars = 10

// NewUserCode generates a fresh user code: ten random alphabet characters
// plus one checksum character, grouped XXXXX-XXXXX-C.
func NewUserCode() (string, error) {
	raw := make([]byte, userCodeRandomChars)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	chars := make([]byte, 0, userCodeRandomChars+1)
	for _, b := range raw {
		chars = append(chars, UserCodeAlphabet[int(b)%len(UserCodeAlphabet)])
	}
	chars = append(chars, checksumChar(chars))
	return formatUserCode(chars), nil
}

// NormalizeUserCode uppercases a user-supplied code and strips grouping
// dashes and whitespace.
func NormalizeUserCode(code string) string {
	code = strings.ToUpper(code)
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		return r
	}, code)
}

// ValidateUserCode checks shape, alphabet and checksum of a user-supplied
// code and returns it in canonical grouped form. The checksum rejects typos
// before any store lookup happens.
func ValidateUserCode(code string) (string, error) {
	normalized := NormalizeUserCode(code)
	if len(normalized) != userCodeRandomChars+1 {
		return "", trace.BadParameter("malformed user code")
	}
	for i := 0; i < len(normalized); i++ {
		if !strings.ContainsRune(UserCodeAlphabet, rune(normalized[i])) {
			return "", trace.BadParameter("malformed user code")
		}
	}
	payload := []byte(normalized[:userCodeRandomChars])
	if normalized[userCodeRandomChars] != checksumChar(payload) {
		return "", trace.BadParameter("user code checksum mismatch")
	}
	return formatUserCode([]byte(normalized)), nil
}

// checksumChar folds the alphabet indices of the payload into one trailing
// alphabet character.
func checksumChar(payload []byte) byte {
	sum := 0
	for _, c := range payload {
		sum += strings.IndexByte(UserCodeAlphabet, c)
	}
	return UserCodeAlphabet[sum%len(UserCodeAlphabet)]
}

func formatUserCode(chars []byte) string {
	return string(chars[0:5]) + "-" + string(chars[5:10]) + "-" + string(chars[10:])
}
