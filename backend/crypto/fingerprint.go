// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import "crypto/sha256"

// FingerprintSize is the number of digest bytes compared between peers.
const FingerprintSize = 16

// Fingerprint derives the safety number for a pair of public keys. The
// initiator's key is always hashed first so both sides compute the same
// bytes.
func Fingerprint(mine, theirs []byte, iInitiated bool) []byte {
	first, second := theirs, mine
	if iInitiated {
		first, second = mine, theirs
	}
	h := sha256.New()
	h.Write(first)
	h.Write(second)
	return h.Sum(nil)[:FingerprintSize]
}

// FingerprintEmoji renders a fingerprint for side-by-side comparison.
func FingerprintEmoji(fp []byte) string {
	return JoinEmoji(EncodeEmoji(fp))
}
