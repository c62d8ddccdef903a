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

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmojiAlphabetIsUnique(t *testing.T) {
	assert.Len(t, emojiIndex, 64)
}

func TestEncodeEmojiLength(t *testing.T) {
	out := EncodeEmoji(make([]byte, FingerprintSize))
	assert.Len(t, out, 22)
	for _, e := range out {
		assert.Equal(t, 1, utf8.RuneCountInString(e))
	}
}

func TestEmojiRoundTrip(t *testing.T) {
	for _, in := range [][]byte{
		{0x00},
		{0xff, 0x01},
		{1, 2, 3},
		[]byte("0123456789abcdef"),
	} {
		back, err := DecodeEmoji(JoinEmoji(EncodeEmoji(in)))
		require.NoError(t, err)
		assert.Equal(t, in, back)
	}
}

func TestDecodeEmojiRejectsUnknown(t *testing.T) {
	_, err := DecodeEmoji("🐶 x")
	assert.Error(t, err)
}
