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
	"fmt"
	"strings"
	"unicode"
)

// emojiAlphabet maps every 6-bit group to one single-codepoint emoji.
var emojiAlphabet = [64]rune{
	'🐶', '🐱', '🐭', '🐹', '🐰', '🦊', '🐻', '🐼',
	'🐨', '🐯', '🦁', '🐮', '🐷', '🐸', '🐵', '🐔',
	'🐧', '🐦', '🐤', '🦆', '🦅', '🦉', '🦇', '🐺',
	'🐗', '🐴', '🦄', '🐝', '🐛', '🦋', '🐌', '🐞',
	'🐜', '🦂', '🐢', '🐍', '🦎', '🐙', '🦑', '🦐',
	'🦀', '🐡', '🐠', '🐟', '🐬', '🐳', '🐋', '🦈',
	'🐊', '🐅', '🐆', '🦓', '🦍', '🐘', '🦏', '🐪',
	'🐫', '🦒', '🐃', '🐂', '🐄', '🐎', '🐖', '🐏',
}

var emojiIndex = func() map[rune]byte {
	m := make(map[rune]byte, len(emojiAlphabet))
	for i, r := range emojiAlphabet {
		m[r] = byte(i)
	}
	return m
}()

// EncodeEmoji renders b as a sequence of emoji, one per 6-bit group. The
// trailing group is zero padded.
func EncodeEmoji(b []byte) []string {
	out := make([]string, 0, (len(b)*8+5)/6)
	var acc uint32
	var bits uint
	for _, c := range b {
		acc = acc<<8 | uint32(c)
		bits += 8
		for bits >= 6 {
			bits -= 6
			out = append(out, string(emojiAlphabet[(acc>>bits)&0x3f]))
		}
	}
	if bits > 0 {
		out = append(out, string(emojiAlphabet[(acc<<(6-bits))&0x3f]))
	}
	return out
}

// DecodeEmoji reverses EncodeEmoji. Whitespace between emoji is ignored.
func DecodeEmoji(s string) ([]byte, error) {
	var out []byte
	var acc uint32
	var bits uint
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		v, ok := emojiIndex[r]
		if !ok {
			return nil, fmt.Errorf("unknown emoji %q", r)
		}
		acc = acc<<6 | uint32(v)
		bits += 6
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	if bits > 0 && acc&(1<<bits-1) != 0 {
		return nil, fmt.Errorf("non-zero padding bits")
	}
	return out, nil
}

// JoinEmoji is the display form used by the CLI and the verification prompt.
func JoinEmoji(e []string) string {
	return strings.Join(e, " ")
}
