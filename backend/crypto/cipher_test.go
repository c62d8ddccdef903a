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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	for _, pt := range [][]byte{{}, []byte("hi"), bytes.Repeat([]byte{0xab}, 4096)} {
		ct, err := Encrypt(key, pt)
		require.NoError(t, err)
		assert.Len(t, ct, IVSize+len(pt)+16)

		out, err := Decrypt(key, ct)
		require.NoError(t, err)
		assert.Equal(t, pt, out)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	key, _ := GenerateKey()
	a, _ := Encrypt(key, []byte("same"))
	b, _ := Encrypt(key, []byte("same"))
	assert.NotEqual(t, a[:IVSize], b[:IVSize])
}

func TestDecryptFailures(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	ct, err := Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 1

	cases := map[string]struct {
		key  []byte
		data []byte
	}{
		"wrong key": {other, ct},
		"tampered":  {key, tampered},
		"truncated": {key, ct[:IVSize+3]},
		"empty":     {key, nil},
		"short key": {key[:16], ct},
		"iv only":   {key, ct[:IVSize]},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decrypt(tc.key, tc.data)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestEncryptWithIVIsDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	iv := bytes.Repeat([]byte{7}, IVSize)
	a, err := EncryptWithIV(key, iv, []byte("x"))
	require.NoError(t, err)
	b, _ := EncryptWithIV(key, iv, []byte("x"))
	assert.Equal(t, a, b)

	_, err = EncryptWithIV(key, iv[:4], []byte("x"))
	assert.Error(t, err)
}
