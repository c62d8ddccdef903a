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
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterSecretDerivation(t *testing.T) {
	seed := []byte("0123456789abcdef")
	m, err := MasterSecretFromBytes(seed)
	require.NoError(t, err)

	digest := sha256.Sum256(seed)
	sealed, err := m.Seal([]byte("payload"))
	require.NoError(t, err)

	// The derived key is the plain SHA-256 of the seed.
	pt, err := Decrypt(digest[:], sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)

	_, err = MasterSecretFromBytes(seed[:15])
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMasterSecretMAC(t *testing.T) {
	m, err := NewMasterSecret()
	require.NoError(t, err)
	other, _ := NewMasterSecret()

	mac := m.MAC([]byte("pub"))
	assert.True(t, m.VerifyMAC([]byte("pub"), mac))
	assert.False(t, m.VerifyMAC([]byte("pub2"), mac))
	assert.False(t, other.VerifyMAC([]byte("pub"), mac))
}

func TestMasterSecretEmojiTransfer(t *testing.T) {
	m, err := NewMasterSecret()
	require.NoError(t, err)

	encoded := m.EncodeEmoji()
	back, err := ParseEmojiMasterSecret(encoded)
	require.NoError(t, err)
	assert.Equal(t, m.Bytes(), back.Bytes())

	_, err = ParseEmojiMasterSecret("🐶 🐱")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestMasterSecretPassphraseTransfer(t *testing.T) {
	m, err := NewMasterSecret()
	require.NoError(t, err)

	blob, err := m.ExportSealed("correct horse")
	require.NoError(t, err)

	back, err := ImportSealed(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, m.Bytes(), back.Bytes())

	_, err = ImportSealed(blob, "battery staple")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = m.ExportSealed("")
	assert.Error(t, err)
}

func TestMasterSecretWipe(t *testing.T) {
	m, _ := NewMasterSecret()
	sealed, err := m.Seal([]byte("x"))
	require.NoError(t, err)

	m.Wipe()
	assert.Equal(t, make([]byte, MasterSeedSize), m.Bytes())
	_, err = m.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
