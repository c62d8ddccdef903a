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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// MasterSeedSize is the length of the per-user master secret.
const MasterSeedSize = 16

// Argon2id parameters for passphrase-sealed exports.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSaltLen = 16
)

// MasterSecret is the per-user root of trust. Every device of a user holds
// the same seed; it never leaves a device except through one of the
// transfer encodings below.
type MasterSecret struct {
	seed    [MasterSeedSize]byte
	derived [sha256.Size]byte
	wiped   bool
}

// NewMasterSecret draws a fresh random seed.
func NewMasterSecret() (*MasterSecret, error) {
	seed := make([]byte, MasterSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to read master seed: %w", err)
	}
	return MasterSecretFromBytes(seed)
}

// MasterSecretFromBytes imports a raw seed.
func MasterSecretFromBytes(seed []byte) (*MasterSecret, error) {
	if len(seed) != MasterSeedSize {
		return nil, fmt.Errorf("%w: master seed must be %d bytes", ErrInvalidKey, MasterSeedSize)
	}
	m := &MasterSecret{}
	copy(m.seed[:], seed)
	m.derived = sha256.Sum256(m.seed[:])
	return m, nil
}

// Bytes returns a copy of the raw seed.
func (m *MasterSecret) Bytes() []byte {
	out := make([]byte, MasterSeedSize)
	copy(out, m.seed[:])
	return out
}

// Seal encrypts plaintext under the derived AES key.
func (m *MasterSecret) Seal(plaintext []byte) ([]byte, error) {
	if m.wiped {
		return nil, ErrInvalidKey
	}
	return Encrypt(m.derived[:], plaintext)
}

// Open decrypts data sealed by Seal.
func (m *MasterSecret) Open(sealed []byte) ([]byte, error) {
	if m.wiped {
		return nil, ErrInvalidKey
	}
	return Decrypt(m.derived[:], sealed)
}

// MAC returns HMAC-SHA-256(data) under the derived key.
func (m *MasterSecret) MAC(data []byte) []byte {
	h := hmac.New(sha256.New, m.derived[:])
	h.Write(data)
	return h.Sum(nil)
}

// VerifyMAC compares in constant time.
func (m *MasterSecret) VerifyMAC(data, mac []byte) bool {
	if m.wiped {
		return false
	}
	return hmac.Equal(m.MAC(data), mac)
}

// Wipe zeroes the seed and derived key. The value is unusable afterwards.
func (m *MasterSecret) Wipe() {
	for i := range m.seed {
		m.seed[i] = 0
	}
	for i := range m.derived {
		m.derived[i] = 0
	}
	m.wiped = true
}

// EncodeEmoji renders the seed for manual transfer to another device.
func (m *MasterSecret) EncodeEmoji() string {
	return JoinEmoji(EncodeEmoji(m.seed[:]))
}

// ParseEmojiMasterSecret is the inverse of EncodeEmoji.
func ParseEmojiMasterSecret(s string) (*MasterSecret, error) {
	seed, err := DecodeEmoji(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return MasterSecretFromBytes(seed)
}

func passphraseKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// ExportSealed protects the seed with a passphrase: salt‖AES-GCM(seed).
func (m *MasterSecret) ExportSealed(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	ct, err := Encrypt(passphraseKey(passphrase, salt), m.seed[:])
	if err != nil {
		return nil, err
	}
	return append(salt, ct...), nil
}

// ImportSealed opens a blob produced by ExportSealed. A wrong passphrase
// yields ErrDecryption.
func ImportSealed(blob []byte, passphrase string) (*MasterSecret, error) {
	if len(blob) < argonSaltLen {
		return nil, ErrDecryption
	}
	seed, err := Decrypt(passphraseKey(passphrase, blob[:argonSaltLen]), blob[argonSaltLen:])
	if err != nil {
		return nil, err
	}
	return MasterSecretFromBytes(seed)
}
