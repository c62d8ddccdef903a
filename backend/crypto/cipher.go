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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// KeySize is the AES-256 key length used for every symmetric key.
	KeySize = 32
	// IVSize is the GCM nonce length prepended to every ciphertext.
	IVSize = 12
)

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to read random key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under key with a fresh random IV and returns iv‖ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to read iv: %w", err)
	}
	return EncryptWithIV(key, iv, plaintext)
}

// EncryptWithIV seals plaintext under a caller-chosen IV. Only the reaction
// codec uses it; reusing an IV for distinct plaintexts breaks GCM.
func EncryptWithIV(key, iv, plaintext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes", IVSize)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, IVSize, IVSize+len(plaintext)+aead.Overhead())
	copy(out, iv)
	return aead.Seal(out, iv, plaintext, nil), nil
}

// Decrypt opens iv‖ciphertext. Every failure is reported as ErrDecryption.
func Decrypt(key, data []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(data) < IVSize+aead.Overhead() {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, data[:IVSize], data[IVSize:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
