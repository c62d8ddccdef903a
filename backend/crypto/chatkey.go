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
	"crypto/subtle"
	"fmt"
)

// ChatKey is one immutable version of a chat's symmetric key.
type ChatKey struct {
	ChatID  string
	Version int
	key     []byte
}

// MintChatKey creates a fresh random key for chatID at version.
func MintChatKey(chatID string, version int) (*ChatKey, error) {
	raw, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &ChatKey{ChatID: chatID, Version: version, key: raw}, nil
}

// NewChatKey wraps existing raw key material.
func NewChatKey(chatID string, version int, raw []byte) (*ChatKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: chat key must be %d bytes", ErrInvalidKey, KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, raw)
	return &ChatKey{ChatID: chatID, Version: version, key: k}, nil
}

// Equal reports whether both keys hold the same material for the same version.
func (k *ChatKey) Equal(o *ChatKey) bool {
	if k == nil || o == nil {
		return false
	}
	return k.ChatID == o.ChatID && k.Version == o.Version && subtle.ConstantTimeCompare(k.key, o.key) == 1
}

// Seal produces the durable self-held copy: AES-GCM(rawKey, master).
func (k *ChatKey) Seal(m *MasterSecret) ([]byte, error) {
	return m.Seal(k.key)
}

// OpenChatKey reverses Seal.
func OpenChatKey(m *MasterSecret, chatID string, version int, sealed []byte) (*ChatKey, error) {
	raw, err := m.Open(sealed)
	if err != nil {
		return nil, err
	}
	return NewChatKey(chatID, version, raw)
}

// WrapFor encrypts the key for one recipient's public key.
func (k *ChatKey) WrapFor(recipient []byte) ([]byte, error) {
	return WrapKey(recipient, k.key)
}

// UnwrapChatKey opens a wrapped copy addressed to id.
func UnwrapChatKey(id *Identity, chatID string, version int, wrapped []byte) (*ChatKey, error) {
	raw, err := id.UnwrapKey(wrapped)
	if err != nil {
		return nil, err
	}
	return NewChatKey(chatID, version, raw)
}

func (k *ChatKey) String() string {
	return fmt.Sprintf("chatkey(%s/v%d)", k.ChatID, k.Version)
}
