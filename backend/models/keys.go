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

package models

import (
	"time"
)

// IdentityKeyPair is the published form of a user's identity. The server
// can read the public key only; the private key is sealed under the user's
// master secret.
type IdentityKeyPair struct {
	UserID              string    `json:"user_id" db:"user_id"`
	PublicKey           []byte    `json:"public_key" db:"public_key" validate:"required"`
	EncryptedPrivateKey []byte    `json:"encrypted_private_key" db:"encrypted_private_key" validate:"required"`
	PublicKeyHMAC       []byte    `json:"public_key_hmac" db:"public_key_hmac" validate:"required"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

type PublicIdentity struct {
	UserID    string `json:"user_id"`
	PublicKey []byte `json:"public_key"`
}

// WrappedKey is a chat key version encrypted to one recipient's public key.
// It is a transport artifact; the recipient's UserChatKeyVersion is the
// durable copy.
type WrappedKey struct {
	ChatID      string    `json:"chat_id" db:"chat_id"`
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	Version     int       `json:"version" db:"key_version"`
	Ciphertext  []byte    `json:"ciphertext" db:"ciphertext"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// UserChatKeyVersion is a chat key version sealed under its owner's master
// secret. Any device holding that master secret can open it.
type UserChatKeyVersion struct {
	UserID    string    `json:"user_id" db:"user_id"`
	ChatID    string    `json:"chat_id" db:"chat_id"`
	Version   int       `json:"version" db:"key_version"`
	SealedKey []byte    `json:"sealed_key" db:"sealed_key" validate:"required"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// KeyNotice tells a recipient that a wrapped key is waiting for adoption.
type KeyNotice struct {
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Version int    `json:"version"`
}

// MasterKeyBlob is the user's master secret sealed under a passphrase the
// server never sees. It is parked here only while another device imports
// it.
type MasterKeyBlob struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Blob      []byte    `json:"blob" db:"blob" validate:"required,max=512"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
