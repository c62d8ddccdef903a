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
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

// EncryptMessage seals a UTF-8 message body and returns base64(iv‖ct).
func EncryptMessage(k *ChatKey, text string) (string, error) {
	ct, err := Encrypt(k.key, []byte(text))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptMessage opens a body produced by EncryptMessage. A tag mismatch is
// reported as ErrAuthenticationFailure since the key itself was resolved.
func DecryptMessage(k *ChatKey, encoded string) (string, error) {
	return decryptText(k, encoded, base64.StdEncoding)
}

// EncryptFileName produces a ciphertext safe to use as a URL path segment.
func EncryptFileName(k *ChatKey, name string) (string, error) {
	ct, err := Encrypt(k.key, []byte(name))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(ct), nil
}

func DecryptFileName(k *ChatKey, encoded string) (string, error) {
	return decryptText(k, encoded, base64.RawURLEncoding)
}

func reactionIV(userID, reaction string) []byte {
	sum := sha256.Sum256([]byte(userID + ":" + reaction))
	return sum[:IVSize]
}

// EncryptReaction seals reaction with an IV derived from (userID, reaction),
// so the same user reacting with the same emoji under the same key yields
// identical ciphertext. That equality is what lets the server add and remove
// reactions by value.
func EncryptReaction(k *ChatKey, userID, reaction string) (string, error) {
	ct, err := EncryptWithIV(k.key, reactionIV(userID, reaction), []byte(reaction))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func DecryptReaction(k *ChatKey, encoded string) (string, error) {
	return decryptText(k, encoded, base64.StdEncoding)
}

// ReactionTuple is the stored form of a reaction: "<userId>:<ciphertext>".
func ReactionTuple(userID, ciphertext string) string {
	return userID + ":" + ciphertext
}

// SplitReactionTuple parses a stored reaction. User ids never contain ':'.
func SplitReactionTuple(tuple string) (userID, ciphertext string, err error) {
	userID, ciphertext, ok := strings.Cut(tuple, ":")
	if !ok || userID == "" || ciphertext == "" {
		return "", "", errors.New("malformed reaction tuple")
	}
	return userID, ciphertext, nil
}

func decryptText(k *ChatKey, encoded string, enc *base64.Encoding) (string, error) {
	raw, err := enc.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryption
	}
	pt, err := Decrypt(k.key, raw)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	if !utf8.Valid(pt) {
		return "", ErrDecryption
	}
	return string(pt), nil
}
