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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrKeyUnavailable means no local copy, no durable copy and no pending
	// wrapped copy exists for the requested chat key version.
	ErrKeyUnavailable = errors.New("chat key unavailable")

	// ErrKeyVersionUnavailable means the requested version predates the
	// reader's join version. It is final; the key will never arrive.
	ErrKeyVersionUnavailable = errors.New("chat key version predates membership")

	// ErrAuthenticationFailure means an AEAD tag did not verify under the
	// key that was supposed to open the ciphertext.
	ErrAuthenticationFailure = errors.New("ciphertext failed authentication")

	ErrVerificationRequired = errors.New("verification required")

	// ErrIdentityIntegrity means the published public key does not carry a
	// valid HMAC under the local master secret.
	ErrIdentityIntegrity = errors.New("identity integrity check failed")

	ErrConnectionUnauthenticated = errors.New("connection unauthenticated")
	ErrAlreadyExists             = errors.New("already exists")

	// ErrDecryption is the cipher layer's only failure mode.
	ErrDecryption = errors.New("decryption failed")

	ErrInvalidKey = errors.New("invalid key material")
)

// VerificationRequiredError lists the participants that must complete the
// safety-number ceremony before the operation may proceed.
type VerificationRequiredError struct {
	ChatID  string
	UserIDs []string
}

func (e *VerificationRequiredError) Error() string {
	return fmt.Sprintf("chat %s: verification required for %s", e.ChatID, strings.Join(e.UserIDs, ", "))
}

func (e *VerificationRequiredError) Unwrap() error {
	return ErrVerificationRequired
}
