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

package keyring

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/models"
)

// MessageError is a per-message failure. Errors from the crypto package
// stay reachable with errors.Is.
type MessageError struct {
	MessageID string
	ChatID    string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s in chat %s: %v", e.MessageID, e.ChatID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// Reaction is one decrypted reaction on a message.
type Reaction struct {
	UserID string
	Emoji  string
}

// Decrypted is a message opened for display.
type Decrypted struct {
	Message     models.Message
	Text        string
	Attachments []string
	Reactions   []Reaction
	Err         error
}

// EncryptMessage seals text under the chat's current key and returns the
// ciphertext with the version used.
func (k *Keyring) EncryptMessage(ctx context.Context, chatID, text string) (string, int, error) {
	key, err := k.CurrentKey(ctx, chatID)
	if err != nil {
		return "", 0, err
	}
	ct, err := crypto.EncryptMessage(key, text)
	if err != nil {
		return "", 0, err
	}
	return ct, key.Version, nil
}

// DecryptMessage opens msg with the key version it names.
func (k *Keyring) DecryptMessage(ctx context.Context, msg models.Message) (string, error) {
	key, err := k.ChatKey(ctx, msg.ChatID, msg.UsedKeyVersion)
	if err != nil {
		return "", &MessageError{MessageID: msg.ID, ChatID: msg.ChatID, Err: err}
	}
	text, err := crypto.DecryptMessage(key, msg.Ciphertext)
	if err != nil {
		return "", &MessageError{MessageID: msg.ID, ChatID: msg.ChatID, Err: err}
	}
	return text, nil
}

// DecryptMessages opens a page of history. A message that cannot be opened
// carries its error in Err and does not stop the rest.
func (k *Keyring) DecryptMessages(ctx context.Context, msgs []models.Message) []Decrypted {
	out := make([]Decrypted, 0, len(msgs))
	for _, msg := range msgs {
		d := Decrypted{Message: msg}
		key, err := k.ChatKey(ctx, msg.ChatID, msg.UsedKeyVersion)
		if err != nil {
			d.Err = &MessageError{MessageID: msg.ID, ChatID: msg.ChatID, Err: err}
			out = append(out, d)
			continue
		}
		if d.Text, err = crypto.DecryptMessage(key, msg.Ciphertext); err != nil {
			d.Err = &MessageError{MessageID: msg.ID, ChatID: msg.ChatID, Err: err}
			out = append(out, d)
			continue
		}
		for _, a := range msg.Attachments {
			name, err := crypto.DecryptFileName(key, a)
			if err != nil {
				level.Debug(k.logger).Log("msg", "attachment name does not open", "message_id", msg.ID)
				continue
			}
			d.Attachments = append(d.Attachments, name)
		}
		d.Reactions = k.openReactions(key, msg)
		out = append(out, d)
	}
	return out
}

func (k *Keyring) openReactions(key *crypto.ChatKey, msg models.Message) []Reaction {
	var out []Reaction
	for _, tuple := range msg.Reactions {
		userID, ct, err := crypto.SplitReactionTuple(tuple)
		if err != nil {
			continue
		}
		emoji, err := crypto.DecryptReaction(key, ct)
		if err != nil {
			level.Debug(k.logger).Log("msg", "reaction does not open", "message_id", msg.ID, "user_id", userID)
			continue
		}
		out = append(out, Reaction{UserID: userID, Emoji: emoji})
	}
	return out
}

// EncryptReaction seals emoji under the key of the message it reacts to.
// The same user and emoji always produce the same ciphertext for a given
// key, so it can be removed later by value.
func (k *Keyring) EncryptReaction(ctx context.Context, msg models.Message, emoji string) (string, error) {
	key, err := k.ChatKey(ctx, msg.ChatID, msg.UsedKeyVersion)
	if err != nil {
		return "", err
	}
	return crypto.EncryptReaction(key, k.userID, emoji)
}

// EncryptFileName seals an attachment name under the chat's current key.
func (k *Keyring) EncryptFileName(ctx context.Context, chatID, name string) (string, int, error) {
	key, err := k.CurrentKey(ctx, chatID)
	if err != nil {
		return "", 0, err
	}
	ct, err := crypto.EncryptFileName(key, name)
	if err != nil {
		return "", 0, err
	}
	return ct, key.Version, nil
}

func (k *Keyring) DecryptFileName(ctx context.Context, chatID string, version int, encoded string) (string, error) {
	key, err := k.ChatKey(ctx, chatID, version)
	if err != nil {
		return "", err
	}
	return crypto.DecryptFileName(key, encoded)
}
