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

package storage

import (
	"context"
	"errors"

	"github.com/efchatnet/efgroup/backend/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict means the chat's current key version is not the one
	// the caller based its change on.
	ErrVersionConflict = errors.New("key version conflict")
	ErrForbidden       = errors.New("forbidden")
)

type IdentityStore interface {
	CreateIdentity(ctx context.Context, kp models.IdentityKeyPair) error
	ReplaceIdentity(ctx context.Context, kp models.IdentityKeyPair) error
	GetIdentity(ctx context.Context, userID string) (*models.IdentityKeyPair, error)
}

type ChatStore interface {
	// CreateChat stores the chat at key version 0 together with the wrapped
	// copies for every non-owner participant and the owner's sealed copy.
	CreateChat(ctx context.Context, chat models.Chat, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	ListUserChats(ctx context.Context, userID string) ([]models.Chat, error)
	GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error)
	RenameChat(ctx context.Context, chatID, name string) error

	// AddParticipants joins the recipients of wrapped at keyVersion, which
	// must be the current version.
	AddParticipants(ctx context.Context, chatID string, keyVersion int, wrapped []models.WrappedKey) ([]models.Participant, error)

	// RemoveParticipant also drops every wrapped and sealed key the user
	// held for the chat.
	RemoveParticipant(ctx context.Context, chatID, userID string) error

	// RotateChatKey is a compare-and-set on the chat's current key version
	// and its membership. wrapped must address exactly the non-owner
	// participants at commit time. Either the version becomes fromVersion+1
	// with all of wrapped and ownerKey stored, or nothing changes and
	// ErrVersionConflict is returned.
	RotateChatKey(ctx context.Context, chatID string, fromVersion int, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error
}

type KeyStore interface {
	ListWrappedKeys(ctx context.Context, userID, chatID string) ([]models.WrappedKey, error)
	GetWrappedKey(ctx context.Context, userID, chatID string, version int) (*models.WrappedKey, error)
	DeleteWrappedKeys(ctx context.Context, userID, chatID string, versions []int) error
	// DeleteWrappedKeysForUser drops everything addressed to the user and
	// returns what was removed.
	DeleteWrappedKeysForUser(ctx context.Context, userID string) ([]models.WrappedKey, error)
	// PruneAdoptedWrappedKeys removes wrapped keys whose recipient already
	// holds a sealed copy of the same version.
	PruneAdoptedWrappedKeys(ctx context.Context) (int64, error)

	// SaveUserChatKey is an upsert on (user, chat, version).
	SaveUserChatKey(ctx context.Context, k models.UserChatKeyVersion) error
	ListUserChatKeys(ctx context.Context, userID, chatID string) ([]models.UserChatKeyVersion, error)
	GetUserChatKey(ctx context.Context, userID, chatID string, version int) (*models.UserChatKeyVersion, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	// EditMessage replaces the ciphertext, marks the message edited and
	// clears its read receipts. Only the sender may edit.
	EditMessage(ctx context.Context, messageID, senderID string, keyVersion int, ciphertext string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error)
	// UpdateReaction adds or removes one "<userId>:<ciphertext>" tuple.
	UpdateReaction(ctx context.Context, messageID, tuple string, add bool) (*models.Message, error)
	// MarkRead returns the ids that were not already read by userID.
	MarkRead(ctx context.Context, chatID, userID string, messageIDs []string) ([]string, error)
	// ListMessages only returns messages at or above q.MinKeyVersion.
	ListMessages(ctx context.Context, chatID string, q models.PageQuery) (*models.MessagePage, error)
	SaveSystemMessage(ctx context.Context, msg *models.SystemMessage) error
}

// MasterKeyStore holds at most one passphrase-sealed master secret per user.
type MasterKeyStore interface {
	// SaveMasterKeyBlob replaces any blob the user already parked.
	SaveMasterKeyBlob(ctx context.Context, blob models.MasterKeyBlob) error
	GetMasterKeyBlob(ctx context.Context, userID string) (*models.MasterKeyBlob, error)
	DeleteMasterKeyBlob(ctx context.Context, userID string) error
}

type Store interface {
	IdentityStore
	MasterKeyStore
	ChatStore
	KeyStore
	MessageStore
}

// CoversParticipants reports whether wrapped addresses every participant
// other than ownerID, and nobody else.
func CoversParticipants(ownerID string, participants []models.Participant, wrapped []models.WrappedKey) bool {
	want := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.UserID != ownerID {
			want[p.UserID] = true
		}
	}
	if len(wrapped) != len(want) {
		return false
	}
	for _, w := range wrapped {
		if !want[w.RecipientID] {
			return false
		}
		delete(want, w.RecipientID)
	}
	return true
}
