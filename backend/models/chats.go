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

type ChatType string

const (
	ChatTypeDM    ChatType = "dm"
	ChatTypeGroup ChatType = "group"
)

type Chat struct {
	ID                string        `json:"id" db:"chat_id"`
	OwnerID           string        `json:"owner_id" db:"owner_id"`
	Type              ChatType      `json:"type" db:"chat_type"`
	Name              string        `json:"name,omitempty" db:"name"`
	CurrentKeyVersion int           `json:"current_key_version" db:"current_key_version"`
	Participants      []Participant `json:"participants"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// Participant records the key version current when the user joined. Keys
// and messages below it are never served to them.
type Participant struct {
	UserID         string    `json:"user_id" db:"user_id"`
	JoinKeyVersion int       `json:"join_key_version" db:"join_key_version"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
}

func (c *Chat) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Chat) IsParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// CreateChatRequest carries version 0 of the chat key, already wrapped for
// every participant except the owner, plus the owner's sealed copy.
type CreateChatRequest struct {
	ID             string            `json:"id" validate:"omitempty,uuid"`
	Type           ChatType          `json:"type" validate:"required,oneof=dm group"`
	Name           string            `json:"name" validate:"max=128"`
	Participants   []string          `json:"participants" validate:"required,min=1,dive,required"`
	WrappedKeys    map[string][]byte `json:"wrapped_keys" validate:"required"`
	OwnerSealedKey []byte            `json:"owner_sealed_key" validate:"required"`
}

// AddParticipantsRequest adds the map's keys as participants. Each value is
// the chat key at KeyVersion wrapped for that user; KeyVersion must be the
// chat's current version.
type AddParticipantsRequest struct {
	KeyVersion  int               `json:"key_version" validate:"min=0"`
	WrappedKeys map[string][]byte `json:"wrapped_keys" validate:"required,min=1"`
}

// RotateKeyRequest advances the chat from FromVersion to FromVersion+1.
type RotateKeyRequest struct {
	FromVersion    int               `json:"from_version" validate:"min=0"`
	WrappedKeys    map[string][]byte `json:"wrapped_keys"`
	OwnerSealedKey []byte            `json:"owner_sealed_key" validate:"required"`
}

type RotateKeyResponse struct {
	ChatID     string `json:"chat_id"`
	KeyVersion int    `json:"key_version"`
}

type RenameChatRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}
