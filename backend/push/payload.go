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

// Package push delivers "you have a new message" notifications to users
// with no live session. Nothing in this package ever sees ciphertext or key
// material: Payload is the only type that crosses the boundary.
package push

import (
	"github.com/efchatnet/efgroup/backend/models"
)

// Payload is what a push provider receives. Adding a field here publishes
// it to third parties.
type Payload struct {
	ChatID            string          `json:"chatId"`
	SenderDisplayName string          `json:"senderDisplayName"`
	ChatType          models.ChatType `json:"chatType"`
	ChatName          string          `json:"chatName,omitempty"`
}

// NewPayload builds the notification for a message sent in chat.
func NewPayload(chat *models.Chat, senderDisplayName string) Payload {
	p := Payload{
		ChatID:            chat.ID,
		SenderDisplayName: senderDisplayName,
		ChatType:          chat.Type,
	}
	if chat.Type == models.ChatTypeGroup {
		p.ChatName = chat.Name
	}
	return p
}
