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

package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

// MaxCiphertextLength caps the base64 ciphertext of one message.
const MaxCiphertextLength = 64 * 1024

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// Messages pages through chatID's history as seen by userID: nothing
// below their join key version is returned.
func (s *Service) Messages(ctx context.Context, userID, chatID string, q models.PageQuery) (*models.MessagePage, error) {
	p, err := s.Participant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	q.MinKeyVersion = p.JoinKeyVersion
	return s.store.ListMessages(ctx, chatID, q)
}

func checkCiphertext(ct string) error {
	if ct == "" {
		return invalid("ciphertext is required")
	}
	if len(ct) > MaxCiphertextLength {
		return invalid("ciphertext exceeds %d bytes", MaxCiphertextLength)
	}
	return nil
}

func checkVersion(chat *models.Chat, p models.Participant, version int) error {
	if version < p.JoinKeyVersion || version > chat.CurrentKeyVersion {
		return invalid("key version %d is outside %d..%d", version, p.JoinKeyVersion, chat.CurrentKeyVersion)
	}
	return nil
}

// PostMessage persists a new message from senderID. The returned chat is
// the state the message was accepted against.
func (s *Service) PostMessage(ctx context.Context, senderID string, msg models.Message) (*models.Message, *models.Chat, error) {
	chat, p, err := s.chatFor(ctx, senderID, msg.ChatID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkCiphertext(msg.Ciphertext); err != nil {
		return nil, nil, err
	}
	if err := checkVersion(chat, p, msg.UsedKeyVersion); err != nil {
		return nil, nil, err
	}
	if msg.ReplyToID != "" {
		parent, err := s.store.GetMessage(ctx, msg.ReplyToID)
		if err != nil || parent.ChatID != msg.ChatID {
			return nil, nil, invalid("reply target not found in chat")
		}
	}

	saved := &models.Message{
		ID:             uuid.NewString(),
		ChatID:         msg.ChatID,
		SenderID:       senderID,
		UsedKeyVersion: msg.UsedKeyVersion,
		Ciphertext:     msg.Ciphertext,
		Attachments:    nonNil(msg.Attachments),
		Reactions:      []string{},
		ReplyToID:      msg.ReplyToID,
		ReadBy:         []string{},
	}
	if err := s.store.SaveMessage(ctx, saved); err != nil {
		return nil, nil, err
	}
	return saved, chat, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// messageIn loads messageID and checks it belongs to chatID.
func (s *Service) messageIn(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.ChatID != chatID {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

// EditMessage replaces the ciphertext of the sender's own message.
func (s *Service) EditMessage(ctx context.Context, userID, chatID, messageID string, keyVersion int, ciphertext string) (*models.Message, error) {
	chat, p, err := s.chatFor(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if err := checkCiphertext(ciphertext); err != nil {
		return nil, err
	}
	if err := checkVersion(chat, p, keyVersion); err != nil {
		return nil, err
	}
	if _, err := s.messageIn(ctx, chatID, messageID); err != nil {
		return nil, err
	}
	return s.store.EditMessage(ctx, messageID, userID, keyVersion, ciphertext)
}

func (s *Service) DeleteMessage(ctx context.Context, userID, chatID, messageID string) (*models.Message, error) {
	if _, _, err := s.chatFor(ctx, userID, chatID); err != nil {
		return nil, err
	}
	if _, err := s.messageIn(ctx, chatID, messageID); err != nil {
		return nil, err
	}
	return s.store.DeleteMessage(ctx, messageID, userID)
}

// React adds or removes userID's reaction ciphertext on a message.
func (s *Service) React(ctx context.Context, userID, chatID, messageID, ciphertext string, add bool) (*models.Message, error) {
	if _, _, err := s.chatFor(ctx, userID, chatID); err != nil {
		return nil, err
	}
	if ciphertext == "" || len(ciphertext) > 1024 {
		return nil, invalid("reaction ciphertext must be 1..1024 bytes")
	}
	if _, err := s.messageIn(ctx, chatID, messageID); err != nil {
		return nil, err
	}
	return s.store.UpdateReaction(ctx, messageID, userID+":"+ciphertext, add)
}

// MarkRead returns the ids newly marked read by userID.
func (s *Service) MarkRead(ctx context.Context, userID, chatID string, messageIDs []string) ([]string, error) {
	if _, _, err := s.chatFor(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.store.MarkRead(ctx, chatID, userID, messageIDs)
}
