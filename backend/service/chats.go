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
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/efchatnet/efgroup/backend/metrics"
	"github.com/efchatnet/efgroup/backend/models"
)

// CreateChat creates a chat at key version 0 owned by ownerID.
func (s *Service) CreateChat(ctx context.Context, ownerID string, req models.CreateChatRequest) (*models.Chat, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	members := []string{ownerID}
	seen := map[string]bool{ownerID: true}
	for _, id := range req.Participants {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	if req.Type == models.ChatTypeDM && len(members) != 2 {
		return nil, invalid("a direct chat has exactly two participants")
	}
	if len(members) < 2 {
		return nil, invalid("a chat needs at least one other participant")
	}
	others := members[1:]
	if err := coverage(req.WrappedKeys, others); err != nil {
		return nil, err
	}

	chat := models.Chat{
		ID:      req.ID,
		OwnerID: ownerID,
		Type:    req.Type,
		Name:    req.Name,
	}
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.Type == models.ChatTypeDM {
		chat.Name = ""
	}
	for _, id := range members {
		chat.Participants = append(chat.Participants, models.Participant{UserID: id})
	}

	wrapped := wrappedFor(chat.ID, 0, req.WrappedKeys)
	ownerKey := models.UserChatKeyVersion{UserID: ownerID, ChatID: chat.ID, Version: 0, SealedKey: req.OwnerSealedKey}
	if err := s.store.CreateChat(ctx, chat, wrapped, ownerKey); err != nil {
		return nil, err
	}

	created, err := s.store.GetChat(ctx, chat.ID)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, chat.ID, 0, others)
	s.notifier.ChatCreated(created, others)
	level.Info(s.logger).Log("msg", "chat created", "chat_id", chat.ID, "user_id", ownerID, "participants", len(members))
	return created, nil
}

// coverage requires exactly one wrapped key per expected recipient.
func coverage(wrapped map[string][]byte, recipients []string) error {
	want := make(map[string]bool, len(recipients))
	for _, id := range recipients {
		want[id] = true
		if len(wrapped[id]) == 0 {
			return invalid("missing wrapped key for %s", id)
		}
	}
	for id := range wrapped {
		if !want[id] {
			return invalid("wrapped key for non-participant %s", id)
		}
	}
	return nil
}

func wrappedFor(chatID string, version int, wrapped map[string][]byte) []models.WrappedKey {
	out := make([]models.WrappedKey, 0, len(wrapped))
	for userID, ct := range wrapped {
		out = append(out, models.WrappedKey{ChatID: chatID, RecipientID: userID, Version: version, Ciphertext: ct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

func (s *Service) Chat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, _, err := s.chatFor(ctx, userID, chatID)
	return chat, err
}

func (s *Service) Chats(ctx context.Context, userID string) ([]models.Chat, error) {
	return s.store.ListUserChats(ctx, userID)
}

// AddParticipants joins new users at the chat's current key version. They
// never receive earlier versions.
func (s *Service) AddParticipants(ctx context.Context, actorID, chatID string, req models.AddParticipantsRequest) (*models.Chat, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	chat, err := s.ownedChat(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Type != models.ChatTypeGroup {
		return nil, invalid("participants can only be added to group chats")
	}

	added, err := s.store.AddParticipants(ctx, chatID, req.KeyVersion, wrappedFor(chatID, req.KeyVersion, req.WrappedKeys))
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(added))
	for _, p := range added {
		ids = append(ids, p.UserID)
		s.systemMessage(ctx, chatID, updated.CurrentKeyVersion, fmt.Sprintf("@%s was added to the chat.", p.UserID))
	}
	s.announce(ctx, chatID, req.KeyVersion, ids)
	s.notifier.ChatCreated(updated, ids)
	s.notifier.ParticipantsChanged(updated)
	return updated, nil
}

// RemoveParticipant is owner only. The removed user's wrapped and sealed
// keys for the chat are deleted with the membership.
func (s *Service) RemoveParticipant(ctx context.Context, actorID, chatID, userID string) error {
	chat, err := s.ownedChat(ctx, actorID, chatID)
	if err != nil {
		return err
	}
	if userID == chat.OwnerID {
		return invalid("the owner cannot be removed")
	}
	if !chat.IsParticipant(userID) {
		return ErrNotParticipant
	}
	return s.removeParticipant(ctx, chat, userID, fmt.Sprintf("@%s was removed from the chat.", userID))
}

// LeaveChat removes the caller. The owner cannot leave their own chat.
func (s *Service) LeaveChat(ctx context.Context, userID, chatID string) error {
	chat, _, err := s.chatFor(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if chat.OwnerID == userID {
		return invalid("the owner cannot leave the chat")
	}
	return s.removeParticipant(ctx, chat, userID, fmt.Sprintf("@%s left the chat.", userID))
}

func (s *Service) removeParticipant(ctx context.Context, chat *models.Chat, userID, notice string) error {
	if err := s.store.RemoveParticipant(ctx, chat.ID, userID); err != nil {
		return err
	}
	s.notifier.RemovedFromChat(chat.ID, userID)
	s.systemMessage(ctx, chat.ID, chat.CurrentKeyVersion, notice)

	updated, err := s.store.GetChat(ctx, chat.ID)
	if err != nil {
		return err
	}
	s.notifier.ParticipantsChanged(updated)
	return nil
}

func (s *Service) RenameChat(ctx context.Context, actorID, chatID string, req models.RenameChatRequest) (*models.Chat, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	chat, err := s.ownedChat(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Type != models.ChatTypeGroup {
		return nil, invalid("direct chats have no name")
	}
	if err := s.store.RenameChat(ctx, chatID, req.Name); err != nil {
		return nil, err
	}
	chat.Name = req.Name
	s.systemMessage(ctx, chatID, chat.CurrentKeyVersion, fmt.Sprintf("The group was renamed to %q.", req.Name))
	s.notifier.ChatUpdated(chat)
	return chat, nil
}

// RotateChatKey commits version FromVersion+1. Every current non-owner
// participant must receive a wrapped copy in the same request so the new
// version is never advertised to someone without a way to obtain it. The
// check here rejects bad requests early; the store repeats it atomically
// with the version compare, so a membership change that lands in between
// fails the rotation with storage.ErrVersionConflict.
func (s *Service) RotateChatKey(ctx context.Context, actorID, chatID string, req models.RotateKeyRequest) (*models.RotateKeyResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	chat, err := s.ownedChat(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}
	recipients := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		if p.UserID != chat.OwnerID {
			recipients = append(recipients, p.UserID)
		}
	}
	if err := coverage(req.WrappedKeys, recipients); err != nil {
		return nil, err
	}

	next := req.FromVersion + 1
	ownerKey := models.UserChatKeyVersion{UserID: actorID, ChatID: chatID, Version: next, SealedKey: req.OwnerSealedKey}
	if err := s.store.RotateChatKey(ctx, chatID, req.FromVersion, wrappedFor(chatID, next, req.WrappedKeys), ownerKey); err != nil {
		return nil, err
	}
	metrics.KeyRotations.Inc()

	s.systemMessage(ctx, chatID, next, fmt.Sprintf("The chat key has been rotated to version %d.", next))
	s.announce(ctx, chatID, next, recipients)
	s.notifier.KeyRotated(chatID, next)
	level.Info(s.logger).Log("msg", "chat key rotated", "chat_id", chatID, "user_id", actorID, "version", next)
	return &models.RotateKeyResponse{ChatID: chatID, KeyVersion: next}, nil
}
