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

	"github.com/efchatnet/efgroup/backend/metrics"
	"github.com/efchatnet/efgroup/backend/models"
)

// WrappedKeys lists the wrapped copies waiting for userID in chatID.
func (s *Service) WrappedKeys(ctx context.Context, userID, chatID string) ([]models.WrappedKey, error) {
	p, err := s.Participant(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListWrappedKeys(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]models.WrappedKey, 0, len(all))
	for _, w := range all {
		if w.Version >= p.JoinKeyVersion {
			out = append(out, w)
		}
	}
	return out, nil
}

// DeleteWrappedKeys discards adopted transport copies. Deleting a version
// that is already gone is not an error.
func (s *Service) DeleteWrappedKeys(ctx context.Context, userID, chatID string, versions []int) error {
	if _, err := s.Participant(ctx, chatID, userID); err != nil {
		return err
	}
	if err := s.store.DeleteWrappedKeys(ctx, userID, chatID, versions); err != nil {
		return err
	}
	return s.announcer.Ack(ctx, userID, chatID, versions)
}

func (s *Service) UserChatKeys(ctx context.Context, userID, chatID string) ([]models.UserChatKeyVersion, error) {
	if _, err := s.Participant(ctx, chatID, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserChatKeys(ctx, userID, chatID)
}

// SaveUserChatKey stores userID's sealed copy of an existing version they
// are entitled to. Repeating the call is harmless.
func (s *Service) SaveUserChatKey(ctx context.Context, userID, chatID string, version int, sealed []byte) error {
	chat, p, err := s.chatFor(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if version < p.JoinKeyVersion || version > chat.CurrentKeyVersion {
		return invalid("key version %d is outside %d..%d", version, p.JoinKeyVersion, chat.CurrentKeyVersion)
	}
	if len(sealed) == 0 {
		return invalid("sealed key is required")
	}
	return s.store.SaveUserChatKey(ctx, models.UserChatKeyVersion{
		UserID:    userID,
		ChatID:    chatID,
		Version:   version,
		SealedKey: sealed,
	})
}

// PendingKeys reports whether a wrapped key for n is still outstanding.
func (s *Service) PendingKeys(ctx context.Context, n models.KeyNotice) (bool, error) {
	_, err := s.store.GetWrappedKey(ctx, n.UserID, n.ChatID, n.Version)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// PruneAdoptedKeys drops wrapped copies whose recipients already hold a
// sealed copy. Run periodically.
func (s *Service) PruneAdoptedKeys(ctx context.Context) (int64, error) {
	n, err := s.store.PruneAdoptedWrappedKeys(ctx)
	if err != nil {
		return 0, err
	}
	metrics.WrappedKeysPruned.Add(float64(n))
	return n, nil
}

// PendingKeyNotices lists every wrapped key still waiting for userID
// across their chats.
func (s *Service) PendingKeyNotices(ctx context.Context, userID string) ([]models.KeyNotice, error) {
	chats, err := s.store.ListUserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []models.KeyNotice
	for _, c := range chats {
		keys, err := s.WrappedKeys(ctx, userID, c.ID)
		if err != nil {
			return nil, err
		}
		for _, w := range keys {
			out = append(out, models.KeyNotice{UserID: userID, ChatID: c.ID, Version: w.Version})
		}
	}
	return out, nil
}
