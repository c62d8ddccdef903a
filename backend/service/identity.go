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
	"bytes"
	"context"
	"errors"

	"github.com/go-kit/log/level"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

// PublishIdentity stores userID's identity key pair. Without replace it
// fails with storage.ErrAlreadyExists when one is already published.
//
// Replacing with a different public key invalidates every wrapped key
// addressed to the old one, so those are dropped and the owners of the
// user's other chats are told to re-verify.
func (s *Service) PublishIdentity(ctx context.Context, userID string, kp models.IdentityKeyPair, replace bool) error {
	kp.UserID = userID
	if err := s.check(kp); err != nil {
		return err
	}
	if _, err := crypto.ParsePublicKey(kp.PublicKey); err != nil {
		return invalid("public key: %v", err)
	}

	if !replace {
		return s.store.CreateIdentity(ctx, kp)
	}

	prev, err := s.store.GetIdentity(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.store.ReplaceIdentity(ctx, kp); err != nil {
		return err
	}
	if prev == nil || bytes.Equal(prev.PublicKey, kp.PublicKey) {
		return nil
	}

	removed, err := s.store.DeleteWrappedKeysForUser(ctx, userID)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to drop stale wrapped keys", "user_id", userID, "err", err)
	}
	byChat := make(map[string][]int)
	for _, w := range removed {
		byChat[w.ChatID] = append(byChat[w.ChatID], w.Version)
	}
	for chatID, versions := range byChat {
		s.ack(ctx, userID, chatID, versions)
	}

	chats, err := s.store.ListUserChats(ctx, userID)
	if err != nil {
		return err
	}
	for _, c := range chats {
		if c.OwnerID != userID {
			s.notifier.ParticipantKeyChanged(c.OwnerID, c.ID, userID)
		}
	}
	level.Info(s.logger).Log("msg", "identity replaced", "user_id", userID, "dropped_wrapped_keys", len(removed))
	return nil
}

// Identity returns the caller's own sealed identity.
func (s *Service) Identity(ctx context.Context, userID string) (*models.IdentityKeyPair, error) {
	return s.store.GetIdentity(ctx, userID)
}

func (s *Service) PublicIdentity(ctx context.Context, userID string) (*models.PublicIdentity, error) {
	kp, err := s.store.GetIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.PublicIdentity{UserID: kp.UserID, PublicKey: kp.PublicKey}, nil
}

// SaveMasterKeyBlob parks the caller's passphrase-sealed master secret so
// another of their devices can import it.
func (s *Service) SaveMasterKeyBlob(ctx context.Context, userID string, blob []byte) error {
	mk := models.MasterKeyBlob{UserID: userID, Blob: blob}
	if err := s.check(mk); err != nil {
		return err
	}
	if len(blob) < crypto.MasterSeedSize {
		return invalid("master key blob is too short")
	}
	return s.store.SaveMasterKeyBlob(ctx, mk)
}

func (s *Service) MasterKeyBlob(ctx context.Context, userID string) (*models.MasterKeyBlob, error) {
	return s.store.GetMasterKeyBlob(ctx, userID)
}

func (s *Service) DeleteMasterKeyBlob(ctx context.Context, userID string) error {
	return s.store.DeleteMasterKeyBlob(ctx, userID)
}
