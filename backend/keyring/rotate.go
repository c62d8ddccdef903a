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
	"errors"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

// wrapForAll wraps key for every user in recipients using their published
// public keys.
func (k *Keyring) wrapForAll(ctx context.Context, key *crypto.ChatKey, recipients []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(recipients))
	for _, userID := range recipients {
		pub, err := k.dir.PublicIdentity(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("fetch public key of %s: %w", userID, err)
		}
		wrapped, err := key.WrapFor(pub.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", userID, err)
		}
		out[userID] = wrapped
	}
	return out, nil
}

// CreateChat mints version 0 for a new chat and wraps it for every other
// participant. The returned chat is owned by this user.
func (k *Keyring) CreateChat(ctx context.Context, chatType models.ChatType, name string, participants []string) (*models.Chat, error) {
	if _, err := k.ready(); err != nil {
		return nil, err
	}
	m, err := k.masterSecret()
	if err != nil {
		return nil, err
	}

	var others []string
	seen := map[string]bool{k.userID: true}
	for _, id := range participants {
		if !seen[id] {
			seen[id] = true
			others = append(others, id)
		}
	}

	chatID := uuid.NewString()
	key, err := crypto.MintChatKey(chatID, 0)
	if err != nil {
		return nil, err
	}
	wrapped, err := k.wrapForAll(ctx, key, others)
	if err != nil {
		return nil, err
	}
	sealed, err := key.Seal(m)
	if err != nil {
		return nil, err
	}

	chat, err := k.dir.CreateChat(ctx, models.CreateChatRequest{
		ID:             chatID,
		Type:           chatType,
		Name:           name,
		Participants:   others,
		WrappedKeys:    wrapped,
		OwnerSealedKey: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	k.observe(chat)
	k.cacheKey(key)
	return chat, nil
}

// RotateChatKey advances chatID to the next key version. Every non-owner
// participant must be verified; otherwise nothing is minted or published
// and a *crypto.VerificationRequiredError names who is missing.
//
// A retry after a lost response is safe: if the server already holds this
// exact key as the owner's copy of the next version, the rotation counts
// as done.
func (k *Keyring) RotateChatKey(ctx context.Context, chatID string) (int, error) {
	if _, err := k.ready(); err != nil {
		return 0, err
	}
	m, err := k.masterSecret()
	if err != nil {
		return 0, err
	}
	chat, err := k.dir.Chat(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("fetch chat: %w", err)
	}
	k.observe(chat)

	unverified, err := k.UnverifiedPeers(ctx, chat)
	if err != nil {
		return 0, err
	}
	if len(unverified) > 0 {
		return 0, &crypto.VerificationRequiredError{ChatID: chatID, UserIDs: unverified}
	}

	var recipients []string
	for _, id := range chat.ParticipantIDs() {
		if id != chat.OwnerID {
			recipients = append(recipients, id)
		}
	}

	next := chat.CurrentKeyVersion + 1
	key, err := crypto.MintChatKey(chatID, next)
	if err != nil {
		return 0, err
	}
	wrapped, err := k.wrapVerified(key, recipients)
	if err != nil {
		return 0, err
	}
	sealed, err := key.Seal(m)
	if err != nil {
		return 0, err
	}
	req := models.RotateKeyRequest{FromVersion: chat.CurrentKeyVersion, WrappedKeys: wrapped, OwnerSealedKey: sealed}

	res, err := k.dir.RotateChatKey(ctx, chatID, req)
	if errors.Is(err, storage.ErrVersionConflict) && k.committed(ctx, key) {
		res, err = &models.RotateKeyResponse{ChatID: chatID, KeyVersion: next}, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rotate chat key: %w", err)
	}
	k.cacheKey(key)
	level.Info(k.logger).Log("msg", "chat key rotated", "chat_id", chatID, "version", res.KeyVersion)
	return res.KeyVersion, nil
}

// wrapVerified wraps key with the public keys recorded at verification, so
// a key substituted since then never receives the new version.
func (k *Keyring) wrapVerified(key *crypto.ChatKey, recipients []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(recipients))
	for _, userID := range recipients {
		peer, ok, err := k.peers.Get(userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &crypto.VerificationRequiredError{ChatID: key.ChatID, UserIDs: []string{userID}}
		}
		wrapped, err := key.WrapFor(peer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", userID, err)
		}
		out[userID] = wrapped
	}
	return out, nil
}

// committed reports whether the server's owner copy of key.Version is key.
func (k *Keyring) committed(ctx context.Context, key *crypto.ChatKey) bool {
	m, err := k.masterSecret()
	if err != nil {
		return false
	}
	sealed, err := k.dir.UserChatKeys(ctx, key.ChatID)
	if err != nil {
		return false
	}
	for _, s := range sealed {
		if s.Version != key.Version {
			continue
		}
		stored, err := crypto.OpenChatKey(m, key.ChatID, s.Version, s.SealedKey)
		return err == nil && stored.Equal(key)
	}
	return false
}

// AddParticipants adds users to a group chat at its current key version.
// They can never read messages sent under earlier versions.
func (k *Keyring) AddParticipants(ctx context.Context, chatID string, userIDs []string) (*models.Chat, error) {
	key, err := k.CurrentKey(ctx, chatID)
	if err != nil {
		return nil, err
	}
	wrapped, err := k.wrapForAll(ctx, key, userIDs)
	if err != nil {
		return nil, err
	}
	chat, err := k.dir.AddParticipants(ctx, chatID, models.AddParticipantsRequest{KeyVersion: key.Version, WrappedKeys: wrapped})
	if err != nil {
		return nil, fmt.Errorf("add participants: %w", err)
	}
	k.observe(chat)
	return chat, nil
}

// RemoveParticipant removes userID and rotates so they cannot read what
// follows. If the rotation is refused the removal still stands and the
// error says why.
func (k *Keyring) RemoveParticipant(ctx context.Context, chatID, userID string) (int, error) {
	if err := k.dir.RemoveParticipant(ctx, chatID, userID); err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}
	version, err := k.RotateChatKey(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("participant removed but key not rotated: %w", err)
	}
	return version, nil
}

// LeaveChat leaves and forgets every cached key of the chat.
func (k *Keyring) LeaveChat(ctx context.Context, chatID string) error {
	if err := k.dir.LeaveChat(ctx, chatID); err != nil {
		return fmt.Errorf("leave chat: %w", err)
	}
	k.Forget(chatID)
	return nil
}
