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

// Package memory is a process-local storage.Store. It backs tests and the
// single-node development mode; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

type keyID struct {
	userID  string
	chatID  string
	version int
}

type chatRecord struct {
	chat         models.Chat
	participants []models.Participant
}

type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	identities map[string]models.IdentityKeyPair
	masterKeys map[string]models.MasterKeyBlob
	chats      map[string]*chatRecord
	wrapped    map[keyID]models.WrappedKey
	sealed     map[keyID]models.UserChatKeyVersion
	messages   map[string]*models.Message
	system     map[string][]models.SystemMessage
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		now:        time.Now,
		identities: make(map[string]models.IdentityKeyPair),
		masterKeys: make(map[string]models.MasterKeyBlob),
		chats:      make(map[string]*chatRecord),
		wrapped:    make(map[keyID]models.WrappedKey),
		sealed:     make(map[keyID]models.UserChatKeyVersion),
		messages:   make(map[string]*models.Message),
		system:     make(map[string][]models.SystemMessage),
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) CreateIdentity(ctx context.Context, kp models.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[kp.UserID]; ok {
		return storage.ErrAlreadyExists
	}
	kp.UpdatedAt = s.now()
	s.identities[kp.UserID] = kp
	return nil
}

func (s *Store) ReplaceIdentity(ctx context.Context, kp models.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp.UpdatedAt = s.now()
	s.identities[kp.UserID] = kp
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, userID string) (*models.IdentityKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.identities[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &kp, nil
}

func (r *chatRecord) snapshot() models.Chat {
	c := r.chat
	c.Participants = append([]models.Participant(nil), r.participants...)
	return c
}

func (r *chatRecord) participant(userID string) (models.Participant, bool) {
	for _, p := range r.participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func (s *Store) CreateChat(ctx context.Context, chat models.Chat, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chat.ID]; ok {
		return storage.ErrAlreadyExists
	}
	now := s.now()
	chat.CreatedAt = now
	chat.CurrentKeyVersion = 0
	rec := &chatRecord{}
	for _, p := range chat.Participants {
		p.JoinKeyVersion = 0
		p.JoinedAt = now
		rec.participants = append(rec.participants, p)
	}
	chat.Participants = nil
	rec.chat = chat
	s.chats[chat.ID] = rec
	for _, w := range wrapped {
		w.CreatedAt = now
		s.wrapped[keyID{w.RecipientID, w.ChatID, w.Version}] = w
	}
	ownerKey.CreatedAt = now
	s.sealed[keyID{ownerKey.UserID, ownerKey.ChatID, ownerKey.Version}] = ownerKey
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := rec.snapshot()
	return &c, nil
}

func (s *Store) ListUserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chat
	for _, rec := range s.chats {
		if _, ok := rec.participant(userID); ok {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p, ok := rec.participant(userID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *Store) RenameChat(ctx context.Context, chatID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return storage.ErrNotFound
	}
	rec.chat.Name = name
	return nil
}

func (s *Store) AddParticipants(ctx context.Context, chatID string, keyVersion int, wrapped []models.WrappedKey) ([]models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.chat.CurrentKeyVersion != keyVersion {
		return nil, storage.ErrVersionConflict
	}
	for _, w := range wrapped {
		if _, ok := rec.participant(w.RecipientID); ok {
			return nil, storage.ErrAlreadyExists
		}
	}
	now := s.now()
	added := make([]models.Participant, 0, len(wrapped))
	for _, w := range wrapped {
		p := models.Participant{UserID: w.RecipientID, JoinKeyVersion: keyVersion, JoinedAt: now}
		rec.participants = append(rec.participants, p)
		added = append(added, p)
		w.ChatID = chatID
		w.Version = keyVersion
		w.CreatedAt = now
		s.wrapped[keyID{w.RecipientID, chatID, keyVersion}] = w
	}
	return added, nil
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return storage.ErrNotFound
	}
	idx := -1
	for i, p := range rec.participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return storage.ErrNotFound
	}
	rec.participants = append(rec.participants[:idx], rec.participants[idx+1:]...)
	for id := range s.wrapped {
		if id.userID == userID && id.chatID == chatID {
			delete(s.wrapped, id)
		}
	}
	for id := range s.sealed {
		if id.userID == userID && id.chatID == chatID {
			delete(s.sealed, id)
		}
	}
	return nil
}

func (s *Store) RotateChatKey(ctx context.Context, chatID string, fromVersion int, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chats[chatID]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.chat.CurrentKeyVersion != fromVersion {
		return storage.ErrVersionConflict
	}
	if !storage.CoversParticipants(rec.chat.OwnerID, rec.participants, wrapped) {
		return storage.ErrVersionConflict
	}
	next := fromVersion + 1
	now := s.now()
	for _, w := range wrapped {
		w.ChatID = chatID
		w.Version = next
		w.CreatedAt = now
		s.wrapped[keyID{w.RecipientID, chatID, next}] = w
	}
	ownerKey.ChatID = chatID
	ownerKey.Version = next
	ownerKey.CreatedAt = now
	s.sealed[keyID{ownerKey.UserID, chatID, next}] = ownerKey
	rec.chat.CurrentKeyVersion = next
	return nil
}
