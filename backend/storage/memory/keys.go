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

package memory

import (
	"context"
	"sort"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

func (s *Store) ListWrappedKeys(ctx context.Context, userID, chatID string) ([]models.WrappedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WrappedKey
	for id, w := range s.wrapped {
		if id.userID == userID && id.chatID == chatID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) GetWrappedKey(ctx context.Context, userID, chatID string, version int) (*models.WrappedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wrapped[keyID{userID, chatID, version}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &w, nil
}

func (s *Store) DeleteWrappedKeys(ctx context.Context, userID, chatID string, versions []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range versions {
		delete(s.wrapped, keyID{userID, chatID, v})
	}
	return nil
}

func (s *Store) DeleteWrappedKeysForUser(ctx context.Context, userID string) ([]models.WrappedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []models.WrappedKey
	for id, w := range s.wrapped {
		if id.userID == userID {
			removed = append(removed, w)
			delete(s.wrapped, id)
		}
	}
	return removed, nil
}

func (s *Store) PruneAdoptedWrappedKeys(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id := range s.wrapped {
		if _, ok := s.sealed[id]; ok {
			delete(s.wrapped, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveUserChatKey(ctx context.Context, k models.UserChatKeyVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := keyID{k.UserID, k.ChatID, k.Version}
	if prev, ok := s.sealed[id]; ok {
		k.CreatedAt = prev.CreatedAt
	} else {
		k.CreatedAt = s.now()
	}
	s.sealed[id] = k
	return nil
}

func (s *Store) ListUserChatKeys(ctx context.Context, userID, chatID string) ([]models.UserChatKeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UserChatKeyVersion
	for id, k := range s.sealed {
		if id.userID == userID && id.chatID == chatID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) GetUserChatKey(ctx context.Context, userID, chatID string, version int) (*models.UserChatKeyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.sealed[keyID{userID, chatID, version}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &k, nil
}

func (s *Store) SaveMasterKeyBlob(ctx context.Context, blob models.MasterKeyBlob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob.Blob = append([]byte(nil), blob.Blob...)
	blob.UpdatedAt = s.now()
	s.masterKeys[blob.UserID] = blob
	return nil
}

func (s *Store) GetMasterKeyBlob(ctx context.Context, userID string) (*models.MasterKeyBlob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.masterKeys[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &blob, nil
}

func (s *Store) DeleteMasterKeyBlob(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.masterKeys[userID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.masterKeys, userID)
	return nil
}
