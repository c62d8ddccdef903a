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
	"time"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	c.Attachments = append([]string{}, m.Attachments...)
	c.Reactions = append([]string{}, m.Reactions...)
	c.ReadBy = append([]string{}, m.ReadBy...)
	return &c
}

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) ownedMessage(messageID, senderID string) (*models.Message, error) {
	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if m.SenderID != senderID {
		return nil, storage.ErrForbidden
	}
	return m, nil
}

func (s *Store) EditMessage(ctx context.Context, messageID, senderID string, keyVersion int, ciphertext string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ownedMessage(messageID, senderID)
	if err != nil {
		return nil, err
	}
	m.Ciphertext = ciphertext
	m.UsedKeyVersion = keyVersion
	m.IsEdited = true
	m.ReadBy = nil
	return cloneMessage(m), nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.ownedMessage(messageID, senderID)
	if err != nil {
		return nil, err
	}
	delete(s.messages, messageID)
	return cloneMessage(m), nil
}

func (s *Store) UpdateReaction(ctx context.Context, messageID, tuple string, add bool) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	idx := -1
	for i, r := range m.Reactions {
		if r == tuple {
			idx = i
			break
		}
	}
	switch {
	case add && idx < 0:
		m.Reactions = append(m.Reactions, tuple)
	case !add && idx >= 0:
		m.Reactions = append(m.Reactions[:idx], m.Reactions[idx+1:]...)
	}
	return cloneMessage(m), nil
}

func (s *Store) MarkRead(ctx context.Context, chatID, userID string, messageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID || m.SenderID == userID {
			continue
		}
		if contains(m.ReadBy, userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, userID)
		changed = append(changed, id)
	}
	return changed, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func less(a, b *models.Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func (s *Store) ListMessages(ctx context.Context, chatID string, q models.PageQuery) (*models.MessagePage, error) {
	q = q.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursor *models.Message
	if q.Cursor != "" {
		c, ok := s.messages[q.Cursor]
		if !ok || c.ChatID != chatID {
			return nil, storage.ErrNotFound
		}
		cursor = c
	}

	var all []*models.Message
	for _, m := range s.messages {
		if m.ChatID != chatID || m.UsedKeyVersion < q.MinKeyVersion {
			continue
		}
		if cursor != nil {
			if q.Direction == models.DirectionOlder && !less(m, cursor) {
				continue
			}
			if q.Direction == models.DirectionNewer && !less(cursor, m) {
				continue
			}
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return less(all[i], all[j]) })

	hasMore := len(all) > q.Limit
	if hasMore {
		if q.Direction == models.DirectionOlder {
			all = all[len(all)-q.Limit:]
		} else {
			all = all[:q.Limit]
		}
	}

	page := &models.MessagePage{Messages: make([]models.Message, 0, len(all)), HasMore: hasMore}
	for _, m := range all {
		page.Messages = append(page.Messages, *cloneMessage(m))
	}
	page.Cursors()

	var cursorAt time.Time
	if cursor != nil {
		cursorAt = cursor.Timestamp
	}
	window := models.PageWindow(q, cursorAt, page.Messages, hasMore)
	page.SystemMessages = []models.SystemMessage{}
	for _, sm := range s.system[chatID] {
		if sm.UsedKeyVersion >= q.MinKeyVersion && window.Contains(sm.Timestamp) {
			page.SystemMessages = append(page.SystemMessages, sm)
		}
	}
	return page, nil
}

func (s *Store) SaveSystemMessage(ctx context.Context, msg *models.SystemMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.system[msg.ChatID] = append(s.system[msg.ChatID], *msg)
	return nil
}
