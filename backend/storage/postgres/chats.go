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

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

func insertWrapped(ctx context.Context, tx *sql.Tx, w models.WrappedKey, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wrapped_chat_keys (chat_id, recipient_id, key_version, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (recipient_id, chat_id, key_version) DO UPDATE
		SET ciphertext = $4, created_at = $5`,
		w.ChatID, w.RecipientID, w.Version, w.Ciphertext, now)
	return err
}

func upsertSealed(ctx context.Context, ex execer, k models.UserChatKeyVersion, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO user_chat_keys (user_id, chat_id, key_version, sealed_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, chat_id, key_version) DO UPDATE
		SET sealed_key = $4`,
		k.UserID, k.ChatID, k.Version, k.SealedKey, now)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) CreateChat(ctx context.Context, chat models.Chat, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (chat_id, owner_id, chat_type, name, current_key_version, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		chat.ID, chat.OwnerID, string(chat.Type), chat.Name, now)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return err
	}

	for _, p := range chat.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id, join_key_version, joined_at)
			VALUES ($1, $2, 0, $3)`,
			chat.ID, p.UserID, now)
		if err != nil {
			return err
		}
	}

	for _, w := range wrapped {
		if err := insertWrapped(ctx, tx, w, now); err != nil {
			return err
		}
	}
	if err := upsertSealed(ctx, tx, ownerKey, now); err != nil {
		return err
	}

	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func participants(ctx context.Context, q querier, chatID string) ([]models.Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, join_key_version, joined_at FROM chat_participants
		WHERE chat_id = $1 ORDER BY joined_at, user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.JoinKeyVersion, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// lockChat takes the row lock that serializes membership changes and
// rotations of one chat.
func lockChat(ctx context.Context, tx *sql.Tx, chatID string) (ownerID string, current int, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT owner_id, current_key_version FROM chats WHERE chat_id = $1 FOR UPDATE`, chatID).Scan(&ownerID, &current)
	return ownerID, current, notFound(err)
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	c := &models.Chat{ID: chatID}
	var chatType string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, chat_type, name, current_key_version, created_at
		FROM chats WHERE chat_id = $1`, chatID).Scan(
		&c.OwnerID, &chatType, &c.Name, &c.CurrentKeyVersion, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	c.Type = models.ChatType(chatType)
	if c.Participants, err = participants(ctx, s.db, chatID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListUserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chat_id FROM chats c
		JOIN chat_participants p ON p.chat_id = c.chat_id
		WHERE p.user_id = $1
		ORDER BY c.created_at`, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChat(ctx, id)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, nil
}

func (s *Store) GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	p := &models.Participant{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT join_key_version, joined_at FROM chat_participants
		WHERE chat_id = $1 AND user_id = $2`, chatID, userID).Scan(&p.JoinKeyVersion, &p.JoinedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *Store) RenameChat(ctx context.Context, chatID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET name = $2 WHERE chat_id = $1`, chatID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AddParticipants(ctx context.Context, chatID string, keyVersion int, wrapped []models.WrappedKey) ([]models.Participant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, current, err := lockChat(ctx, tx, chatID)
	if err != nil {
		return nil, err
	}
	if current != keyVersion {
		return nil, storage.ErrVersionConflict
	}

	now := time.Now()
	added := make([]models.Participant, 0, len(wrapped))
	for _, w := range wrapped {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id, join_key_version, joined_at)
			VALUES ($1, $2, $3, $4)`,
			chatID, w.RecipientID, keyVersion, now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, storage.ErrAlreadyExists
			}
			return nil, err
		}
		w.ChatID = chatID
		w.Version = keyVersion
		if err := insertWrapped(ctx, tx, w, now); err != nil {
			return nil, err
		}
		added = append(added, models.Participant{UserID: w.RecipientID, JoinKeyVersion: keyVersion, JoinedAt: now})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, _, err := lockChat(ctx, tx, chatID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM chat_participants WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM wrapped_chat_keys WHERE chat_id = $1 AND recipient_id = $2`, chatID, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_chat_keys WHERE chat_id = $1 AND user_id = $2`, chatID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RotateChatKey(ctx context.Context, chatID string, fromVersion int, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ownerID, current, err := lockChat(ctx, tx, chatID)
	if err != nil {
		return err
	}
	if current != fromVersion {
		return storage.ErrVersionConflict
	}
	members, err := participants(ctx, tx, chatID)
	if err != nil {
		return err
	}
	if !storage.CoversParticipants(ownerID, members, wrapped) {
		return storage.ErrVersionConflict
	}

	next := fromVersion + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE chats SET current_key_version = $2 WHERE chat_id = $1`, chatID, next); err != nil {
		return err
	}

	now := time.Now()
	for _, w := range wrapped {
		w.ChatID = chatID
		w.Version = next
		if err := insertWrapped(ctx, tx, w, now); err != nil {
			return err
		}
	}
	ownerKey.ChatID = chatID
	ownerKey.Version = next
	if err := upsertSealed(ctx, tx, ownerKey, now); err != nil {
		return err
	}
	return tx.Commit()
}
