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
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efgroup/backend/models"
)

func (s *Store) ListWrappedKeys(ctx context.Context, userID, chatID string) ([]models.WrappedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, recipient_id, key_version, ciphertext, created_at
		FROM wrapped_chat_keys
		WHERE recipient_id = $1 AND chat_id = $2
		ORDER BY key_version`, userID, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WrappedKey
	for rows.Next() {
		var w models.WrappedKey
		if err := rows.Scan(&w.ChatID, &w.RecipientID, &w.Version, &w.Ciphertext, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) GetWrappedKey(ctx context.Context, userID, chatID string, version int) (*models.WrappedKey, error) {
	w := &models.WrappedKey{ChatID: chatID, RecipientID: userID, Version: version}
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, created_at FROM wrapped_chat_keys
		WHERE recipient_id = $1 AND chat_id = $2 AND key_version = $3`,
		userID, chatID, version).Scan(&w.Ciphertext, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

func (s *Store) DeleteWrappedKeys(ctx context.Context, userID, chatID string, versions []int) error {
	if len(versions) == 0 {
		return nil
	}
	v := make([]int64, len(versions))
	for i, n := range versions {
		v[i] = int64(n)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM wrapped_chat_keys
		WHERE recipient_id = $1 AND chat_id = $2 AND key_version = ANY($3)`,
		userID, chatID, pq.Array(v))
	return err
}

func (s *Store) DeleteWrappedKeysForUser(ctx context.Context, userID string) ([]models.WrappedKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM wrapped_chat_keys WHERE recipient_id = $1
		RETURNING chat_id, recipient_id, key_version, ciphertext, created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WrappedKey
	for rows.Next() {
		var w models.WrappedKey
		if err := rows.Scan(&w.ChatID, &w.RecipientID, &w.Version, &w.Ciphertext, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) PruneAdoptedWrappedKeys(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM wrapped_chat_keys w
		USING user_chat_keys u
		WHERE u.user_id = w.recipient_id
		  AND u.chat_id = w.chat_id
		  AND u.key_version = w.key_version`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) SaveUserChatKey(ctx context.Context, k models.UserChatKeyVersion) error {
	return upsertSealed(ctx, s.db, k, time.Now())
}

func (s *Store) ListUserChatKeys(ctx context.Context, userID, chatID string) ([]models.UserChatKeyVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_version, sealed_key, created_at FROM user_chat_keys
		WHERE user_id = $1 AND chat_id = $2
		ORDER BY key_version`, userID, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UserChatKeyVersion
	for rows.Next() {
		k := models.UserChatKeyVersion{UserID: userID, ChatID: chatID}
		if err := rows.Scan(&k.Version, &k.SealedKey, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) GetUserChatKey(ctx context.Context, userID, chatID string, version int) (*models.UserChatKeyVersion, error) {
	k := &models.UserChatKeyVersion{UserID: userID, ChatID: chatID, Version: version}
	err := s.db.QueryRowContext(ctx, `
		SELECT sealed_key, created_at FROM user_chat_keys
		WHERE user_id = $1 AND chat_id = $2 AND key_version = $3`,
		userID, chatID, version).Scan(&k.SealedKey, &k.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return k, nil
}
