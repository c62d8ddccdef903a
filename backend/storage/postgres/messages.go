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

	"github.com/lib/pq"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

const messageColumns = `message_id, chat_id, sender_id, used_key_version, ciphertext,
	attachments, reactions, reply_to_id, read_by, is_edited, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	m := &models.Message{}
	var replyTo sql.NullString
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.UsedKeyVersion, &m.Ciphertext,
		pq.Array(&m.Attachments), pq.Array(&m.Reactions), &replyTo, pq.Array(&m.ReadBy),
		&m.IsEdited, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	m.ReplyToID = replyTo.String
	return m, nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	var replyTo sql.NullString
	if msg.ReplyToID != "" {
		replyTo = sql.NullString{String: msg.ReplyToID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.UsedKeyVersion, msg.Ciphertext,
		pq.Array(nonNil(msg.Attachments)), pq.Array(nonNil(msg.Reactions)), replyTo,
		pq.Array(nonNil(msg.ReadBy)), msg.IsEdited, msg.Timestamp)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, messageID))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// senderCheck distinguishes a missing message from someone else's.
func (s *Store) senderCheck(ctx context.Context, messageID string) error {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return err
	}
	return storage.ErrForbidden
}

func (s *Store) EditMessage(ctx context.Context, messageID, senderID string, keyVersion int, ciphertext string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET ciphertext = $3, used_key_version = $4, is_edited = TRUE, read_by = '{}'
		WHERE message_id = $1 AND sender_id = $2
		RETURNING `+messageColumns, messageID, senderID, ciphertext, keyVersion))
	if err == sql.ErrNoRows {
		return nil, s.senderCheck(ctx, messageID)
	}
	return m, err
}

func (s *Store) DeleteMessage(ctx context.Context, messageID, senderID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		DELETE FROM messages WHERE message_id = $1 AND sender_id = $2
		RETURNING `+messageColumns, messageID, senderID))
	if err == sql.ErrNoRows {
		return nil, s.senderCheck(ctx, messageID)
	}
	return m, err
}

func (s *Store) UpdateReaction(ctx context.Context, messageID, tuple string, add bool) (*models.Message, error) {
	query := `
		UPDATE messages SET reactions = array_remove(reactions, $2)
		WHERE message_id = $1
		RETURNING ` + messageColumns
	if add {
		query = `
		UPDATE messages
		SET reactions = CASE WHEN $2 = ANY(reactions) THEN reactions ELSE array_append(reactions, $2) END
		WHERE message_id = $1
		RETURNING ` + messageColumns
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, tuple))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) MarkRead(ctx context.Context, chatID, userID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages SET read_by = array_append(read_by, $2)
		WHERE chat_id = $1
		  AND message_id = ANY($3)
		  AND sender_id <> $2
		  AND NOT ($2 = ANY(read_by))
		RETURNING message_id`, chatID, userID, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		changed = append(changed, id)
	}
	return changed, rows.Err()
}

func (s *Store) ListMessages(ctx context.Context, chatID string, q models.PageQuery) (*models.MessagePage, error) {
	q = q.Normalize()

	var cursorAt time.Time
	args := []any{chatID, q.MinKeyVersion, q.Limit + 1}
	where := `chat_id = $1 AND used_key_version >= $2`
	if q.Cursor != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT created_at FROM messages WHERE message_id = $1 AND chat_id = $2`,
			q.Cursor, chatID).Scan(&cursorAt)
		if err != nil {
			return nil, notFound(err)
		}
		args = append(args, cursorAt, q.Cursor)
		if q.Direction == models.DirectionOlder {
			where += ` AND (created_at, message_id) < ($4, $5)`
		} else {
			where += ` AND (created_at, message_id) > ($4, $5)`
		}
	}
	order := `created_at DESC, message_id DESC`
	if q.Direction == models.DirectionNewer {
		order = `created_at ASC, message_id ASC`
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE `+where+`
		ORDER BY `+order+`
		LIMIT $3`, args...)
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(msgs) > q.Limit
	if hasMore {
		msgs = msgs[:q.Limit]
	}
	if q.Direction == models.DirectionOlder {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	page := &models.MessagePage{Messages: msgs, HasMore: hasMore}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	page.Cursors()

	window := models.PageWindow(q, cursorAt, page.Messages, hasMore)
	page.SystemMessages, err = s.systemMessages(ctx, chatID, q.MinKeyVersion, window)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *Store) systemMessages(ctx context.Context, chatID string, minVersion int, window models.SystemWindow) ([]models.SystemMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT system_message_id, content, used_key_version, created_at
		FROM system_messages
		WHERE chat_id = $1 AND used_key_version >= $2
		ORDER BY created_at`, chatID, minVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.SystemMessage{}
	for rows.Next() {
		sm := models.SystemMessage{ChatID: chatID}
		if err := rows.Scan(&sm.ID, &sm.Content, &sm.UsedKeyVersion, &sm.Timestamp); err != nil {
			return nil, err
		}
		if window.Contains(sm.Timestamp) {
			out = append(out, sm)
		}
	}
	return out, rows.Err()
}

func (s *Store) SaveSystemMessage(ctx context.Context, msg *models.SystemMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_messages (system_message_id, chat_id, content, used_key_version, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ChatID, msg.Content, msg.UsedKeyVersion, msg.Timestamp)
	return err
}
