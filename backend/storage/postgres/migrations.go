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
	"fmt"
)

var migrations = []string{
	// Identity key pairs; the private key is sealed client-side
	`CREATE TABLE IF NOT EXISTS identity_keys (
		user_id VARCHAR(255) PRIMARY KEY,
		public_key BYTEA NOT NULL,
		encrypted_private_key BYTEA NOT NULL,
		public_key_hmac BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	// Passphrase-sealed master secrets awaiting import on another device
	`CREATE TABLE IF NOT EXISTS master_key_blobs (
		user_id VARCHAR(255) PRIMARY KEY,
		blob BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS chats (
		chat_id VARCHAR(255) PRIMARY KEY,
		owner_id VARCHAR(255) NOT NULL,
		chat_type VARCHAR(16) NOT NULL CHECK (chat_type IN ('dm', 'group')),
		name VARCHAR(255) NOT NULL DEFAULT '',
		current_key_version INTEGER NOT NULL DEFAULT 0 CHECK (current_key_version >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id VARCHAR(255) NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
		user_id VARCHAR(255) NOT NULL,
		join_key_version INTEGER NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (chat_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_participants_user
	ON chat_participants(user_id)`,

	// Chat key versions wrapped to a recipient's identity key
	`CREATE TABLE IF NOT EXISTS wrapped_chat_keys (
		chat_id VARCHAR(255) NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
		recipient_id VARCHAR(255) NOT NULL,
		key_version INTEGER NOT NULL,
		ciphertext BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (recipient_id, chat_id, key_version)
	)`,

	// Chat key versions sealed under the holder's master secret
	`CREATE TABLE IF NOT EXISTS user_chat_keys (
		user_id VARCHAR(255) NOT NULL,
		chat_id VARCHAR(255) NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
		key_version INTEGER NOT NULL,
		sealed_key BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, chat_id, key_version)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		message_id VARCHAR(255) PRIMARY KEY,
		chat_id VARCHAR(255) NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
		sender_id VARCHAR(255) NOT NULL,
		used_key_version INTEGER NOT NULL,
		ciphertext TEXT NOT NULL,
		attachments TEXT[] NOT NULL DEFAULT '{}',
		reactions TEXT[] NOT NULL DEFAULT '{}',
		reply_to_id VARCHAR(255),
		read_by TEXT[] NOT NULL DEFAULT '{}',
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_chat_time
	ON messages(chat_id, created_at, message_id)`,

	`CREATE TABLE IF NOT EXISTS system_messages (
		system_message_id VARCHAR(255) PRIMARY KEY,
		chat_id VARCHAR(255) NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		used_key_version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_system_messages_chat
	ON system_messages(chat_id, created_at)`,
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
