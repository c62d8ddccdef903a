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
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) CreateIdentity(ctx context.Context, kp models.IdentityKeyPair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, public_key, encrypted_private_key, public_key_hmac, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		kp.UserID, kp.PublicKey, kp.EncryptedPrivateKey, kp.PublicKeyHMAC, time.Now())
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (s *Store) ReplaceIdentity(ctx context.Context, kp models.IdentityKeyPair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_keys (user_id, public_key, encrypted_private_key, public_key_hmac, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET public_key = $2, encrypted_private_key = $3, public_key_hmac = $4, updated_at = $5`,
		kp.UserID, kp.PublicKey, kp.EncryptedPrivateKey, kp.PublicKeyHMAC, time.Now())
	return err
}

func (s *Store) GetIdentity(ctx context.Context, userID string) (*models.IdentityKeyPair, error) {
	kp := &models.IdentityKeyPair{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT public_key, encrypted_private_key, public_key_hmac, updated_at
		FROM identity_keys WHERE user_id = $1`, userID).Scan(
		&kp.PublicKey, &kp.EncryptedPrivateKey, &kp.PublicKeyHMAC, &kp.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return kp, nil
}

func (s *Store) SaveMasterKeyBlob(ctx context.Context, blob models.MasterKeyBlob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO master_key_blobs (user_id, blob, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET blob = $2, updated_at = $3`,
		blob.UserID, blob.Blob, time.Now())
	return err
}

func (s *Store) GetMasterKeyBlob(ctx context.Context, userID string) (*models.MasterKeyBlob, error) {
	blob := &models.MasterKeyBlob{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT blob, updated_at FROM master_key_blobs WHERE user_id = $1`, userID).
		Scan(&blob.Blob, &blob.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return blob, nil
}

func (s *Store) DeleteMasterKeyBlob(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM master_key_blobs WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
