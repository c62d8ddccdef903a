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

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

func toModel(s *crypto.SealedIdentity) models.IdentityKeyPair {
	return models.IdentityKeyPair{
		PublicKey:           s.PublicKey,
		EncryptedPrivateKey: s.EncryptedPrivateKey,
		PublicKeyHMAC:       s.PublicKeyHMAC,
	}
}

// GenerateIdentity creates and publishes this user's first identity key
// pair. It fails with crypto.ErrAlreadyExists if one is published already.
func (k *Keyring) GenerateIdentity(ctx context.Context) error {
	m, err := k.masterSecret()
	if err != nil {
		return err
	}
	id, sealed, err := crypto.GenerateIdentity(m)
	if err != nil {
		return err
	}
	if err := k.dir.PublishIdentity(ctx, toModel(sealed), false); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("publish identity: %w", crypto.ErrAlreadyExists)
		}
		return fmt.Errorf("publish identity: %w", err)
	}
	k.mu.Lock()
	k.identity = id
	k.halted = nil
	k.mu.Unlock()
	level.Info(k.logger).Log("msg", "identity generated", "user_id", k.userID)
	return nil
}

// CheckIdentity loads the published identity and verifies its HMAC. A
// failure halts every key operation until the master secret is re-imported
// or the identity regenerated.
func (k *Keyring) CheckIdentity(ctx context.Context) error {
	m, err := k.masterSecret()
	if err != nil {
		return err
	}
	kp, err := k.dir.Identity(ctx)
	if err != nil {
		return fmt.Errorf("fetch identity: %w", err)
	}
	id, err := crypto.OpenIdentity(m, &crypto.SealedIdentity{
		PublicKey:           kp.PublicKey,
		EncryptedPrivateKey: kp.EncryptedPrivateKey,
		PublicKeyHMAC:       kp.PublicKeyHMAC,
	})
	if err != nil {
		if errors.Is(err, crypto.ErrIdentityIntegrity) {
			level.Error(k.logger).Log("msg", "identity integrity check failed, halting key operations", "user_id", k.userID)
			k.halt(err)
		}
		return err
	}
	k.mu.Lock()
	k.identity = id
	k.halted = nil
	k.mu.Unlock()
	return nil
}

// ImportMaster replaces the master secret, for example after a transfer
// from another device, and re-checks the identity with it.
func (k *Keyring) ImportMaster(ctx context.Context, m *crypto.MasterSecret) error {
	k.mu.Lock()
	if k.master != nil && k.master != m {
		k.master.Wipe()
	}
	k.master = m
	k.halted = nil
	k.identity = nil
	k.chats = make(map[string]*chatState)
	k.mu.Unlock()
	return k.CheckIdentity(ctx)
}

// ExportMaster seals the master secret under passphrase and parks it on
// the server for another device to pick up with ImportMasterBlob.
func (k *Keyring) ExportMaster(ctx context.Context, passphrase string) error {
	m, err := k.masterSecret()
	if err != nil {
		return err
	}
	blob, err := m.ExportSealed(passphrase)
	if err != nil {
		return fmt.Errorf("seal master secret: %w", err)
	}
	if err := k.dir.SaveMasterKeyBlob(ctx, blob); err != nil {
		return fmt.Errorf("upload master secret: %w", err)
	}
	level.Info(k.logger).Log("msg", "master secret exported", "user_id", k.userID)
	return nil
}

// ImportMasterBlob fetches the parked master secret, opens it with
// passphrase and imports it. The server copy is removed once the identity
// checks out; a wrong passphrase leaves it in place.
func (k *Keyring) ImportMasterBlob(ctx context.Context, passphrase string) error {
	blob, err := k.dir.MasterKeyBlob(ctx)
	if err != nil {
		return fmt.Errorf("fetch master secret: %w", err)
	}
	m, err := crypto.ImportSealed(blob, passphrase)
	if err != nil {
		return err
	}
	if err := k.ImportMaster(ctx, m); err != nil {
		return err
	}
	if err := k.dir.DeleteMasterKeyBlob(ctx); err != nil {
		level.Warn(k.logger).Log("msg", "failed to remove transferred master secret", "user_id", k.userID, "err", err)
	}
	level.Info(k.logger).Log("msg", "master secret imported", "user_id", k.userID)
	return nil
}

// RegenerateIdentity replaces the identity key pair. Wrapped keys still
// addressed to the old key are adopted first when the old key is usable;
// the server drops the rest and tells the owners of this user's chats to
// re-verify and rotate.
func (k *Keyring) RegenerateIdentity(ctx context.Context) error {
	m, err := k.masterSecret()
	if err != nil {
		return err
	}
	if _, err := k.ready(); err == nil {
		k.drainPending(ctx)
	}

	id, sealed, err := crypto.GenerateIdentity(m)
	if err != nil {
		return err
	}
	if err := k.dir.PublishIdentity(ctx, toModel(sealed), true); err != nil {
		return fmt.Errorf("replace identity: %w", err)
	}
	k.mu.Lock()
	k.identity = id
	k.halted = nil
	k.mu.Unlock()
	level.Info(k.logger).Log("msg", "identity regenerated", "user_id", k.userID)
	return nil
}

func (k *Keyring) drainPending(ctx context.Context) {
	chats, err := k.dir.Chats(ctx)
	if err != nil {
		level.Warn(k.logger).Log("msg", "failed to list chats before regeneration", "err", err)
		return
	}
	for _, c := range chats {
		if _, err := k.Adopt(ctx, c.ID); err != nil {
			level.Warn(k.logger).Log("msg", "failed to adopt keys before regeneration", "chat_id", c.ID, "err", err)
		}
	}
}

// PublicKey returns the loaded identity's public key.
func (k *Keyring) PublicKey() ([]byte, error) {
	id, err := k.ready()
	if err != nil {
		return nil, err
	}
	return id.PublicKey, nil
}
