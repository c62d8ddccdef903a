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
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/efchatnet/efgroup/backend/crypto"
)

// Adopt turns every wrapped key waiting in chatID into a sealed copy under
// the master secret and returns the versions adopted. A version is cached
// only once its sealed copy is stored, and ctx is checked between versions,
// so cancelling never leaves a half-adopted version. Repeating the call is
// safe.
func (k *Keyring) Adopt(ctx context.Context, chatID string) ([]int, error) {
	id, err := k.ready()
	if err != nil {
		return nil, err
	}
	m, err := k.masterSecret()
	if err != nil {
		return nil, err
	}
	wrapped, err := k.dir.WrappedKeys(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch wrapped keys: %w", err)
	}

	var adopted []int
	for _, w := range wrapped {
		if err := ctx.Err(); err != nil {
			return adopted, err
		}
		key, err := crypto.UnwrapChatKey(id, chatID, w.Version, w.Ciphertext)
		if err != nil {
			// addressed to a previous identity key
			level.Warn(k.logger).Log("msg", "wrapped key does not open", "chat_id", chatID, "version", w.Version, "err", err)
			continue
		}
		sealed, err := key.Seal(m)
		if err != nil {
			return adopted, err
		}
		if err := k.dir.SaveUserChatKey(ctx, chatID, w.Version, sealed); err != nil {
			return adopted, fmt.Errorf("store chat key v%d: %w", w.Version, err)
		}
		k.cacheKey(key)
		adopted = append(adopted, w.Version)
	}

	if len(adopted) > 0 {
		if err := k.dir.DeleteWrappedKeys(ctx, chatID, adopted); err != nil {
			// the periodic prune removes them later
			level.Warn(k.logger).Log("msg", "failed to delete adopted wrapped keys", "chat_id", chatID, "err", err)
		}
	}
	return adopted, nil
}

// ChatKey returns version of chatID's key, fetching and adopting as needed.
// Versions below this user's join version fail with
// crypto.ErrKeyVersionUnavailable; versions with no copy anywhere fail with
// crypto.ErrKeyUnavailable.
func (k *Keyring) ChatKey(ctx context.Context, chatID string, version int) (*crypto.ChatKey, error) {
	if _, err := k.ready(); err != nil {
		return nil, err
	}
	if key, ok := k.cachedKey(chatID, version); ok {
		return key, nil
	}

	join, current, ok := k.knownChat(chatID)
	if !ok || version > current {
		chat, err := k.dir.Chat(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("fetch chat: %w", err)
		}
		k.observe(chat)
		join, _, _ = k.knownChat(chatID)
	}
	if version < join {
		return nil, crypto.ErrKeyVersionUnavailable
	}

	if key, err := k.openSealed(ctx, chatID, version); err != nil || key != nil {
		return key, err
	}
	if _, err := k.Adopt(ctx, chatID); err != nil {
		return nil, err
	}
	if key, ok := k.cachedKey(chatID, version); ok {
		return key, nil
	}
	return nil, crypto.ErrKeyUnavailable
}

// openSealed looks for this user's sealed copy of version on the server.
// It caches every sealed copy it opens along the way.
func (k *Keyring) openSealed(ctx context.Context, chatID string, version int) (*crypto.ChatKey, error) {
	m, err := k.masterSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := k.dir.UserChatKeys(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch sealed keys: %w", err)
	}
	var found *crypto.ChatKey
	for _, s := range sealed {
		if _, ok := k.cachedKey(chatID, s.Version); ok {
			if s.Version == version {
				found, _ = k.cachedKey(chatID, version)
			}
			continue
		}
		key, err := crypto.OpenChatKey(m, chatID, s.Version, s.SealedKey)
		if err != nil {
			level.Warn(k.logger).Log("msg", "sealed chat key does not open", "chat_id", chatID, "version", s.Version)
			continue
		}
		k.cacheKey(key)
		if s.Version == version {
			found = key
		}
	}
	return found, nil
}

// CurrentKey returns the chat's newest key version.
func (k *Keyring) CurrentKey(ctx context.Context, chatID string) (*crypto.ChatKey, error) {
	chat, err := k.dir.Chat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("fetch chat: %w", err)
	}
	k.observe(chat)
	return k.ChatKey(ctx, chatID, chat.CurrentKeyVersion)
}
