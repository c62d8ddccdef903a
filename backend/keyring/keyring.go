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

// Package keyring is the client side of the key protocol. A Keyring owns
// one device's session state: the master secret, the unsealed identity,
// the chat keys it has opened and the verifications in progress. All of it
// changes through Keyring methods only.
package keyring

import (
	"context"
	"errors"
	"sync"

	"github.com/go-kit/log"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/models"
)

var (
	ErrNoIdentity = errors.New("identity not loaded")
	ErrWiped      = errors.New("keyring wiped")
)

// Directory is the server as seen by one authenticated user.
type Directory interface {
	PublishIdentity(ctx context.Context, kp models.IdentityKeyPair, replace bool) error
	Identity(ctx context.Context) (*models.IdentityKeyPair, error)
	PublicIdentity(ctx context.Context, userID string) (*models.PublicIdentity, error)

	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, chatID string) (*models.Chat, error)
	CreateChat(ctx context.Context, req models.CreateChatRequest) (*models.Chat, error)
	AddParticipants(ctx context.Context, chatID string, req models.AddParticipantsRequest) (*models.Chat, error)
	RemoveParticipant(ctx context.Context, chatID, userID string) error
	LeaveChat(ctx context.Context, chatID string) error
	RotateChatKey(ctx context.Context, chatID string, req models.RotateKeyRequest) (*models.RotateKeyResponse, error)

	WrappedKeys(ctx context.Context, chatID string) ([]models.WrappedKey, error)
	DeleteWrappedKeys(ctx context.Context, chatID string, versions []int) error
	UserChatKeys(ctx context.Context, chatID string) ([]models.UserChatKeyVersion, error)
	SaveUserChatKey(ctx context.Context, chatID string, version int, sealed []byte) error

	SaveMasterKeyBlob(ctx context.Context, blob []byte) error
	MasterKeyBlob(ctx context.Context) ([]byte, error)
	DeleteMasterKeyBlob(ctx context.Context) error
}

// chatState is what the keyring knows about one chat.
type chatState struct {
	joinVersion    int
	currentVersion int
	keys           map[int]*crypto.ChatKey
}

type Keyring struct {
	userID string
	dir    Directory
	peers  PeerStore
	logger log.Logger

	mu       sync.Mutex
	master   *crypto.MasterSecret
	identity *crypto.Identity
	// halted holds the integrity failure that stopped key operations.
	halted  error
	chats   map[string]*chatState
	pending map[string]*Verification
}

// New builds a keyring for userID. The identity is not loaded until
// GenerateIdentity or CheckIdentity succeeds.
func New(userID string, master *crypto.MasterSecret, dir Directory, peers PeerStore, logger log.Logger) *Keyring {
	if peers == nil {
		peers = NewMemoryPeerStore()
	}
	return &Keyring{
		userID:  userID,
		dir:     dir,
		peers:   peers,
		logger:  logging.OrNop(logger),
		master:  master,
		chats:   make(map[string]*chatState),
		pending: make(map[string]*Verification),
	}
}

func (k *Keyring) UserID() string {
	return k.userID
}

// Halted returns the integrity error that stopped key operations, if any.
func (k *Keyring) Halted() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// ready returns the loaded identity or the reason key operations are
// unavailable.
func (k *Keyring) ready() (*crypto.Identity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch {
	case k.master == nil:
		return nil, ErrWiped
	case k.halted != nil:
		return nil, k.halted
	case k.identity == nil:
		return nil, ErrNoIdentity
	}
	return k.identity, nil
}

func (k *Keyring) halt(err error) {
	k.mu.Lock()
	k.halted = err
	k.identity = nil
	k.mu.Unlock()
}

func (k *Keyring) masterSecret() (*crypto.MasterSecret, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.master == nil {
		return nil, ErrWiped
	}
	return k.master, nil
}

func (k *Keyring) state(chatID string) *chatState {
	st, ok := k.chats[chatID]
	if !ok {
		st = &chatState{keys: make(map[int]*crypto.ChatKey)}
		k.chats[chatID] = st
	}
	return st
}

// observe records the versions a chat record reports.
func (k *Keyring) observe(chat *models.Chat) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.state(chat.ID)
	if p, ok := chat.Participant(k.userID); ok {
		st.joinVersion = p.JoinKeyVersion
	}
	if chat.CurrentKeyVersion > st.currentVersion {
		st.currentVersion = chat.CurrentKeyVersion
	}
}

func (k *Keyring) cacheKey(key *crypto.ChatKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.state(key.ChatID)
	st.keys[key.Version] = key
	if key.Version > st.currentVersion {
		st.currentVersion = key.Version
	}
}

func (k *Keyring) cachedKey(chatID string, version int) (*crypto.ChatKey, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.chats[chatID]
	if !ok {
		return nil, false
	}
	key, ok := st.keys[version]
	return key, ok
}

// knownChat reports the cached join and current versions.
func (k *Keyring) knownChat(chatID string) (join, current int, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.chats[chatID]
	if !ok {
		return 0, 0, false
	}
	return st.joinVersion, st.currentVersion, true
}

// OnKeyRotated records a rotation notice. The key itself is fetched on
// first use.
func (k *Keyring) OnKeyRotated(chatID string, version int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.state(chatID)
	if version > st.currentVersion {
		st.currentVersion = version
	}
}

// Forget drops every key cached for chatID.
func (k *Keyring) Forget(chatID string) {
	k.mu.Lock()
	delete(k.chats, chatID)
	k.mu.Unlock()
}

// Wipe destroys the master secret and all unsealed material. The keyring
// is unusable afterwards.
func (k *Keyring) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.master != nil {
		k.master.Wipe()
		k.master = nil
	}
	k.identity = nil
	k.chats = make(map[string]*chatState)
	k.pending = make(map[string]*Verification)
}
