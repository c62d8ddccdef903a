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

package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
	"github.com/efchatnet/efgroup/backend/storage/memory"
)

type recorder struct {
	mu          sync.Mutex
	created     map[string][]string
	removed     []string
	rotated     []int
	system      []string
	keyChanged  []string
	announced   []models.KeyNotice
	acked       []int
	participant int
}

func newRecorder() *recorder {
	return &recorder{created: make(map[string][]string)}
}

func (r *recorder) ChatCreated(chat *models.Chat, recipients []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[chat.ID] = append(r.created[chat.ID], recipients...)
}

func (r *recorder) ChatUpdated(*models.Chat) {}

func (r *recorder) ParticipantsChanged(*models.Chat) {
	r.mu.Lock()
	r.participant++
	r.mu.Unlock()
}

func (r *recorder) RemovedFromChat(chatID, userID string) {
	r.mu.Lock()
	r.removed = append(r.removed, userID)
	r.mu.Unlock()
}

func (r *recorder) KeyRotated(chatID string, version int) {
	r.mu.Lock()
	r.rotated = append(r.rotated, version)
	r.mu.Unlock()
}

func (r *recorder) SystemMessage(msg *models.SystemMessage) {
	r.mu.Lock()
	r.system = append(r.system, msg.Content)
	r.mu.Unlock()
}

func (r *recorder) ParticipantKeyChanged(ownerID, chatID, userID string) {
	r.mu.Lock()
	r.keyChanged = append(r.keyChanged, ownerID+"/"+chatID+"/"+userID)
	r.mu.Unlock()
}

func (r *recorder) Announce(ctx context.Context, n models.KeyNotice) error {
	r.mu.Lock()
	r.announced = append(r.announced, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Ack(ctx context.Context, userID, chatID string, versions []int) error {
	r.mu.Lock()
	r.acked = append(r.acked, versions...)
	r.mu.Unlock()
	return nil
}

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	svc := New(memory.NewStore(), nil)
	rec := newRecorder()
	svc.SetNotifier(rec)
	svc.SetAnnouncer(rec)
	return svc, rec
}

func wrapped(users ...string) map[string][]byte {
	m := make(map[string][]byte, len(users))
	for _, u := range users {
		m[u] = []byte("wrapped-for-" + u)
	}
	return m
}

func groupChat(t *testing.T, svc *Service, owner string, others ...string) *models.Chat {
	t.Helper()
	chat, err := svc.CreateChat(context.Background(), owner, models.CreateChatRequest{
		Type:           models.ChatTypeGroup,
		Name:           "team",
		Participants:   others,
		WrappedKeys:    wrapped(others...),
		OwnerSealedKey: []byte("sealed"),
	})
	require.NoError(t, err)
	return chat
}

func TestCreateChatRequiresCoverage(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateChat(ctx, "alice", models.CreateChatRequest{
		Type:           models.ChatTypeGroup,
		Participants:   []string{"bob", "carol"},
		WrappedKeys:    wrapped("bob"),
		OwnerSealedKey: []byte("sealed"),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.CreateChat(ctx, "alice", models.CreateChatRequest{
		Type:           models.ChatTypeDM,
		Participants:   []string{"bob", "carol"},
		WrappedKeys:    wrapped("bob", "carol"),
		OwnerSealedKey: []byte("sealed"),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateChatAnnouncesWrappedKeys(t *testing.T) {
	svc, rec := newService(t)
	chat := groupChat(t, svc, "alice", "bob", "carol")

	assert.Equal(t, 0, chat.CurrentKeyVersion)
	assert.Len(t, chat.Participants, 3)
	assert.ElementsMatch(t, []string{"bob", "carol"}, rec.created[chat.ID])
	assert.Len(t, rec.announced, 2)

	keys, err := svc.WrappedKeys(context.Background(), "bob", chat.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []byte("wrapped-for-bob"), keys[0].Ciphertext)

	owned, err := svc.UserChatKeys(context.Background(), "alice", chat.ID)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, 0, owned[0].Version)
}

func TestNonParticipantIsRejected(t *testing.T) {
	svc, _ := newService(t)
	chat := groupChat(t, svc, "alice", "bob")
	ctx := context.Background()

	_, err := svc.Chat(ctx, "mallory", chat.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.WrappedKeys(ctx, "mallory", chat.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Messages(ctx, "mallory", chat.ID, models.PageQuery{})
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestRotateChatKey(t *testing.T) {
	svc, rec := newService(t)
	chat := groupChat(t, svc, "alice", "bob", "carol")
	ctx := context.Background()

	_, err := svc.RotateChatKey(ctx, "bob", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("alice", "carol"), OwnerSealedKey: []byte("s1"),
	})
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.RotateChatKey(ctx, "alice", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("bob"), OwnerSealedKey: []byte("s1"),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	res, err := svc.RotateChatKey(ctx, "alice", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("bob", "carol"), OwnerSealedKey: []byte("s1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.KeyVersion)
	assert.Equal(t, []int{1}, rec.rotated)
	assert.Contains(t, rec.system, "The chat key has been rotated to version 1.")

	_, err = svc.RotateChatKey(ctx, "alice", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("bob", "carol"), OwnerSealedKey: []byte("s1"),
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	owned, err := svc.UserChatKeys(ctx, "alice", chat.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 2)
}

// lateJoin adds a participant right before the next rotation commits, as
// a concurrent AddParticipants would.
type lateJoin struct {
	*memory.Store
	userID string
}

func (l *lateJoin) RotateChatKey(ctx context.Context, chatID string, fromVersion int, wrapped []models.WrappedKey, ownerKey models.UserChatKeyVersion) error {
	if l.userID != "" {
		joiner := l.userID
		l.userID = ""
		if _, err := l.Store.AddParticipants(ctx, chatID, fromVersion, []models.WrappedKey{{RecipientID: joiner, Ciphertext: []byte("w0")}}); err != nil {
			return err
		}
	}
	return l.Store.RotateChatKey(ctx, chatID, fromVersion, wrapped, ownerKey)
}

func TestRotationRacingAddIsRejected(t *testing.T) {
	store := &lateJoin{Store: memory.NewStore()}
	svc := New(store, nil)
	rec := newRecorder()
	svc.SetNotifier(rec)
	svc.SetAnnouncer(rec)
	chat := groupChat(t, svc, "alice", "bob")
	ctx := context.Background()

	store.userID = "dave"
	_, err := svc.RotateChatKey(ctx, "alice", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("bob"), OwnerSealedKey: []byte("s1"),
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Empty(t, rec.rotated)

	current, err := svc.Chat(ctx, "alice", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.CurrentKeyVersion)
	_, ok := current.Participant("dave")
	assert.True(t, ok)

	// retried against the fresh membership
	res, err := svc.RotateChatKey(ctx, "alice", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("bob", "dave"), OwnerSealedKey: []byte("s1"),
	})
	require.NoError(t, err)
	keys, err := svc.WrappedKeys(ctx, "dave", chat.ID)
	require.NoError(t, err)
	var versions []int
	for _, k := range keys {
		versions = append(versions, k.Version)
	}
	assert.Contains(t, versions, res.KeyVersion)
}

func TestAddedParticipantStartsAtCurrentVersion(t *testing.T) {
	svc, rec := newService(t)
	chat := groupChat(t, svc, "alice", "bob")
	ctx := context.Background()

	_, _, err := svc.PostMessage(ctx, "bob", models.Message{ChatID: chat.ID, UsedKeyVersion: 0, Ciphertext: "old"})
	require.NoError(t, err)
	_, err = svc.RotateChatKey(ctx, "alice", chat.ID, models.RotateKeyRequest{
		WrappedKeys: wrapped("bob"), OwnerSealedKey: []byte("s1"),
	})
	require.NoError(t, err)

	_, err = svc.AddParticipants(ctx, "alice", chat.ID, models.AddParticipantsRequest{KeyVersion: 0, WrappedKeys: wrapped("dave")})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	updated, err := svc.AddParticipants(ctx, "alice", chat.ID, models.AddParticipantsRequest{KeyVersion: 1, WrappedKeys: wrapped("dave")})
	require.NoError(t, err)
	p, ok := updated.Participant("dave")
	require.True(t, ok)
	assert.Equal(t, 1, p.JoinKeyVersion)
	assert.Contains(t, rec.created[chat.ID], "dave")

	page, err := svc.Messages(ctx, "dave", chat.ID, models.PageQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)

	err = svc.SaveUserChatKey(ctx, "dave", chat.ID, 0, []byte("sealed"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	require.NoError(t, svc.SaveUserChatKey(ctx, "dave", chat.ID, 1, []byte("sealed")))

	_, _, err = svc.PostMessage(ctx, "dave", models.Message{ChatID: chat.ID, UsedKeyVersion: 0, Ciphertext: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRemoveAndLeave(t *testing.T) {
	svc, rec := newService(t)
	chat := groupChat(t, svc, "alice", "bob", "carol")
	ctx := context.Background()

	assert.ErrorIs(t, svc.RemoveParticipant(ctx, "bob", chat.ID, "carol"), ErrNotOwner)
	assert.ErrorIs(t, svc.RemoveParticipant(ctx, "alice", chat.ID, "alice"), ErrInvalidRequest)
	assert.ErrorIs(t, svc.LeaveChat(ctx, "alice", chat.ID), ErrInvalidRequest)

	require.NoError(t, svc.RemoveParticipant(ctx, "alice", chat.ID, "carol"))
	require.NoError(t, svc.LeaveChat(ctx, "bob", chat.ID))
	assert.Equal(t, []string{"carol", "bob"}, rec.removed)
	assert.Equal(t, 2, rec.participant)

	_, err := svc.WrappedKeys(ctx, "carol", chat.ID)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMessageLifecycle(t *testing.T) {
	svc, _ := newService(t)
	chat := groupChat(t, svc, "alice", "bob")
	ctx := context.Background()

	_, _, err := svc.PostMessage(ctx, "alice", models.Message{ChatID: chat.ID, Ciphertext: strings.Repeat("a", MaxCiphertextLength+1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = svc.PostMessage(ctx, "alice", models.Message{ChatID: chat.ID, UsedKeyVersion: 1, Ciphertext: "ct"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	msg, _, err := svc.PostMessage(ctx, "alice", models.Message{ChatID: chat.ID, Ciphertext: "ct"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	_, err = svc.EditMessage(ctx, "bob", chat.ID, msg.ID, 0, "evil")
	assert.ErrorIs(t, err, storage.ErrForbidden)
	edited, err := svc.EditMessage(ctx, "alice", chat.ID, msg.ID, 0, "ct2")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)

	reacted, err := svc.React(ctx, "bob", chat.ID, msg.ID, "r1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob:r1"}, reacted.Reactions)
	reacted, err = svc.React(ctx, "bob", chat.ID, msg.ID, "r1", false)
	require.NoError(t, err)
	assert.Empty(t, reacted.Reactions)

	read, err := svc.MarkRead(ctx, "bob", chat.ID, []string{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, read)
	read, err = svc.MarkRead(ctx, "bob", chat.ID, []string{msg.ID})
	require.NoError(t, err)
	assert.Empty(t, read)

	other := groupChat(t, svc, "alice", "carol")
	_, err = svc.DeleteMessage(ctx, "alice", other.ID, msg.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = svc.DeleteMessage(ctx, "alice", chat.ID, msg.ID)
	require.NoError(t, err)
}

func TestDeleteWrappedKeysAcks(t *testing.T) {
	svc, rec := newService(t)
	chat := groupChat(t, svc, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, svc.SaveUserChatKey(ctx, "bob", chat.ID, 0, []byte("sealed")))
	require.NoError(t, svc.DeleteWrappedKeys(ctx, "bob", chat.ID, []int{0}))
	assert.Equal(t, []int{0}, rec.acked)

	pending, err := svc.PendingKeys(ctx, models.KeyNotice{UserID: "bob", ChatID: chat.ID, Version: 0})
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestPruneAdoptedKeys(t *testing.T) {
	svc, _ := newService(t)
	chat := groupChat(t, svc, "alice", "bob", "carol")
	ctx := context.Background()

	require.NoError(t, svc.SaveUserChatKey(ctx, "bob", chat.ID, 0, []byte("sealed")))
	n, err := svc.PruneAdoptedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	keys, err := svc.WrappedKeys(ctx, "carol", chat.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func publish(t *testing.T, svc *Service, userID string, replace bool) {
	t.Helper()
	m, err := crypto.NewMasterSecret()
	require.NoError(t, err)
	_, sealed, err := crypto.GenerateIdentity(m)
	require.NoError(t, err)
	require.NoError(t, svc.PublishIdentity(context.Background(), userID, models.IdentityKeyPair{
		PublicKey:           sealed.PublicKey,
		EncryptedPrivateKey: sealed.EncryptedPrivateKey,
		PublicKeyHMAC:       sealed.PublicKeyHMAC,
	}, replace))
}

func TestPublishIdentity(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	err := svc.PublishIdentity(ctx, "alice", models.IdentityKeyPair{
		PublicKey: []byte("junk"), EncryptedPrivateKey: []byte("x"), PublicKeyHMAC: []byte("y"),
	}, false)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	publish(t, svc, "alice", false)

	m, err := crypto.NewMasterSecret()
	require.NoError(t, err)
	_, sealed, err := crypto.GenerateIdentity(m)
	require.NoError(t, err)
	err = svc.PublishIdentity(ctx, "alice", models.IdentityKeyPair{
		PublicKey: sealed.PublicKey, EncryptedPrivateKey: sealed.EncryptedPrivateKey, PublicKeyHMAC: sealed.PublicKeyHMAC,
	}, false)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	pub, err := svc.PublicIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", pub.UserID)
}

func TestReplacedIdentityDropsWrappedKeys(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	publish(t, svc, "bob", false)
	chat := groupChat(t, svc, "alice", "bob")

	publish(t, svc, "bob", true)

	keys, err := svc.WrappedKeys(ctx, "bob", chat.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, []int{0}, rec.acked)
	assert.Equal(t, []string{"alice/" + chat.ID + "/bob"}, rec.keyChanged)
}

type brokenInbox struct {
	*recorder
}

func (brokenInbox) Ack(ctx context.Context, userID, chatID string, versions []int) error {
	return errors.New("inbox unavailable")
}

func TestReplacedIdentityLogsFailedAck(t *testing.T) {
	var buf bytes.Buffer
	svc := New(memory.NewStore(), log.NewLogfmtLogger(&buf))
	rec := newRecorder()
	svc.SetNotifier(rec)
	svc.SetAnnouncer(brokenInbox{rec})
	publish(t, svc, "bob", false)
	chat := groupChat(t, svc, "alice", "bob")

	publish(t, svc, "bob", true)

	assert.Contains(t, buf.String(), "failed to ack wrapped key notices")
	assert.Contains(t, buf.String(), "chat_id="+chat.ID)
	assert.Equal(t, []string{"alice/" + chat.ID + "/bob"}, rec.keyChanged)
}
