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

package keyring_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroup/backend/client"
	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/keyring"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/service"
	"github.com/efchatnet/efgroup/backend/storage"
	"github.com/efchatnet/efgroup/backend/storage/memory"
)

type world struct {
	t     *testing.T
	store *memory.Store
	svc   *service.Service
}

func newWorld(t *testing.T) *world {
	store := memory.NewStore()
	return &world{t: t, store: store, svc: service.New(store, nil)}
}

type device struct {
	*keyring.Keyring
	master *crypto.MasterSecret
	dir    *client.LocalDirectory
}

func (w *world) device(userID string) *device {
	w.t.Helper()
	m, err := crypto.NewMasterSecret()
	require.NoError(w.t, err)
	dir := client.NewLocalDirectory(w.svc, userID)
	k := keyring.New(userID, m, dir, nil, nil)
	require.NoError(w.t, k.GenerateIdentity(context.Background()))
	return &device{Keyring: k, master: m, dir: dir}
}

// verify runs the safety number ceremony between a and b.
func verify(t *testing.T, a, b *device) {
	t.Helper()
	ctx := context.Background()
	va, err := a.BeginVerification(ctx, b.UserID(), true)
	require.NoError(t, err)
	vb, err := b.BeginVerification(ctx, a.UserID(), false)
	require.NoError(t, err)
	require.Equal(t, va.Emoji, vb.Emoji)
	require.NoError(t, a.ConfirmVerification(b.UserID()))
	require.NoError(t, b.ConfirmVerification(a.UserID()))
}

func (d *device) post(t *testing.T, chatID, text string) models.Message {
	t.Helper()
	ctx := context.Background()
	ct, version, err := d.EncryptMessage(ctx, chatID, text)
	require.NoError(t, err)
	msg, err := d.dir.PostMessage(ctx, models.Message{ChatID: chatID, UsedKeyVersion: version, Ciphertext: ct})
	require.NoError(t, err)
	return *msg
}

func TestGeneratedIdentityPassesIntegrity(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.device("alice")

	kp, err := alice.dir.Identity(ctx)
	require.NoError(t, err)
	assert.NoError(t, crypto.VerifyIntegrity(alice.master, kp.PublicKey, kp.PublicKeyHMAC))
	assert.NoError(t, alice.CheckIdentity(ctx))

	err = alice.GenerateIdentity(ctx)
	assert.ErrorIs(t, err, crypto.ErrAlreadyExists)
}

func TestTamperedIdentityHalts(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)

	kp, err := w.store.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	other, _, err := crypto.GenerateIdentity(alice.master)
	require.NoError(t, err)
	kp.PublicKey = other.PublicKey
	require.NoError(t, w.store.ReplaceIdentity(ctx, *kp))

	err = alice.CheckIdentity(ctx)
	assert.ErrorIs(t, err, crypto.ErrIdentityIntegrity)
	assert.ErrorIs(t, alice.Halted(), crypto.ErrIdentityIntegrity)

	_, _, err = alice.EncryptMessage(ctx, chat.ID, "hi")
	assert.ErrorIs(t, err, crypto.ErrIdentityIntegrity)

	require.NoError(t, alice.RegenerateIdentity(ctx))
	assert.NoError(t, alice.Halted())
	assert.NoError(t, alice.CheckIdentity(ctx))
}

func TestThreePersonChat(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob, carol := w.device("alice"), w.device("bob"), w.device("carol")

	chat, err := alice.CreateChat(ctx, models.ChatTypeGroup, "trio", []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, 0, chat.CurrentKeyVersion)

	msg := alice.post(t, chat.ID, "hello both")
	for _, d := range []*device{bob, carol} {
		adopted, err := d.Adopt(ctx, chat.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{0}, adopted)

		text, err := d.DecryptMessage(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, "hello both", text)

		left, err := w.svc.WrappedKeys(ctx, d.UserID(), chat.ID)
		require.NoError(t, err)
		assert.Empty(t, left)
	}

	again, err := bob.Adopt(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSecondDeviceOpensSealedCopy(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)
	msg := alice.post(t, chat.ID, "for every device")
	_, err = bob.DecryptMessage(ctx, msg)
	require.NoError(t, err)

	// same master secret, empty cache, wrapped copy already gone
	laptop := keyring.New("bob", bob.master, bob.dir, nil, nil)
	require.NoError(t, laptop.CheckIdentity(ctx))
	text, err := laptop.DecryptMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "for every device", text)
}

func TestMasterSecretTransfer(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)
	_, err = bob.Adopt(ctx, chat.ID)
	require.NoError(t, err)
	msg := alice.post(t, chat.ID, "read me on the phone")

	require.NoError(t, bob.ExportMaster(ctx, "correct horse"))
	stored, err := w.store.GetMasterKeyBlob(ctx, "bob")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Blob), string(bob.master.Bytes()))

	phone := keyring.New("bob", nil, client.NewLocalDirectory(w.svc, "bob"), nil, nil)
	_, err = phone.DecryptMessage(ctx, msg)
	assert.ErrorIs(t, err, keyring.ErrWiped)

	err = phone.ImportMasterBlob(ctx, "battery staple")
	assert.ErrorIs(t, err, crypto.ErrDecryption)
	_, err = w.store.GetMasterKeyBlob(ctx, "bob")
	require.NoError(t, err, "a failed import keeps the parked copy")

	require.NoError(t, phone.ImportMasterBlob(ctx, "correct horse"))
	text, err := phone.DecryptMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "read me on the phone", text)

	_, err = w.store.GetMasterKeyBlob(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = phone.ImportMasterBlob(ctx, "correct horse")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRotationRequiresVerification(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob, carol := w.device("alice"), w.device("bob"), w.device("carol")
	chat, err := alice.CreateChat(ctx, models.ChatTypeGroup, "", []string{"bob", "carol"})
	require.NoError(t, err)
	_, err = bob.Adopt(ctx, chat.ID)
	require.NoError(t, err)
	verify(t, alice, bob)

	_, err = alice.RotateChatKey(ctx, chat.ID)
	var vr *crypto.VerificationRequiredError
	require.ErrorAs(t, err, &vr)
	assert.Equal(t, []string{"carol"}, vr.UserIDs)
	assert.ErrorIs(t, err, crypto.ErrVerificationRequired)

	got, err := w.svc.Chat(ctx, "alice", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentKeyVersion)
	wrapped, err := w.svc.WrappedKeys(ctx, "bob", chat.ID)
	require.NoError(t, err)
	assert.Empty(t, wrapped)

	verify(t, alice, carol)
	version, err := alice.RotateChatKey(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	got, err = w.svc.Chat(ctx, "alice", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentKeyVersion)

	bob.OnKeyRotated(chat.ID, version)
	msg := alice.post(t, chat.ID, "after rotation")
	assert.Equal(t, 1, msg.UsedKeyVersion)
	text, err := bob.DecryptMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "after rotation", text)
}

func TestJoinVersionGatesHistory(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob, dave := w.device("alice"), w.device("bob"), w.device("dave")
	chat, err := alice.CreateChat(ctx, models.ChatTypeGroup, "", []string{"bob"})
	require.NoError(t, err)
	verify(t, alice, bob)

	old := alice.post(t, chat.ID, "before dave")
	for i := 1; i <= 2; i++ {
		version, err := alice.RotateChatKey(ctx, chat.ID)
		require.NoError(t, err)
		require.Equal(t, i, version)
	}
	_, err = alice.AddParticipants(ctx, chat.ID, []string{"dave"})
	require.NoError(t, err)
	current := alice.post(t, chat.ID, "welcome dave")

	_, err = dave.DecryptMessage(ctx, old)
	assert.ErrorIs(t, err, crypto.ErrKeyVersionUnavailable)
	assert.NotErrorIs(t, err, crypto.ErrAuthenticationFailure)
	_, err = dave.ChatKey(ctx, chat.ID, 1)
	assert.ErrorIs(t, err, crypto.ErrKeyVersionUnavailable)

	text, err := dave.DecryptMessage(ctx, current)
	require.NoError(t, err)
	assert.Equal(t, "welcome dave", text)

	for v := 0; v <= 2; v++ {
		_, err := bob.ChatKey(ctx, chat.ID, v)
		assert.NoError(t, err, "bob joined at 0 and holds v%d", v)
	}
}

func TestDecryptMessagesReportsEachFailure(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)

	good := alice.post(t, chat.ID, "fine")
	reaction, err := bob.EncryptReaction(ctx, good, "👍")
	require.NoError(t, err)
	again, err := bob.EncryptReaction(ctx, good, "👍")
	require.NoError(t, err)
	assert.Equal(t, reaction, again)
	good.Reactions = []string{crypto.ReactionTuple("bob", reaction)}

	name, _, err := alice.EncryptFileName(ctx, chat.ID, "photo.png")
	require.NoError(t, err)
	good.Attachments = []string{name}

	wrongKey, err := crypto.MintChatKey(chat.ID, 0)
	require.NoError(t, err)
	forged, err := crypto.EncryptMessage(wrongKey, "forged")
	require.NoError(t, err)
	bad := models.Message{ID: "forged", ChatID: chat.ID, UsedKeyVersion: 0, Ciphertext: forged}
	missing := models.Message{ID: "future", ChatID: chat.ID, UsedKeyVersion: 7, Ciphertext: forged}

	out := bob.DecryptMessages(ctx, []models.Message{bad, good, missing})
	require.Len(t, out, 3)

	assert.ErrorIs(t, out[0].Err, crypto.ErrAuthenticationFailure)
	var me *keyring.MessageError
	require.ErrorAs(t, out[0].Err, &me)
	assert.Equal(t, "forged", me.MessageID)

	require.NoError(t, out[1].Err)
	assert.Equal(t, "fine", out[1].Text)
	assert.Equal(t, []string{"photo.png"}, out[1].Attachments)
	assert.Equal(t, []keyring.Reaction{{UserID: "bob", Emoji: "👍"}}, out[1].Reactions)

	assert.ErrorIs(t, out[2].Err, crypto.ErrKeyUnavailable)
}

func TestRegenerationMakesVerificationStale(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	verify(t, alice, bob)

	ok, err := alice.IsVerified(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, bob.RegenerateIdentity(ctx))

	ok, err = alice.IsVerified(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	// the stale record was dropped, re-verifying restores trust
	verify(t, alice, bob)
	ok, err = alice.IsVerified(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegenerationDrainsPendingKeys(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)
	msg := alice.post(t, chat.ID, "sent before regeneration")

	require.NoError(t, bob.RegenerateIdentity(ctx))

	text, err := bob.DecryptMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "sent before regeneration", text)
}

func TestSubstitutedKeyChangesFingerprint(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")

	va, err := alice.BeginVerification(ctx, "bob", true)
	require.NoError(t, err)
	require.NoError(t, bob.RegenerateIdentity(ctx))
	vb, err := bob.BeginVerification(ctx, "alice", false)
	require.NoError(t, err)
	assert.NotEqual(t, va.Emoji, vb.Emoji)

	alice.CancelVerification("bob")
	_, ok := alice.PendingVerification("bob")
	assert.False(t, ok)
	assert.ErrorIs(t, alice.ConfirmVerification("bob"), keyring.ErrNoVerification)
}

// duplicating sends every rotation twice, as a client retrying after a
// lost response would.
type duplicating struct {
	keyring.Directory
}

func (d duplicating) RotateChatKey(ctx context.Context, chatID string, req models.RotateKeyRequest) (*models.RotateKeyResponse, error) {
	if _, err := d.Directory.RotateChatKey(ctx, chatID, req); err != nil {
		return nil, err
	}
	return d.Directory.RotateChatKey(ctx, chatID, req)
}

func TestRotationRetryIsSafe(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeGroup, "", []string{"bob"})
	require.NoError(t, err)

	peers := keyring.NewMemoryPeerStore()
	retrying := keyring.New("alice", alice.master, duplicating{alice.dir}, peers, nil)
	require.NoError(t, retrying.CheckIdentity(ctx))
	_, err = retrying.BeginVerification(ctx, "bob", true)
	require.NoError(t, err)
	require.NoError(t, retrying.ConfirmVerification("bob"))

	version, err := retrying.RotateChatKey(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	got, err := w.svc.Chat(ctx, "bob", chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentKeyVersion)

	msg := bob.post(t, chat.ID, "still one v1")
	text, err := retrying.DecryptMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "still one v1", text)
}

func TestConcurrentRotationConflicts(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeGroup, "", []string{"bob"})
	require.NoError(t, err)
	verify(t, alice, bob)

	// a second device of alice rotates first from the same starting point
	stale := *chat
	key, err := crypto.MintChatKey(chat.ID, 1)
	require.NoError(t, err)
	pub, err := w.svc.PublicIdentity(ctx, "bob")
	require.NoError(t, err)
	wrapped, err := key.WrapFor(pub.PublicKey)
	require.NoError(t, err)
	sealed, err := key.Seal(alice.master)
	require.NoError(t, err)
	_, err = alice.dir.RotateChatKey(ctx, chat.ID, models.RotateKeyRequest{
		FromVersion:    stale.CurrentKeyVersion,
		WrappedKeys:    map[string][]byte{"bob": wrapped},
		OwnerSealedKey: sealed,
	})
	require.NoError(t, err)

	_, err = alice.dir.RotateChatKey(ctx, chat.ID, models.RotateKeyRequest{
		FromVersion:    stale.CurrentKeyVersion,
		WrappedKeys:    map[string][]byte{"bob": wrapped},
		OwnerSealedKey: sealed,
	})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	version, err := alice.RotateChatKey(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestCancelledAdoptionLeavesNothingHalfDone(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.device("alice"), w.device("bob")
	chat, err := alice.CreateChat(context.Background(), models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adopted, err := bob.Adopt(ctx, chat.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, adopted)

	sealed, err := w.svc.UserChatKeys(context.Background(), "bob", chat.ID)
	require.NoError(t, err)
	assert.Empty(t, sealed)
	wrapped, err := w.svc.WrappedKeys(context.Background(), "bob", chat.ID)
	require.NoError(t, err)
	assert.Len(t, wrapped, 1)

	adopted, err = bob.Adopt(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, adopted)
}

func TestRemoveParticipantRotates(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice, bob, carol := w.device("alice"), w.device("bob"), w.device("carol")
	chat, err := alice.CreateChat(ctx, models.ChatTypeGroup, "", []string{"bob", "carol"})
	require.NoError(t, err)
	verify(t, alice, bob)

	version, err := alice.RemoveParticipant(ctx, chat.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	msg := alice.post(t, chat.ID, "carol is gone")
	_, err = carol.DecryptMessage(ctx, msg)
	assert.Error(t, err)
	text, err := bob.DecryptMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "carol is gone", text)

	require.NoError(t, bob.LeaveChat(ctx, chat.ID))
	_, err = bob.ChatKey(ctx, chat.ID, 1)
	assert.Error(t, err)
}

func TestWipe(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	alice := w.device("alice")
	w.device("bob")
	chat, err := alice.CreateChat(ctx, models.ChatTypeDM, "", []string{"bob"})
	require.NoError(t, err)

	alice.Wipe()
	_, _, err = alice.EncryptMessage(ctx, chat.ID, "gone")
	assert.ErrorIs(t, err, keyring.ErrWiped)
}

func TestFilePeerStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers")
	m, err := crypto.NewMasterSecret()
	require.NoError(t, err)

	s, err := keyring.OpenFilePeerStore(path, m)
	require.NoError(t, err)
	require.NoError(t, s.Put(keyring.VerifiedPeer{PeerID: "bob", PublicKey: []byte("spki")}))
	require.NoError(t, s.Put(keyring.VerifiedPeer{PeerID: "carol", PublicKey: []byte("spki2")}))
	require.NoError(t, s.Delete("carol"))

	reopened, err := keyring.OpenFilePeerStore(path, m)
	require.NoError(t, err)
	p, ok, err := reopened.Get("bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("spki"), p.PublicKey)
	_, ok, err = reopened.Get("carol")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := crypto.NewMasterSecret()
	require.NoError(t, err)
	_, err = keyring.OpenFilePeerStore(path, other)
	assert.Error(t, err)
}
