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

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

func seedChat(t *testing.T, s *Store, id string, owner string, others ...string) {
	t.Helper()
	chat := models.Chat{ID: id, OwnerID: owner, Type: models.ChatTypeGroup}
	chat.Participants = append(chat.Participants, models.Participant{UserID: owner})
	var wrapped []models.WrappedKey
	for _, u := range others {
		chat.Participants = append(chat.Participants, models.Participant{UserID: u})
		wrapped = append(wrapped, models.WrappedKey{ChatID: id, RecipientID: u, Ciphertext: []byte(u)})
	}
	require.NoError(t, s.CreateChat(context.Background(), chat, wrapped,
		models.UserChatKeyVersion{UserID: owner, ChatID: id, SealedKey: []byte("s0")}))
}

func TestRotateChatKeyConcurrentCAS(t *testing.T) {
	s := NewStore()
	seedChat(t, s, "c1", "alice", "bob")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RotateChatKey(context.Background(), "c1", 0,
				[]models.WrappedKey{{RecipientID: "bob", Ciphertext: []byte("b1")}},
				models.UserChatKeyVersion{UserID: "alice", SealedKey: []byte("s1")})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, storage.ErrVersionConflict)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	chat, err := s.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, chat.CurrentKeyVersion)
}

func TestRotateChatKeyRejectsStaleMembership(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedChat(t, s, "c1", "alice", "bob", "carol")
	ownerKey := models.UserChatKeyVersion{UserID: "alice", SealedKey: []byte("s1")}
	forBob := []models.WrappedKey{{RecipientID: "bob", Ciphertext: []byte("b1")}}
	forBobCarol := append(forBob, models.WrappedKey{RecipientID: "carol", Ciphertext: []byte("c1")})

	// dave joins after the rotation was prepared
	_, err := s.AddParticipants(ctx, "c1", 0, []models.WrappedKey{{RecipientID: "dave", Ciphertext: []byte("d0")}})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RotateChatKey(ctx, "c1", 0, forBobCarol, ownerKey), storage.ErrVersionConflict)

	// carol left after the rotation was prepared
	require.NoError(t, s.RemoveParticipant(ctx, "c1", "carol"))
	withDave := append(forBobCarol, models.WrappedKey{RecipientID: "dave", Ciphertext: []byte("d1")})
	assert.ErrorIs(t, s.RotateChatKey(ctx, "c1", 0, withDave, ownerKey), storage.ErrVersionConflict)

	chat, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.CurrentKeyVersion)
	_, err = s.GetWrappedKey(ctx, "carol", "c1", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	current := append(forBob, models.WrappedKey{RecipientID: "dave", Ciphertext: []byte("d1")})
	require.NoError(t, s.RotateChatKey(ctx, "c1", 0, current, ownerKey))
	_, err = s.GetWrappedKey(ctx, "dave", "c1", 1)
	assert.NoError(t, err)
}

func TestAddAndRemoveParticipant(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedChat(t, s, "c1", "alice", "bob")

	_, err := s.AddParticipants(ctx, "c1", 1, []models.WrappedKey{{RecipientID: "carol"}})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	_, err = s.AddParticipants(ctx, "c1", 0, []models.WrappedKey{{RecipientID: "bob"}})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	added, err := s.AddParticipants(ctx, "c1", 0, []models.WrappedKey{{RecipientID: "carol", Ciphertext: []byte("c")}})
	require.NoError(t, err)
	assert.Equal(t, 0, added[0].JoinKeyVersion)

	require.NoError(t, s.SaveUserChatKey(ctx, models.UserChatKeyVersion{UserID: "carol", ChatID: "c1", SealedKey: []byte("x")}))
	require.NoError(t, s.RemoveParticipant(ctx, "c1", "carol"))

	_, err = s.GetParticipant(ctx, "c1", "carol")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	keys, err := s.ListUserChatKeys(ctx, "carol", "c1")
	require.NoError(t, err)
	assert.Empty(t, keys)
	wrapped, _ := s.ListWrappedKeys(ctx, "carol", "c1")
	assert.Empty(t, wrapped)
}

func TestPruneAdoptedWrappedKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedChat(t, s, "c1", "alice", "bob", "carol")

	require.NoError(t, s.SaveUserChatKey(ctx, models.UserChatKeyVersion{UserID: "bob", ChatID: "c1", Version: 0, SealedKey: []byte("b")}))
	n, err := s.PruneAdoptedWrappedKeys(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetWrappedKey(ctx, "bob", "c1", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetWrappedKey(ctx, "carol", "c1", 0)
	assert.NoError(t, err)
}

func TestListMessagesPaging(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seedChat(t, s, "c1", "alice")

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMessage(ctx, &models.Message{
			ID: fmt.Sprintf("m%d", i), ChatID: "c1", SenderID: "alice",
			Ciphertext: "x", Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveSystemMessage(ctx, &models.SystemMessage{
		ID: "s1", ChatID: "c1", Content: "rotated", Timestamp: base.Add(90 * time.Second),
	}))

	page, err := s.ListMessages(ctx, "c1", models.PageQuery{Limit: 2})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m3", page.Messages[0].ID)
	assert.Equal(t, "m4", page.Messages[1].ID)
	assert.Empty(t, page.SystemMessages)

	page, err = s.ListMessages(ctx, "c1", models.PageQuery{Cursor: page.PrevCursor, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(page))
	require.Len(t, page.SystemMessages, 1)

	page, err = s.ListMessages(ctx, "c1", models.PageQuery{Cursor: page.PrevCursor, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"m0"}, ids(page))
	assert.False(t, page.HasMore)
	assert.Empty(t, page.SystemMessages)

	page, err = s.ListMessages(ctx, "c1", models.PageQuery{Cursor: "m2", Direction: models.DirectionNewer, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, ids(page))
	assert.False(t, page.HasMore)

	_, err = s.ListMessages(ctx, "c1", models.PageQuery{Cursor: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkReadSkipsSenderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedChat(t, s, "c1", "alice", "bob")
	require.NoError(t, s.SaveMessage(ctx, &models.Message{ID: "m1", ChatID: "c1", SenderID: "alice"}))

	changed, err := s.MarkRead(ctx, "c1", "alice", []string{"m1"})
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, _ = s.MarkRead(ctx, "c1", "bob", []string{"m1", "m1", "nope"})
	assert.Equal(t, []string{"m1"}, changed)
}

func ids(p *models.MessagePage) []string {
	var out []string
	for _, m := range p.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestMasterKeyBlobReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.GetMasterKeyBlob(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SaveMasterKeyBlob(ctx, models.MasterKeyBlob{UserID: "alice", Blob: []byte("first")}))
	require.NoError(t, s.SaveMasterKeyBlob(ctx, models.MasterKeyBlob{UserID: "alice", Blob: []byte("second")}))
	got, err := s.GetMasterKeyBlob(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got.Blob)

	require.NoError(t, s.DeleteMasterKeyBlob(ctx, "alice"))
	assert.ErrorIs(t, s.DeleteMasterKeyBlob(ctx, "alice"), storage.ErrNotFound)
}
