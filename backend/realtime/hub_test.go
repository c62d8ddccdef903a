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

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/push"
	"github.com/efchatnet/efgroup/backend/service"
	"github.com/efchatnet/efgroup/backend/storage/memory"
)

type fakeAuth map[string]string

func (f fakeAuth) Authenticate(ctx context.Context, token string) (string, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return "", errors.New("bad token")
}

type recordingDispatcher struct {
	mu    sync.Mutex
	sent  map[string]push.Payload
	calls chan string
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{sent: make(map[string]push.Payload), calls: make(chan string, 16)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, userID string, p push.Payload) error {
	d.mu.Lock()
	d.sent[userID] = p
	d.mu.Unlock()
	d.calls <- userID
	return nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

type fixture struct {
	svc  *service.Service
	hub  *Hub
	push *recordingDispatcher
	chat *models.Chat
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	svc := service.New(memory.NewStore(), nil)
	d := newRecordingDispatcher()
	if opts.Dispatcher == nil {
		opts.Dispatcher = d
	}
	opts.Shards = 4
	hub := NewHub(svc, fakeAuth{"tok-alice": "alice", "tok-bob": "bob"}, opts, nil)
	t.Cleanup(hub.Close)
	svc.SetNotifier(hub)
	svc.SetAnnouncer(hub)

	chat, err := svc.CreateChat(context.Background(), "alice", models.CreateChatRequest{
		Type:           models.ChatTypeGroup,
		Name:           "team",
		Participants:   []string{"bob", "carol"},
		WrappedKeys:    map[string][]byte{"bob": []byte("wb"), "carol": []byte("wc")},
		OwnerSealedKey: []byte("sealed"),
	})
	require.NoError(t, err)
	return &fixture{svc: svc, hub: hub, push: d, chat: chat}
}

func frame(t *testing.T, eventType string, data any) []byte {
	t.Helper()
	b, err := Encode(eventType, data)
	require.NoError(t, err)
	return b
}

// next returns the next frame of eventType, skipping others.
func next(t *testing.T, s *Session, eventType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-s.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Type == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func quiet(t *testing.T, s *Session, eventType string) {
	t.Helper()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case raw := <-s.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			assert.NotEqual(t, eventType, env.Type)
		case <-deadline:
			return
		}
	}
}

func (f *fixture) joined(t *testing.T, userID string) *Session {
	t.Helper()
	s := f.hub.connect(userID)
	f.hub.handle(context.Background(), s, frame(t, EventJoinChat, JoinChat{ChatID: f.chat.ID}))
	require.True(t, s.inRoom(f.chat.ID))
	return s
}

func TestDecode(t *testing.T) {
	v := validator.New()

	_, _, err := Decode(v, []byte(`{"type":"launch-missiles","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, _, err = Decode(v, []byte(`{"type":"send-message","data":{"chatId":""}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, _, err = Decode(v, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	big := strings.Repeat("a", service.MaxCiphertextLength+1)
	_, _, err = Decode(v, []byte(`{"type":"send-message","data":{"chatId":"c","keyVersion":0,"ciphertext":"`+big+`"}}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	typ, ev, err := Decode(v, []byte(`{"type":"update-reaction","data":{"chatId":"c","messageId":"m","reaction":"r","action":"remove"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventUpdateReaction, typ)
	assert.Equal(t, "remove", ev.(*UpdateReaction).Action)
}

func TestJoinRequiresMembership(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.hub.connect("mallory")
	f.hub.handle(context.Background(), s, frame(t, EventJoinChat, JoinChat{ChatID: f.chat.ID}))
	env := next(t, s, EventError)
	assert.Contains(t, string(env.Data), "not a chat participant")
	assert.False(t, s.inRoom(f.chat.ID))
}

func TestMessageEventsKeepChatOrder(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.joined(t, "alice")
	bob := f.joined(t, "bob")

	f.hub.handle(context.Background(), alice, frame(t, EventSendMessage, SendMessage{ChatID: f.chat.ID, Ciphertext: "ct1"}))
	env := next(t, bob, EventNewMessage)
	var msg models.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "alice", msg.SenderID)
	next(t, alice, EventNewMessage)

	f.hub.handle(context.Background(), alice, frame(t, EventEditMessage, EditMessage{ChatID: f.chat.ID, MessageID: msg.ID, Ciphertext: "ct2"}))
	f.hub.handle(context.Background(), alice, frame(t, EventDeleteMessage, DeleteMessage{ChatID: f.chat.ID, MessageID: msg.ID}))

	var got []string
	for len(got) < 2 {
		select {
		case raw := <-bob.send:
			var e Envelope
			require.NoError(t, json.Unmarshal(raw, &e))
			got = append(got, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []string{EventMessageUpdated, EventMessageDeleted}, got)
}

func TestSendRejectsVersionOutsideRange(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.joined(t, "alice")
	f.hub.handle(context.Background(), alice, frame(t, EventSendMessage, SendMessage{ChatID: f.chat.ID, KeyVersion: 5, Ciphertext: "ct"}))
	next(t, alice, EventMessageError)
}

func TestOfflineParticipantsGetPushOnly(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.joined(t, "alice")
	bobElsewhere := f.hub.connect("bob")

	f.hub.handle(context.Background(), alice, frame(t, EventSendMessage, SendMessage{ChatID: f.chat.ID, Ciphertext: "secret-ct"}))

	env := next(t, bobElsewhere, EventNewMessageNotify)
	assert.Contains(t, string(env.Data), f.chat.ID)

	select {
	case userID := <-f.push.calls:
		assert.Equal(t, "carol", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("no push dispatched")
	}
	f.push.mu.Lock()
	defer f.push.mu.Unlock()
	assert.NotContains(t, f.push.sent, "alice")
	assert.NotContains(t, f.push.sent, "bob")

	body, err := json.Marshal(f.push.sent["carol"])
	require.NoError(t, err)
	assert.NotContains(t, string(body), "secret-ct")
	assert.NotContains(t, string(body), "ciphertext")
	assert.NotContains(t, strings.ToLower(string(body)), "key")
	assert.Contains(t, string(body), `"chatName":"team"`)
}

func TestTypingSkipsSender(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.joined(t, "alice")
	bob := f.joined(t, "bob")

	f.hub.handle(context.Background(), alice, frame(t, EventTypingStart, TypingStart{ChatID: f.chat.ID}))
	env := next(t, bob, EventUserTyping)
	assert.Contains(t, string(env.Data), `"typing":true`)
	quiet(t, alice, EventUserTyping)
}

func TestRemovedUserLeavesRoom(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.joined(t, "bob")

	require.NoError(t, f.svc.RemoveParticipant(context.Background(), "alice", f.chat.ID, "bob"))
	next(t, bob, EventRemovedFromChat)
	assert.False(t, bob.inRoom(f.chat.ID))
}

func TestRotationReachesRoomAndPendingKeys(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.joined(t, "bob")

	_, err := f.svc.RotateChatKey(context.Background(), "alice", f.chat.ID, models.RotateKeyRequest{
		FromVersion:    0,
		WrappedKeys:    map[string][]byte{"bob": []byte("wb1"), "carol": []byte("wc1")},
		OwnerSealedKey: []byte("s1"),
	})
	require.NoError(t, err)

	env := next(t, bob, EventKeysAvailable)
	assert.JSONEq(t, `{"chatId":"`+f.chat.ID+`","version":1}`, string(env.Data))
	env = next(t, bob, EventKeyRotated)
	assert.JSONEq(t, `{"chatId":"`+f.chat.ID+`","keyVersion":1}`, string(env.Data))

	carol := f.hub.connect("carol")
	f.hub.welcome(context.Background(), carol)
	next(t, carol, EventKeysAvailable)
}

func TestRequestVerifyAddressesTarget(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.hub.connect("alice")
	bob := f.hub.connect("bob")

	f.hub.handle(context.Background(), alice, frame(t, EventRequestUserVerify, RequestUserVerify{ChatID: f.chat.ID, TargetUserID: "bob"}))
	env := next(t, bob, EventRequestedUserVerify)
	assert.JSONEq(t, `{"chatId":"`+f.chat.ID+`","requesterId":"alice"}`, string(env.Data))

	f.hub.handle(context.Background(), alice, frame(t, EventRequestUserVerify, RequestUserVerify{ChatID: f.chat.ID, TargetUserID: "mallory"}))
	next(t, alice, EventError)
}

func TestSubscribePush(t *testing.T) {
	f := newFixture(t, Options{})
	bob := f.hub.connect("bob")
	f.hub.handle(context.Background(), bob, frame(t, EventSubscribeNtfy, SubscribeNtfy{Topic: "bob-phone"}))
	sub, ok, err := f.hub.Registry().Get(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob-phone", sub.NtfyTopic)
}

func TestRateLimitedEventsAreRejected(t *testing.T) {
	f := newFixture(t, Options{Limiter: denyAll{}})
	alice := f.hub.connect("alice")
	f.hub.handle(context.Background(), alice, frame(t, EventJoinChat, JoinChat{ChatID: f.chat.ID}))
	env := next(t, alice, EventError)
	assert.Contains(t, string(env.Data), "rate limit")
	assert.False(t, alice.inRoom(f.chat.ID))
}

func TestSlowSessionIsStopped(t *testing.T) {
	f := newFixture(t, Options{SendBuffer: 1})
	bob := f.hub.connect("bob")
	f.hub.sendToUser("bob", EventKeysAvailable, KeysAvailableEvent{})
	f.hub.sendToUser("bob", EventKeysAvailable, KeysAvailableEvent{})
	select {
	case <-bob.Done():
	case <-time.After(time.Second):
		t.Fatal("slow session kept")
	}
}

func TestWebsocketSession(t *testing.T) {
	f := newFixture(t, Options{})
	srv := httptest.NewServer(f.hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, url+"?token=tok-bob", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// bob's version 0 key is still waiting
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, EventKeysAvailable, env.Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame(t, EventJoinChat, JoinChat{ChatID: f.chat.ID})))
	require.Eventually(t, func() bool { return len(f.hub.roomSessions(f.chat.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	alice := f.hub.connect("alice")
	f.hub.handle(context.Background(), alice, frame(t, EventSendMessage, SendMessage{ChatID: f.chat.ID, Ciphertext: "ct"}))

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, EventNewMessage, env.Type)
	assert.True(t, f.hub.Online("bob"))
}

func TestLaterJoinerDoesNotReceiveOlderVersions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.svc.RotateChatKey(ctx, "alice", f.chat.ID, models.RotateKeyRequest{
		FromVersion:    0,
		WrappedKeys:    map[string][]byte{"bob": []byte("wb1"), "carol": []byte("wc1")},
		OwnerSealedKey: []byte("s1"),
	})
	require.NoError(t, err)
	_, err = f.svc.AddParticipants(ctx, "alice", f.chat.ID, models.AddParticipantsRequest{
		KeyVersion:  1,
		WrappedKeys: map[string][]byte{"dave": []byte("wd1")},
	})
	require.NoError(t, err)

	alice := f.joined(t, "alice")
	bob := f.joined(t, "bob")
	dave := f.joined(t, "dave")

	f.hub.handle(ctx, bob, frame(t, EventSendMessage, SendMessage{ChatID: f.chat.ID, KeyVersion: 0, Ciphertext: "v0-ct"}))
	env := next(t, alice, EventNewMessage)
	assert.Contains(t, string(env.Data), "v0-ct")
	quiet(t, dave, EventNewMessage)

	f.hub.handle(ctx, bob, frame(t, EventSendMessage, SendMessage{ChatID: f.chat.ID, KeyVersion: 1, Ciphertext: "v1-ct"}))
	env = next(t, dave, EventNewMessage)
	assert.Contains(t, string(env.Data), "v1-ct")
}
