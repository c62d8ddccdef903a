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

// Package realtime delivers ciphertext, receipts, reactions and key notices
// to connected sessions, in order per chat, and hands offline recipients
// to the push dispatcher.
package realtime

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"

	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/metrics"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/push"
	"github.com/efchatnet/efgroup/backend/service"
)

// Authenticator resolves an externally issued session token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Limiter bounds inbound events per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// PendingFunc lists the wrapped keys a user has not adopted yet.
type PendingFunc func(ctx context.Context, userID string) ([]models.KeyNotice, error)

type Options struct {
	Shards         int
	SendBuffer     int
	OriginPatterns []string
	Limiter        Limiter
	Dispatcher     push.Dispatcher
	Registry       push.Subscriptions
	Pending        PendingFunc
	// DisplayName maps a user id to the name shown in push notifications.
	DisplayName func(userID string) string
}

type Hub struct {
	svc      *service.Service
	auth     Authenticator
	opts     Options
	validate *validator.Validate
	logger   log.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{}
	users map[string]map[*Session]struct{}

	shards []chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewHub starts the shard workers; Close stops them.
func NewHub(svc *service.Service, auth Authenticator, opts Options, logger log.Logger) *Hub {
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Registry == nil {
		opts.Registry = push.NewRegistry()
	}
	if opts.Pending == nil {
		opts.Pending = svc.PendingKeyNotices
	}
	if opts.DisplayName == nil {
		opts.DisplayName = func(userID string) string { return userID }
	}
	h := &Hub{
		svc:      svc,
		auth:     auth,
		opts:     opts,
		validate: validator.New(),
		logger:   logging.OrNop(logger),
		rooms:    make(map[string]map[*Session]struct{}),
		users:    make(map[string]map[*Session]struct{}),
		shards:   make([]chan func(), opts.Shards),
		quit:     make(chan struct{}),
	}
	for i := range h.shards {
		h.shards[i] = make(chan func(), 256)
		h.wg.Add(1)
		go h.worker(h.shards[i])
	}
	return h
}

func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.quit)
		h.wg.Wait()
	})
}

func (h *Hub) Registry() push.Subscriptions {
	return h.opts.Registry
}

func (h *Hub) worker(ch chan func()) {
	defer h.wg.Done()
	for {
		select {
		case fn := <-ch:
			fn()
		case <-h.quit:
			return
		}
	}
}

// onChat runs fn on the worker that owns chatID. Everything that persists
// or broadcasts for a chat goes through here, so one chat's events leave
// in the order they were accepted.
func (h *Hub) onChat(chatID string, fn func()) {
	ch := h.shards[xxhash.Sum64String(chatID)%uint64(len(h.shards))]
	select {
	case ch <- fn:
	case <-h.quit:
	}
}

// connect registers a new authenticated session for userID.
func (h *Hub) connect(userID string) *Session {
	s := newSession(userID, h.opts.SendBuffer)
	h.mu.Lock()
	set, ok := h.users[userID]
	if !ok {
		set = make(map[*Session]struct{})
		h.users[userID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	s.setState(StateJoined)
	metrics.ActiveSessions.Inc()
	level.Debug(h.logger).Log("msg", "session connected", "user_id", userID, "session_id", s.ID)
	return s
}

func (h *Hub) disconnect(s *Session) {
	h.mu.Lock()
	for chatID := range s.roomSet() {
		h.leaveLocked(s, chatID)
	}
	if set, ok := h.users[s.UserID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.users, s.UserID)
		}
	}
	h.mu.Unlock()
	if s.setState(StateDisconnected) {
		metrics.ActiveSessions.Dec()
	}
	s.stop()
	level.Debug(h.logger).Log("msg", "session disconnected", "user_id", s.UserID, "session_id", s.ID)
}

func (h *Hub) join(s *Session, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[chatID]
	if !ok {
		room = make(map[*Session]struct{})
		h.rooms[chatID] = room
	}
	room[s] = struct{}{}
	s.addRoom(chatID)
}

func (h *Hub) leave(s *Session, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, chatID)
}

func (h *Hub) leaveLocked(s *Session, chatID string) {
	if room, ok := h.rooms[chatID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
	s.removeRoom(chatID)
}

// evict drops every session of userID from chatID's room.
func (h *Hub) evict(chatID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.users[userID] {
		h.leaveLocked(s, chatID)
	}
}

func (h *Hub) roomSessions(chatID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.rooms[chatID]))
	for s := range h.rooms[chatID] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) userSessions(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.users[userID]))
	for s := range h.users[userID] {
		out = append(out, s)
	}
	return out
}

// Online reports whether userID has at least one live session.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// broadcast sends to every session in chatID's room except skip.
func (h *Hub) broadcast(chatID, eventType string, data any, skip *Session) {
	frame, err := Encode(eventType, data)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode event", "type", eventType, "err", err)
		return
	}
	metrics.Broadcasts.WithLabelValues(eventType).Inc()
	for _, s := range h.roomSessions(chatID) {
		if s != skip {
			h.deliver(s, frame)
		}
	}
}

// broadcastMessage sends message content to the room, skipping sessions
// whose user joined after keyVersion and so could never open it.
func (h *Hub) broadcastMessage(chat *models.Chat, keyVersion int, eventType string, data any) {
	frame, err := Encode(eventType, data)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode event", "type", eventType, "err", err)
		return
	}
	metrics.Broadcasts.WithLabelValues(eventType).Inc()
	for _, s := range h.roomSessions(chat.ID) {
		p, ok := chat.Participant(s.UserID)
		if !ok || p.JoinKeyVersion > keyVersion {
			continue
		}
		h.deliver(s, frame)
	}
}

// sendToUser reaches every session of userID regardless of room.
func (h *Hub) sendToUser(userID, eventType string, data any) {
	frame, err := Encode(eventType, data)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode event", "type", eventType, "err", err)
		return
	}
	for _, s := range h.userSessions(userID) {
		h.deliver(s, frame)
	}
}

func (h *Hub) send(s *Session, eventType string, data any) {
	frame, err := Encode(eventType, data)
	if err != nil {
		level.Error(h.logger).Log("msg", "failed to encode event", "type", eventType, "err", err)
		return
	}
	h.deliver(s, frame)
}

func (h *Hub) deliver(s *Session, frame []byte) {
	if s.enqueue(frame) {
		return
	}
	metrics.SlowConsumers.Inc()
	level.Warn(h.logger).Log("msg", "dropping slow session", "user_id", s.UserID, "session_id", s.ID)
	s.stop()
}

// fanOut tells participants outside the room about a new message and
// hands offline ones to push. It runs after the room broadcast.
func (h *Hub) fanOut(chat *models.Chat, senderID string) {
	var offline []string
	for _, userID := range chat.ParticipantIDs() {
		if userID == senderID {
			continue
		}
		sessions := h.userSessions(userID)
		if len(sessions) == 0 {
			offline = append(offline, userID)
			continue
		}
		for _, s := range sessions {
			if !s.inRoom(chat.ID) {
				h.send(s, EventNewMessageNotify, ChatEvent{ChatID: chat.ID, Type: string(chat.Type)})
			}
		}
	}
	if len(offline) == 0 || h.opts.Dispatcher == nil {
		return
	}
	payload := push.NewPayload(chat, h.opts.DisplayName(senderID))
	go func() {
		for _, userID := range offline {
			if err := h.opts.Dispatcher.Dispatch(context.Background(), userID, payload); err != nil {
				level.Warn(h.logger).Log("msg", "push dispatch failed", "user_id", userID, "chat_id", chat.ID, "err", err)
			}
		}
	}()
}

// The methods below make the hub the service's Notifier and Announcer.

func (h *Hub) ChatCreated(chat *models.Chat, recipients []string) {
	for _, userID := range recipients {
		h.sendToUser(userID, EventNewChatCreated, ChatEvent{ChatID: chat.ID, Type: string(chat.Type)})
	}
}

func (h *Hub) ChatUpdated(chat *models.Chat) {
	c := *chat
	h.onChat(c.ID, func() { h.broadcast(c.ID, EventChatUsersUpdated, c, nil) })
}

func (h *Hub) ParticipantsChanged(chat *models.Chat) {
	h.ChatUpdated(chat)
}

func (h *Hub) RemovedFromChat(chatID, userID string) {
	h.evict(chatID, userID)
	h.sendToUser(userID, EventRemovedFromChat, ChatEvent{ChatID: chatID})
}

func (h *Hub) KeyRotated(chatID string, version int) {
	h.onChat(chatID, func() {
		h.broadcast(chatID, EventKeyRotated, KeyRotatedEvent{ChatID: chatID, KeyVersion: version}, nil)
	})
}

func (h *Hub) SystemMessage(msg *models.SystemMessage) {
	m := *msg
	h.onChat(m.ChatID, func() { h.broadcast(m.ChatID, EventNewSystemMessage, m, nil) })
}

func (h *Hub) ParticipantKeyChanged(ownerID, chatID, userID string) {
	h.sendToUser(ownerID, EventParticipantKey, ParticipantKeyEvent{ChatID: chatID, UserID: userID})
}

// KeysAvailable tells n.UserID's sessions that a wrapped key is waiting.
func (h *Hub) KeysAvailable(n models.KeyNotice) {
	h.sendToUser(n.UserID, EventKeysAvailable, KeysAvailableEvent{ChatID: n.ChatID, Version: n.Version})
}

// Announce delivers locally. With several instances the redis inbox is the
// announcer and every hub listens to it instead.
func (h *Hub) Announce(ctx context.Context, n models.KeyNotice) error {
	h.KeysAvailable(n)
	return nil
}

func (h *Hub) Ack(ctx context.Context, userID, chatID string, versions []int) error {
	return nil
}
