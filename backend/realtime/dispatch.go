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
	"errors"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-kit/log/level"

	"github.com/efchatnet/efgroup/backend/metrics"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/service"
	"github.com/efchatnet/efgroup/backend/storage"
)

const opTimeout = 10 * time.Second

// publicError is the text a client may see for err.
func (h *Hub) publicError(err error) string {
	switch {
	case errors.Is(err, service.ErrNotParticipant),
		errors.Is(err, service.ErrNotOwner),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, storage.ErrVersionConflict):
		return err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return "not found"
	case errors.Is(err, storage.ErrForbidden):
		return "forbidden"
	}
	level.Error(h.logger).Log("msg", "realtime operation failed", "err", err)
	return "internal error"
}

func (h *Hub) reject(s *Session, eventType, chatID, reason string, err error) {
	metrics.EventsRejected.WithLabelValues(reason).Inc()
	h.send(s, EventError, ErrorEvent{Event: eventType, ChatID: chatID, Message: h.publicError(err)})
}

// handle validates one inbound frame and acts on it.
func (h *Hub) handle(ctx context.Context, s *Session, raw []byte) {
	if h.opts.Limiter != nil {
		ok, err := h.opts.Limiter.Allow(ctx, "ws:"+s.UserID)
		if err != nil {
			level.Warn(h.logger).Log("msg", "rate limiter unavailable", "err", err)
		} else if !ok {
			metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
			h.send(s, EventError, ErrorEvent{Message: "rate limit exceeded"})
			return
		}
	}

	eventType, ev, err := Decode(h.validate, raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownEvent) {
			reason = "unknown"
		}
		metrics.EventsRejected.WithLabelValues(reason).Inc()
		h.send(s, EventError, ErrorEvent{Event: eventType, Message: err.Error()})
		return
	}
	metrics.EventsReceived.WithLabelValues(eventType).Inc()

	opCtx := context.WithoutCancel(ctx)
	switch e := ev.(type) {
	case *JoinChat:
		h.joinChat(ctx, s, e)
	case *LeaveChat:
		h.leave(s, e.ChatID)
	case *SendMessage:
		h.onChat(e.ChatID, func() { h.sendMessage(opCtx, s, e) })
	case *EditMessage:
		h.onChat(e.ChatID, func() { h.editMessage(opCtx, s, e) })
	case *DeleteMessage:
		h.onChat(e.ChatID, func() { h.deleteMessage(opCtx, s, e) })
	case *ReactToMessage:
		h.onChat(e.ChatID, func() { h.react(opCtx, s, eventType, e.ChatID, e.MessageID, e.Reaction, true) })
	case *UpdateReaction:
		h.onChat(e.ChatID, func() { h.react(opCtx, s, eventType, e.ChatID, e.MessageID, e.Reaction, e.Action == "add") })
	case *MarkMessagesRead:
		h.onChat(e.ChatID, func() { h.markRead(opCtx, s, e) })
	case *TypingStart:
		h.typing(s, e.ChatID, true)
	case *TypingStop:
		h.typing(s, e.ChatID, false)
	case *KeyRotatedNotice:
		h.onChat(e.ChatID, func() { h.keyRotated(opCtx, s, e) })
	case *ChatCreatedNotice:
		h.chatCreated(ctx, s, e)
	case *RequestUserVerify:
		h.requestVerify(ctx, s, e)
	case *SubscribeWebPush:
		err := h.opts.Registry.SetWebPush(ctx, s.UserID, &webpush.Subscription{
			Endpoint: e.Endpoint,
			Keys:     webpush.Keys{P256dh: e.Keys.P256dh, Auth: e.Keys.Auth},
		})
		if err != nil {
			level.Error(h.logger).Log("msg", "failed to store web push subscription", "user_id", s.UserID, "err", err)
			h.reject(s, eventType, "", "subscribe_failed", err)
		}
	case *SubscribeNtfy:
		if err := h.opts.Registry.SetNtfy(ctx, s.UserID, e.Topic); err != nil {
			level.Error(h.logger).Log("msg", "failed to store ntfy subscription", "user_id", s.UserID, "err", err)
			h.reject(s, eventType, "", "subscribe_failed", err)
		}
	default:
		// newInbound and this switch must list the same types
		level.Error(h.logger).Log("msg", "unhandled event", "type", eventType)
	}
}

func (h *Hub) joinChat(ctx context.Context, s *Session, e *JoinChat) {
	if _, err := h.svc.Participant(ctx, e.ChatID, s.UserID); err != nil {
		h.reject(s, EventJoinChat, e.ChatID, "forbidden", err)
		return
	}
	h.join(s, e.ChatID)
}

func (h *Hub) sendMessage(ctx context.Context, s *Session, e *SendMessage) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	msg, chat, err := h.svc.PostMessage(ctx, s.UserID, models.Message{
		ChatID:         e.ChatID,
		UsedKeyVersion: e.KeyVersion,
		Ciphertext:     e.Ciphertext,
		ReplyToID:      e.ReplyToID,
		Attachments:    e.Attachments,
	})
	if err != nil {
		metrics.EventsRejected.WithLabelValues("send_failed").Inc()
		h.send(s, EventMessageError, ErrorEvent{Event: EventSendMessage, ChatID: e.ChatID, Message: h.publicError(err)})
		return
	}
	h.broadcastMessage(chat, msg.UsedKeyVersion, EventNewMessage, msg)
	h.fanOut(chat, s.UserID)
}

func (h *Hub) editMessage(ctx context.Context, s *Session, e *EditMessage) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	msg, err := h.svc.EditMessage(ctx, s.UserID, e.ChatID, e.MessageID, e.KeyVersion, e.Ciphertext)
	if err != nil {
		h.reject(s, EventEditMessage, e.ChatID, "edit_failed", err)
		return
	}
	chat, err := h.svc.Chat(ctx, s.UserID, e.ChatID)
	if err != nil {
		level.Warn(h.logger).Log("msg", "failed to load chat for broadcast", "chat_id", e.ChatID, "err", err)
		return
	}
	h.broadcastMessage(chat, msg.UsedKeyVersion, EventMessageUpdated, MessageUpdated{Type: "edit", Message: msg})
}

func (h *Hub) deleteMessage(ctx context.Context, s *Session, e *DeleteMessage) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := h.svc.DeleteMessage(ctx, s.UserID, e.ChatID, e.MessageID); err != nil {
		h.reject(s, EventDeleteMessage, e.ChatID, "delete_failed", err)
		return
	}
	h.broadcast(e.ChatID, EventMessageDeleted, MessageDeletedEvent{ChatID: e.ChatID, MessageID: e.MessageID}, nil)
}

func (h *Hub) react(ctx context.Context, s *Session, eventType, chatID, messageID, reaction string, add bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	msg, err := h.svc.React(ctx, s.UserID, chatID, messageID, reaction, add)
	if err != nil {
		h.reject(s, eventType, chatID, "reaction_failed", err)
		return
	}
	chat, err := h.svc.Chat(ctx, s.UserID, chatID)
	if err != nil {
		level.Warn(h.logger).Log("msg", "failed to load chat for broadcast", "chat_id", chatID, "err", err)
		return
	}
	h.broadcastMessage(chat, msg.UsedKeyVersion, EventMessageUpdated, MessageUpdated{Type: "reaction", Message: msg})
}

func (h *Hub) markRead(ctx context.Context, s *Session, e *MarkMessagesRead) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	changed, err := h.svc.MarkRead(ctx, s.UserID, e.ChatID, e.MessageIDs)
	if err != nil {
		h.reject(s, EventMarkMessagesRead, e.ChatID, "read_failed", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	h.broadcast(e.ChatID, EventMessagesRead, MessagesReadEvent{ChatID: e.ChatID, UserID: s.UserID, MessageIDs: changed}, nil)
}

// typing is only relayed from sessions already in the room.
func (h *Hub) typing(s *Session, chatID string, on bool) {
	if !s.inRoom(chatID) {
		metrics.EventsRejected.WithLabelValues("not_joined").Inc()
		return
	}
	h.onChat(chatID, func() {
		h.broadcast(chatID, EventUserTyping, UserTypingEvent{ChatID: chatID, UserID: s.UserID, Typing: on}, s)
	})
}

// keyRotated relays a client's rotation notice. The version must already
// be committed.
func (h *Hub) keyRotated(ctx context.Context, s *Session, e *KeyRotatedNotice) {
	chat, err := h.svc.Chat(ctx, s.UserID, e.ChatID)
	if err != nil {
		h.reject(s, EventKeyRotated, e.ChatID, "forbidden", err)
		return
	}
	if e.KeyVersion > chat.CurrentKeyVersion {
		h.reject(s, EventKeyRotated, e.ChatID, "malformed", service.ErrInvalidRequest)
		return
	}
	h.broadcast(e.ChatID, EventKeyRotated, KeyRotatedEvent{ChatID: e.ChatID, KeyVersion: e.KeyVersion}, s)
}

func (h *Hub) chatCreated(ctx context.Context, s *Session, e *ChatCreatedNotice) {
	chat, err := h.svc.Chat(ctx, s.UserID, e.ChatID)
	if err != nil {
		h.reject(s, EventChatCreated, e.ChatID, "forbidden", err)
		return
	}
	for _, userID := range chat.ParticipantIDs() {
		if userID != s.UserID {
			h.sendToUser(userID, EventNewChatCreated, ChatEvent{ChatID: chat.ID, Type: string(chat.Type)})
		}
	}
}

// requestVerify asks a fellow participant to start the safety number
// ceremony. Only the requester's id crosses.
func (h *Hub) requestVerify(ctx context.Context, s *Session, e *RequestUserVerify) {
	chat, err := h.svc.Chat(ctx, s.UserID, e.ChatID)
	if err != nil {
		h.reject(s, EventRequestUserVerify, e.ChatID, "forbidden", err)
		return
	}
	if e.TargetUserID == s.UserID || !chat.IsParticipant(e.TargetUserID) {
		h.reject(s, EventRequestUserVerify, e.ChatID, "forbidden", service.ErrNotParticipant)
		return
	}
	h.sendToUser(e.TargetUserID, EventRequestedUserVerify, VerifyRequestEvent{ChatID: e.ChatID, RequesterID: s.UserID})
}

// welcome tells a fresh session about keys waiting for adoption.
func (h *Hub) welcome(ctx context.Context, s *Session) {
	notices, err := h.opts.Pending(ctx, s.UserID)
	if err != nil {
		level.Warn(h.logger).Log("msg", "failed to list pending keys", "user_id", s.UserID, "err", err)
		return
	}
	for _, n := range notices {
		h.send(s, EventKeysAvailable, KeysAvailableEvent{ChatID: n.ChatID, Version: n.Version})
	}
}
