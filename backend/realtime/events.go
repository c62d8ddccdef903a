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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/efchatnet/efgroup/backend/service"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedEvent = errors.New("malformed event")
)

// Envelope is the frame every websocket message travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventJoinChat          = "join-chat"
	EventLeaveChat         = "leave-chat"
	EventSendMessage       = "send-message"
	EventEditMessage       = "edit-message"
	EventDeleteMessage     = "delete-message"
	EventReactToMessage    = "react-to-message"
	EventUpdateReaction    = "update-reaction"
	EventMarkMessagesRead  = "mark-messages-read"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventKeyRotated        = "key-rotated"
	EventChatCreated       = "chat-created"
	EventRequestUserVerify = "request-user-verify"
	EventSubscribeWebPush  = "subscribe-webpush"
	EventSubscribeNtfy     = "subscribe-ntfy-push"
)

// Outbound event names.
const (
	EventNewMessage          = "new-message"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventMessagesRead        = "messages-read"
	EventUserTyping          = "user-typing"
	EventNewChatCreated      = "new-chat-created"
	EventRemovedFromChat     = "removed-from-chat"
	EventRequestedUserVerify = "requested-user-verify"
	EventNewMessageNotify    = "new-message-notify"
	EventChatUsersUpdated    = "chat-users-updated"
	EventNewSystemMessage    = "new-system-message"
	EventParticipantKey      = "participant-key-changed"
	EventKeysAvailable       = "keys-available"
	EventMessageError        = "message-error"
	EventError               = "error"
)

// InboundEvent is one decoded client event. The concrete types below are
// the only implementations.
type InboundEvent interface {
	EventType() string
}

type JoinChat struct {
	ChatID string `json:"chatId" validate:"required,max=64"`
}

type LeaveChat struct {
	ChatID string `json:"chatId" validate:"required,max=64"`
}

type SendMessage struct {
	ChatID      string   `json:"chatId" validate:"required,max=64"`
	KeyVersion  int      `json:"keyVersion" validate:"min=0"`
	Ciphertext  string   `json:"ciphertext" validate:"required"`
	ReplyToID   string   `json:"replyToId,omitempty" validate:"max=64"`
	Attachments []string `json:"attachments,omitempty" validate:"max=10,dive,required,max=256"`
}

type EditMessage struct {
	ChatID     string `json:"chatId" validate:"required,max=64"`
	MessageID  string `json:"messageId" validate:"required,max=64"`
	KeyVersion int    `json:"keyVersion" validate:"min=0"`
	Ciphertext string `json:"ciphertext" validate:"required"`
}

type DeleteMessage struct {
	ChatID    string `json:"chatId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
}

// ReactToMessage adds a reaction.
type ReactToMessage struct {
	ChatID    string `json:"chatId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Reaction  string `json:"reaction" validate:"required,max=1024"`
}

// UpdateReaction adds or removes a reaction; removal matches the
// ciphertext exactly.
type UpdateReaction struct {
	ChatID    string `json:"chatId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Reaction  string `json:"reaction" validate:"required,max=1024"`
	Action    string `json:"action" validate:"required,oneof=add remove"`
}

type MarkMessagesRead struct {
	ChatID     string   `json:"chatId" validate:"required,max=64"`
	MessageIDs []string `json:"messageIds" validate:"required,min=1,max=500,dive,required,max=64"`
}

type TypingStart struct {
	ChatID string `json:"chatId" validate:"required,max=64"`
}

type TypingStop struct {
	ChatID string `json:"chatId" validate:"required,max=64"`
}

// KeyRotatedNotice carries no key material.
type KeyRotatedNotice struct {
	ChatID     string `json:"chatId" validate:"required,max=64"`
	KeyVersion int    `json:"keyVersion" validate:"min=0"`
}

type ChatCreatedNotice struct {
	ChatID string `json:"chatId" validate:"required,max=64"`
}

type RequestUserVerify struct {
	ChatID       string `json:"chatId" validate:"required,max=64"`
	TargetUserID string `json:"targetUserId" validate:"required,max=64"`
}

type SubscribeWebPush struct {
	Endpoint string `json:"endpoint" validate:"required,url,max=2048"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required,max=256"`
		Auth   string `json:"auth" validate:"required,max=256"`
	} `json:"keys"`
}

type SubscribeNtfy struct {
	Topic string `json:"topic" validate:"required,max=64,printascii,excludesall=/?#"`
}

func (JoinChat) EventType() string          { return EventJoinChat }
func (LeaveChat) EventType() string         { return EventLeaveChat }
func (SendMessage) EventType() string       { return EventSendMessage }
func (EditMessage) EventType() string       { return EventEditMessage }
func (DeleteMessage) EventType() string     { return EventDeleteMessage }
func (ReactToMessage) EventType() string    { return EventReactToMessage }
func (UpdateReaction) EventType() string    { return EventUpdateReaction }
func (MarkMessagesRead) EventType() string  { return EventMarkMessagesRead }
func (TypingStart) EventType() string       { return EventTypingStart }
func (TypingStop) EventType() string        { return EventTypingStop }
func (KeyRotatedNotice) EventType() string  { return EventKeyRotated }
func (ChatCreatedNotice) EventType() string { return EventChatCreated }
func (RequestUserVerify) EventType() string { return EventRequestUserVerify }
func (SubscribeWebPush) EventType() string  { return EventSubscribeWebPush }
func (SubscribeNtfy) EventType() string     { return EventSubscribeNtfy }

func newInbound(eventType string) (InboundEvent, bool) {
	switch eventType {
	case EventJoinChat:
		return &JoinChat{}, true
	case EventLeaveChat:
		return &LeaveChat{}, true
	case EventSendMessage:
		return &SendMessage{}, true
	case EventEditMessage:
		return &EditMessage{}, true
	case EventDeleteMessage:
		return &DeleteMessage{}, true
	case EventReactToMessage:
		return &ReactToMessage{}, true
	case EventUpdateReaction:
		return &UpdateReaction{}, true
	case EventMarkMessagesRead:
		return &MarkMessagesRead{}, true
	case EventTypingStart:
		return &TypingStart{}, true
	case EventTypingStop:
		return &TypingStop{}, true
	case EventKeyRotated:
		return &KeyRotatedNotice{}, true
	case EventChatCreated:
		return &ChatCreatedNotice{}, true
	case EventRequestUserVerify:
		return &RequestUserVerify{}, true
	case EventSubscribeWebPush:
		return &SubscribeWebPush{}, true
	case EventSubscribeNtfy:
		return &SubscribeNtfy{}, true
	}
	return nil, false
}

// Decode parses and validates one client frame. Nothing is acted on until
// the whole payload has been checked.
func Decode(v *validator.Validate, raw []byte) (string, InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev, ok := newInbound(env.Type)
	if !ok {
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if len(env.Data) == 0 {
		return env.Type, nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := v.Struct(ev); err != nil {
		return env.Type, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if m, ok := ev.(*SendMessage); ok && len(m.Ciphertext) > service.MaxCiphertextLength {
		return env.Type, nil, fmt.Errorf("%w: ciphertext exceeds %d bytes", ErrMalformedEvent, service.MaxCiphertextLength)
	}
	if m, ok := ev.(*EditMessage); ok && len(m.Ciphertext) > service.MaxCiphertextLength {
		return env.Type, nil, fmt.Errorf("%w: ciphertext exceeds %d bytes", ErrMalformedEvent, service.MaxCiphertextLength)
	}
	return env.Type, ev, nil
}

// Encode frames an outbound event.
func Encode(eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: raw})
}

// Outbound payloads that are not plain records.

type MessageUpdated struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

type MessageDeletedEvent struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type MessagesReadEvent struct {
	ChatID     string   `json:"chatId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

type UserTypingEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type ChatEvent struct {
	ChatID string `json:"chatId"`
	Type   string `json:"type,omitempty"`
}

type KeyRotatedEvent struct {
	ChatID     string `json:"chatId"`
	KeyVersion int    `json:"keyVersion"`
}

type VerifyRequestEvent struct {
	ChatID      string `json:"chatId"`
	RequesterID string `json:"requesterId"`
}

type ParticipantKeyEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type KeysAvailableEvent struct {
	ChatID  string `json:"chatId"`
	Version int    `json:"version"`
}

type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	Message string `json:"message"`
}
