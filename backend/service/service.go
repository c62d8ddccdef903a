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

// Package service holds the server-side rules of the chat key protocol:
// who may read, rotate, add or remove, and which events follow each change.
// The server only ever handles public keys, wrapped keys and ciphertext.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/storage"
)

var (
	ErrNotParticipant = errors.New("not a chat participant")
	ErrNotOwner       = errors.New("only the chat owner may do this")
	ErrInvalidRequest = errors.New("invalid request")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Notifier receives the realtime consequences of committed changes.
type Notifier interface {
	ChatCreated(chat *models.Chat, recipients []string)
	ChatUpdated(chat *models.Chat)
	ParticipantsChanged(chat *models.Chat)
	RemovedFromChat(chatID, userID string)
	KeyRotated(chatID string, version int)
	SystemMessage(msg *models.SystemMessage)
	ParticipantKeyChanged(ownerID, chatID, userID string)
}

// Announcer tells recipients that wrapped keys await adoption.
type Announcer interface {
	Announce(ctx context.Context, n models.KeyNotice) error
	Ack(ctx context.Context, userID, chatID string, versions []int) error
}

type Service struct {
	store     storage.Store
	notifier  Notifier
	announcer Announcer
	validate  *validator.Validate
	logger    log.Logger
}

func New(store storage.Store, logger log.Logger) *Service {
	return &Service{
		store:     store,
		notifier:  NopNotifier{},
		announcer: nopAnnouncer{},
		validate:  validator.New(),
		logger:    logging.OrNop(logger),
	}
}

// SetNotifier wires the realtime layer in after construction; the hub
// itself depends on the service.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) SetAnnouncer(a Announcer) {
	s.announcer = a
}

func (s *Service) Store() storage.Store {
	return s.store
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (s *Service) chatFor(ctx context.Context, userID, chatID string) (*models.Chat, models.Participant, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, models.Participant{}, err
	}
	p, ok := chat.Participant(userID)
	if !ok {
		return nil, models.Participant{}, ErrNotParticipant
	}
	return chat, p, nil
}

func (s *Service) ownedChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, _, err := s.chatFor(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.OwnerID != userID {
		return nil, ErrNotOwner
	}
	return chat, nil
}

// Participant returns userID's membership record.
func (s *Service) Participant(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	p, err := s.store.GetParticipant(ctx, chatID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotParticipant
	}
	return p, err
}

func (s *Service) systemMessage(ctx context.Context, chatID string, version int, content string) {
	msg := &models.SystemMessage{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		Content:        content,
		UsedKeyVersion: version,
		Timestamp:      time.Now(),
	}
	if err := s.store.SaveSystemMessage(ctx, msg); err != nil {
		level.Error(s.logger).Log("msg", "failed to save system message", "chat_id", chatID, "err", err)
		return
	}
	s.notifier.SystemMessage(msg)
}

func (s *Service) announce(ctx context.Context, chatID string, version int, recipients []string) {
	for _, userID := range recipients {
		n := models.KeyNotice{UserID: userID, ChatID: chatID, Version: version}
		if err := s.announcer.Announce(ctx, n); err != nil {
			level.Warn(s.logger).Log("msg", "failed to announce wrapped key", "user_id", userID, "chat_id", chatID, "err", err)
		}
	}
}

func (s *Service) ack(ctx context.Context, userID, chatID string, versions []int) {
	if err := s.announcer.Ack(ctx, userID, chatID, versions); err != nil {
		level.Warn(s.logger).Log("msg", "failed to ack wrapped key notices", "user_id", userID, "chat_id", chatID, "err", err)
	}
}

type NopNotifier struct{}

func (NopNotifier) ChatCreated(*models.Chat, []string) {}
func (NopNotifier) ChatUpdated(*models.Chat) {}
func (NopNotifier) ParticipantsChanged(*models.Chat) {}
func (NopNotifier) RemovedFromChat(string, string) {}
func (NopNotifier) KeyRotated(string, int) {}
func (NopNotifier) SystemMessage(*models.SystemMessage) {}
func (NopNotifier) ParticipantKeyChanged(string, string, string) {}

type nopAnnouncer struct{}

func (nopAnnouncer) Announce(context.Context, models.KeyNotice) error { return nil }
func (nopAnnouncer) Ack(context.Context, string, string, []int) error { return nil }
