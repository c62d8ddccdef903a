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

// Package client gives a keyring access to the server, either in process
// or over the REST API.
package client

import (
	"context"

	"github.com/efchatnet/efgroup/backend/keyring"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/service"
)

var _ keyring.Directory = (*LocalDirectory)(nil)

// LocalDirectory calls the service directly as one user. The seed command
// and tests use it.
type LocalDirectory struct {
	svc    *service.Service
	userID string
}

func NewLocalDirectory(svc *service.Service, userID string) *LocalDirectory {
	return &LocalDirectory{svc: svc, userID: userID}
}

func (d *LocalDirectory) PublishIdentity(ctx context.Context, kp models.IdentityKeyPair, replace bool) error {
	return d.svc.PublishIdentity(ctx, d.userID, kp, replace)
}

func (d *LocalDirectory) Identity(ctx context.Context) (*models.IdentityKeyPair, error) {
	return d.svc.Identity(ctx, d.userID)
}

func (d *LocalDirectory) PublicIdentity(ctx context.Context, userID string) (*models.PublicIdentity, error) {
	return d.svc.PublicIdentity(ctx, userID)
}

func (d *LocalDirectory) Chats(ctx context.Context) ([]models.Chat, error) {
	return d.svc.Chats(ctx, d.userID)
}

func (d *LocalDirectory) Chat(ctx context.Context, chatID string) (*models.Chat, error) {
	return d.svc.Chat(ctx, d.userID, chatID)
}

func (d *LocalDirectory) CreateChat(ctx context.Context, req models.CreateChatRequest) (*models.Chat, error) {
	return d.svc.CreateChat(ctx, d.userID, req)
}

func (d *LocalDirectory) AddParticipants(ctx context.Context, chatID string, req models.AddParticipantsRequest) (*models.Chat, error) {
	return d.svc.AddParticipants(ctx, d.userID, chatID, req)
}

func (d *LocalDirectory) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	return d.svc.RemoveParticipant(ctx, d.userID, chatID, userID)
}

func (d *LocalDirectory) LeaveChat(ctx context.Context, chatID string) error {
	return d.svc.LeaveChat(ctx, d.userID, chatID)
}

func (d *LocalDirectory) RotateChatKey(ctx context.Context, chatID string, req models.RotateKeyRequest) (*models.RotateKeyResponse, error) {
	return d.svc.RotateChatKey(ctx, d.userID, chatID, req)
}

func (d *LocalDirectory) WrappedKeys(ctx context.Context, chatID string) ([]models.WrappedKey, error) {
	return d.svc.WrappedKeys(ctx, d.userID, chatID)
}

func (d *LocalDirectory) DeleteWrappedKeys(ctx context.Context, chatID string, versions []int) error {
	return d.svc.DeleteWrappedKeys(ctx, d.userID, chatID, versions)
}

func (d *LocalDirectory) UserChatKeys(ctx context.Context, chatID string) ([]models.UserChatKeyVersion, error) {
	return d.svc.UserChatKeys(ctx, d.userID, chatID)
}

func (d *LocalDirectory) SaveUserChatKey(ctx context.Context, chatID string, version int, sealed []byte) error {
	return d.svc.SaveUserChatKey(ctx, d.userID, chatID, version, sealed)
}

// PostMessage stores a message as this user without a websocket.
func (d *LocalDirectory) PostMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	saved, _, err := d.svc.PostMessage(ctx, d.userID, msg)
	return saved, err
}

func (d *LocalDirectory) Messages(ctx context.Context, chatID string, q models.PageQuery) (*models.MessagePage, error) {
	return d.svc.Messages(ctx, d.userID, chatID, q)
}

func (d *LocalDirectory) SaveMasterKeyBlob(ctx context.Context, blob []byte) error {
	return d.svc.SaveMasterKeyBlob(ctx, d.userID, blob)
}

func (d *LocalDirectory) MasterKeyBlob(ctx context.Context) ([]byte, error) {
	mk, err := d.svc.MasterKeyBlob(ctx, d.userID)
	if err != nil {
		return nil, err
	}
	return mk.Blob, nil
}

func (d *LocalDirectory) DeleteMasterKeyBlob(ctx context.Context) error {
	return d.svc.DeleteMasterKeyBlob(ctx, d.userID)
}
