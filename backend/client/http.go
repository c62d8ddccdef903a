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

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/keyring"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/service"
	"github.com/efchatnet/efgroup/backend/storage"
)

var _ keyring.Directory = (*HTTPDirectory)(nil)

type apiError struct {
	Error string `json:"error"`
}

// HTTPDirectory talks to the /api/e2e routes with a bearer token.
type HTTPDirectory struct {
	client *resty.Client
}

// NewHTTPDirectory targets baseURL, e.g. "https://efchat.net/api/e2e".
func NewHTTPDirectory(baseURL, token string) *HTTPDirectory {
	cl := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10*time.Second).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPDirectory{client: cl}
}

// Client exposes the underlying resty client, mostly for mocking.
func (d *HTTPDirectory) Client() *resty.Client {
	return d.client
}

// handleError turns an error response back into the sentinel the server
// started from.
func handleError(res *resty.Response) error {
	if !res.IsError() {
		return nil
	}
	msg := res.Status()
	if e, ok := res.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	var base error
	switch res.StatusCode() {
	case http.StatusBadRequest:
		base = service.ErrInvalidRequest
	case http.StatusUnauthorized:
		base = crypto.ErrConnectionUnauthenticated
	case http.StatusForbidden:
		switch {
		case strings.Contains(msg, service.ErrNotOwner.Error()):
			base = service.ErrNotOwner
		case strings.Contains(msg, service.ErrNotParticipant.Error()):
			base = service.ErrNotParticipant
		default:
			base = storage.ErrForbidden
		}
	case http.StatusNotFound:
		base = storage.ErrNotFound
	case http.StatusConflict:
		if strings.Contains(msg, storage.ErrVersionConflict.Error()) {
			base = storage.ErrVersionConflict
		} else {
			base = storage.ErrAlreadyExists
		}
	default:
		return fmt.Errorf("server returned %d: %s", res.StatusCode(), msg)
	}
	if msg == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func (d *HTTPDirectory) request(ctx context.Context) *resty.Request {
	return d.client.R().SetContext(ctx).SetError(&apiError{})
}

func do(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	return handleError(res)
}

func (d *HTTPDirectory) PublishIdentity(ctx context.Context, kp models.IdentityKeyPair, replace bool) error {
	req := d.request(ctx).SetBody(kp)
	if replace {
		return do(req.Put("/identity"))
	}
	return do(req.Post("/identity"))
}

func (d *HTTPDirectory) Identity(ctx context.Context) (*models.IdentityKeyPair, error) {
	var kp models.IdentityKeyPair
	if err := do(d.request(ctx).SetResult(&kp).Get("/identity")); err != nil {
		return nil, err
	}
	return &kp, nil
}

func (d *HTTPDirectory) PublicIdentity(ctx context.Context, userID string) (*models.PublicIdentity, error) {
	var pub models.PublicIdentity
	err := do(d.request(ctx).
		SetPathParam("userId", userID).
		SetResult(&pub).
		Get("/identity/{userId}/public"))
	if err != nil {
		return nil, err
	}
	return &pub, nil
}

func (d *HTTPDirectory) Chats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	if err := do(d.request(ctx).SetResult(&chats).Get("/chats")); err != nil {
		return nil, err
	}
	return chats, nil
}

func (d *HTTPDirectory) Chat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := do(d.request(ctx).SetPathParam("chatId", chatID).SetResult(&chat).Get("/chats/{chatId}"))
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (d *HTTPDirectory) CreateChat(ctx context.Context, req models.CreateChatRequest) (*models.Chat, error) {
	var chat models.Chat
	if err := do(d.request(ctx).SetBody(req).SetResult(&chat).Post("/chats")); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (d *HTTPDirectory) RenameChat(ctx context.Context, chatID, name string) (*models.Chat, error) {
	var chat models.Chat
	err := do(d.request(ctx).
		SetPathParam("chatId", chatID).
		SetBody(models.RenameChatRequest{Name: name}).
		SetResult(&chat).
		Put("/chats/{chatId}/name"))
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (d *HTTPDirectory) AddParticipants(ctx context.Context, chatID string, req models.AddParticipantsRequest) (*models.Chat, error) {
	var chat models.Chat
	err := do(d.request(ctx).
		SetPathParam("chatId", chatID).
		SetBody(req).
		SetResult(&chat).
		Post("/chats/{chatId}/participants"))
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (d *HTTPDirectory) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	return do(d.request(ctx).
		SetPathParams(map[string]string{"chatId": chatID, "userId": userID}).
		Delete("/chats/{chatId}/participants/{userId}"))
}

func (d *HTTPDirectory) LeaveChat(ctx context.Context, chatID string) error {
	return do(d.request(ctx).SetPathParam("chatId", chatID).Post("/chats/{chatId}/leave"))
}

func (d *HTTPDirectory) RotateChatKey(ctx context.Context, chatID string, req models.RotateKeyRequest) (*models.RotateKeyResponse, error) {
	var res models.RotateKeyResponse
	err := do(d.request(ctx).
		SetPathParam("chatId", chatID).
		SetBody(req).
		SetResult(&res).
		Post("/chats/{chatId}/rotate"))
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (d *HTTPDirectory) Messages(ctx context.Context, chatID string, q models.PageQuery) (*models.MessagePage, error) {
	var page models.MessagePage
	req := d.request(ctx).SetPathParam("chatId", chatID).SetResult(&page)
	if q.Cursor != "" {
		req.SetQueryParam("cursor", q.Cursor)
	}
	if q.Direction != "" {
		req.SetQueryParam("direction", string(q.Direction))
	}
	if q.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(q.Limit))
	}
	if err := do(req.Get("/chats/{chatId}/messages")); err != nil {
		return nil, err
	}
	return &page, nil
}

func (d *HTTPDirectory) WrappedKeys(ctx context.Context, chatID string) ([]models.WrappedKey, error) {
	var keys []models.WrappedKey
	err := do(d.request(ctx).SetPathParam("chatId", chatID).SetResult(&keys).Get("/chats/{chatId}/wrapped-keys"))
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *HTTPDirectory) DeleteWrappedKeys(ctx context.Context, chatID string, versions []int) error {
	return do(d.request(ctx).
		SetPathParam("chatId", chatID).
		SetBody(map[string][]int{"versions": versions}).
		Delete("/chats/{chatId}/wrapped-keys"))
}

func (d *HTTPDirectory) UserChatKeys(ctx context.Context, chatID string) ([]models.UserChatKeyVersion, error) {
	var keys []models.UserChatKeyVersion
	err := do(d.request(ctx).SetPathParam("chatId", chatID).SetResult(&keys).Get("/chats/{chatId}/keys"))
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *HTTPDirectory) SaveUserChatKey(ctx context.Context, chatID string, version int, sealed []byte) error {
	if version < 0 {
		return errors.New("negative key version")
	}
	return do(d.request(ctx).
		SetPathParams(map[string]string{"chatId": chatID, "version": strconv.Itoa(version)}).
		SetBody(map[string][]byte{"sealed_key": sealed}).
		Put("/chats/{chatId}/keys/{version}"))
}

func (d *HTTPDirectory) SaveMasterKeyBlob(ctx context.Context, blob []byte) error {
	return do(d.request(ctx).SetBody(map[string][]byte{"blob": blob}).Put("/master-key"))
}

func (d *HTTPDirectory) MasterKeyBlob(ctx context.Context) ([]byte, error) {
	var mk models.MasterKeyBlob
	if err := do(d.request(ctx).SetResult(&mk).Get("/master-key")); err != nil {
		return nil, err
	}
	return mk.Blob, nil
}

func (d *HTTPDirectory) DeleteMasterKeyBlob(ctx context.Context) error {
	return do(d.request(ctx).Delete("/master-key"))
}
