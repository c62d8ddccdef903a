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

package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"

	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/service"
)

type ChatHandler struct {
	svc    *service.Service
	logger log.Logger
}

func NewChatHandler(svc *service.Service, logger log.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, logger: logging.OrNop(logger)}
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var req models.CreateChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.svc.CreateChat(r.Context(), userID, req)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	chats, err := h.svc.Chats(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	chat, err := h.svc.Chat(r.Context(), userID, mux.Vars(r)["chatId"])
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) RenameChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var req models.RenameChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.svc.RenameChat(r.Context(), userID, mux.Vars(r)["chatId"], req)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var req models.AddParticipantsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chat, err := h.svc.AddParticipants(r.Context(), userID, mux.Vars(r)["chatId"], req)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *ChatHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	if err := h.svc.RemoveParticipant(r.Context(), userID, vars["chatId"], vars["userId"]); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	if err := h.svc.LeaveChat(r.Context(), userID, mux.Vars(r)["chatId"]); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateKey commits the next key version. A 409 means someone else
// rotated first; the caller should reload the chat and decide again.
func (h *ChatHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var req models.RotateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.svc.RotateChatKey(r.Context(), userID, mux.Vars(r)["chatId"], req)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetMessages pages history with ?cursor=&direction=older|newer&limit=.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page := models.PageQuery{
		Cursor:    q.Get("cursor"),
		Direction: models.Direction(q.Get("direction")),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		page.Limit = n
	}
	res, err := h.svc.Messages(r.Context(), userID, mux.Vars(r)["chatId"], page)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
