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

// KeyHandler serves identities, wrapped keys and sealed chat keys.
type KeyHandler struct {
	svc    *service.Service
	logger log.Logger
}

func NewKeyHandler(svc *service.Service, logger log.Logger) *KeyHandler {
	return &KeyHandler{svc: svc, logger: logging.OrNop(logger)}
}

func (h *KeyHandler) PublishIdentity(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, false)
}

// ReplaceIdentity overwrites the caller's identity after a regeneration.
func (h *KeyHandler) ReplaceIdentity(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, true)
}

func (h *KeyHandler) publish(w http.ResponseWriter, r *http.Request, replace bool) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var kp models.IdentityKeyPair
	if !decodeJSON(w, r, &kp) {
		return
	}
	if err := h.svc.PublishIdentity(r.Context(), userID, kp, replace); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	status := http.StatusCreated
	if replace {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"status": "identity published"})
}

func (h *KeyHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	kp, err := h.svc.Identity(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kp)
}

func (h *KeyHandler) GetPublicIdentity(w http.ResponseWriter, r *http.Request) {
	pub, err := h.svc.PublicIdentity(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pub)
}

func (h *KeyHandler) GetWrappedKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	keys, err := h.svc.WrappedKeys(r.Context(), userID, mux.Vars(r)["chatId"])
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type deleteWrappedRequest struct {
	Versions []int `json:"versions"`
}

// DeleteWrappedKeys is called once the listed versions have been adopted.
func (h *KeyHandler) DeleteWrappedKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var req deleteWrappedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.DeleteWrappedKeys(r.Context(), userID, mux.Vars(r)["chatId"], req.Versions); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) GetUserChatKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	keys, err := h.svc.UserChatKeys(r.Context(), userID, mux.Vars(r)["chatId"])
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type saveChatKeyRequest struct {
	SealedKey []byte `json:"sealed_key"`
}

func (h *KeyHandler) SaveUserChatKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	version, err := strconv.Atoi(vars["version"])
	if err != nil || version < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid key version"})
		return
	}
	var req saveChatKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SaveUserChatKey(r.Context(), userID, vars["chatId"], version, req.SealedKey); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type masterKeyRequest struct {
	Blob []byte `json:"blob"`
}

// SaveMasterKey parks a passphrase-sealed master secret for another device.
func (h *KeyHandler) SaveMasterKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	var req masterKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SaveMasterKeyBlob(r.Context(), userID, req.Blob); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *KeyHandler) GetMasterKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	blob, err := h.svc.MasterKeyBlob(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blob)
}

func (h *KeyHandler) DeleteMasterKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteMasterKeyBlob(r.Context(), userID); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
