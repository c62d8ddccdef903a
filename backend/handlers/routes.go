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
	"github.com/go-kit/log"
	"github.com/gorilla/mux"

	"github.com/efchatnet/efgroup/backend/service"
)

// Register mounts the authenticated REST API on api, which is expected to
// already carry the auth middleware.
func Register(api *mux.Router, svc *service.Service, logger log.Logger) {
	keys := NewKeyHandler(svc, logger)
	chats := NewChatHandler(svc, logger)

	api.HandleFunc("/identity", keys.PublishIdentity).Methods("POST", "OPTIONS")
	api.HandleFunc("/identity", keys.ReplaceIdentity).Methods("PUT", "OPTIONS")
	api.HandleFunc("/identity", keys.GetIdentity).Methods("GET", "OPTIONS")
	api.HandleFunc("/identity/{userId}/public", keys.GetPublicIdentity).Methods("GET", "OPTIONS")
	api.HandleFunc("/master-key", keys.SaveMasterKey).Methods("PUT", "OPTIONS")
	api.HandleFunc("/master-key", keys.GetMasterKey).Methods("GET", "OPTIONS")
	api.HandleFunc("/master-key", keys.DeleteMasterKey).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/chats", chats.CreateChat).Methods("POST", "OPTIONS")
	api.HandleFunc("/chats", chats.ListChats).Methods("GET", "OPTIONS")
	api.HandleFunc("/chats/{chatId}", chats.GetChat).Methods("GET", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/name", chats.RenameChat).Methods("PUT", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/participants", chats.AddParticipants).Methods("POST", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/participants/{userId}", chats.RemoveParticipant).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/leave", chats.LeaveChat).Methods("POST", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/rotate", chats.RotateKey).Methods("POST", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/messages", chats.GetMessages).Methods("GET", "OPTIONS")

	api.HandleFunc("/chats/{chatId}/wrapped-keys", keys.GetWrappedKeys).Methods("GET", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/wrapped-keys", keys.DeleteWrappedKeys).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/keys", keys.GetUserChatKeys).Methods("GET", "OPTIONS")
	api.HandleFunc("/chats/{chatId}/keys/{version}", keys.SaveUserChatKey).Methods("PUT", "OPTIONS")
}
