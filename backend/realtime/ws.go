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
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-kit/log/level"

	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/service"
)

const (
	// Room for the largest ciphertext plus the envelope.
	maxFrameSize = service.MaxCiphertextLength + 8*1024
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// SessionCookie is the cookie the host application stores its token in.
const SessionCookie = "session"

// TokenFromRequest looks for a session token in the Authorization header,
// the token query parameter and the session cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// ServeHTTP upgrades an authenticated request to a websocket session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		http.Error(w, crypto.ErrConnectionUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		level.Debug(h.logger).Log("msg", "websocket authentication failed", "err", err)
		http.Error(w, crypto.ErrConnectionUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		level.Warn(h.logger).Log("msg", "websocket upgrade failed", "user_id", userID, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s := h.connect(userID)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go h.writeLoop(ctx, conn, s)

	h.welcome(ctx, s)
	h.readLoop(ctx, conn, s)

	h.disconnect(s)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, s *Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				level.Debug(h.logger).Log("msg", "websocket read failed", "user_id", s.UserID, "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.send(s, EventError, ErrorEvent{Message: "text frames only"})
			continue
		}
		h.handle(ctx, s, data)
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.stop()
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				s.stop()
				return
			}
		}
	}
}
