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
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Session is one authenticated connection. A user may hold several.
type Session struct {
	ID     string
	UserID string

	send chan []byte
	done chan struct{}

	mu    sync.Mutex
	state State
	rooms map[string]struct{}
	once  sync.Once
}

func newSession(userID string, buffer int) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		state:  StateAuthenticating,
		rooms:  make(map[string]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState reports whether the state changed.
func (s *Session) setState(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st || s.state == StateDisconnected {
		return false
	}
	s.state = st
	return true
}

// enqueue never blocks; false means the buffer is full or the session
// has stopped.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// stop signals the writer to hang up. Safe to call more than once.
func (s *Session) stop() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed once the session has been told to stop.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) addRoom(chatID string) {
	s.mu.Lock()
	s.rooms[chatID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(chatID string) {
	s.mu.Lock()
	delete(s.rooms, chatID)
	s.mu.Unlock()
}

func (s *Session) inRoom(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[chatID]
	return ok
}

func (s *Session) roomSet() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.rooms))
	for id := range s.rooms {
		out[id] = struct{}{}
	}
	return out
}
