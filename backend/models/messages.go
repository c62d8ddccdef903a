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

package models

import (
	"time"
)

// Message is stored and relayed as ciphertext only.
type Message struct {
	ID             string    `json:"id" db:"message_id"`
	ChatID         string    `json:"chat_id" db:"chat_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	UsedKeyVersion int       `json:"used_key_version" db:"used_key_version"`
	Ciphertext     string    `json:"ciphertext" db:"ciphertext"`
	Attachments    []string  `json:"attachments" db:"attachments"`
	Reactions      []string  `json:"reactions" db:"reactions"`
	ReplyToID      string    `json:"reply_to_id,omitempty" db:"reply_to_id"`
	ReadBy         []string  `json:"read_by" db:"read_by"`
	IsEdited       bool      `json:"is_edited" db:"is_edited"`
	Timestamp      time.Time `json:"timestamp" db:"created_at"`
}

// SystemMessage is a server-authored notice such as a key rotation or a
// membership change. Its content is plaintext.
type SystemMessage struct {
	ID             string    `json:"id" db:"system_message_id"`
	ChatID         string    `json:"chat_id" db:"chat_id"`
	Content        string    `json:"content" db:"content"`
	UsedKeyVersion int       `json:"used_key_version" db:"used_key_version"`
	Timestamp      time.Time `json:"timestamp" db:"created_at"`
}

type Direction string

const (
	DirectionOlder Direction = "older"
	DirectionNewer Direction = "newer"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// PageQuery selects a page of a chat's history. Cursor is a message id;
// an empty cursor with DirectionOlder returns the latest page.
type PageQuery struct {
	Cursor        string
	Direction     Direction
	Limit         int
	MinKeyVersion int
}

// Normalize applies defaults and clamps the limit.
func (q PageQuery) Normalize() PageQuery {
	if q.Direction != DirectionNewer {
		q.Direction = DirectionOlder
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	return q
}

// MessagePage is returned in ascending time order.
type MessagePage struct {
	Messages       []Message       `json:"messages"`
	SystemMessages []SystemMessage `json:"system_messages"`
	HasMore        bool            `json:"has_more"`
	NextCursor     string          `json:"next_cursor,omitempty"`
	PrevCursor     string          `json:"prev_cursor,omitempty"`
}

// SystemWindow is the time range of system messages that belong to a page.
// A zero bound is unbounded.
type SystemWindow struct {
	From          time.Time
	FromInclusive bool
	To            time.Time
	ToInclusive   bool
}

func (w SystemWindow) Contains(t time.Time) bool {
	if !w.From.IsZero() {
		if t.Before(w.From) || (!w.FromInclusive && t.Equal(w.From)) {
			return false
		}
	}
	if !w.To.IsZero() {
		if t.After(w.To) || (!w.ToInclusive && t.Equal(w.To)) {
			return false
		}
	}
	return true
}

// PageWindow derives the system message window for a page of msgs fetched
// with q, where cursorAt is the cursor message's timestamp (zero without a
// cursor). Walking a history in one direction visits every system message
// exactly once.
func PageWindow(q PageQuery, cursorAt time.Time, msgs []Message, hasMore bool) SystemWindow {
	var w SystemWindow
	if q.Direction == DirectionNewer {
		w.From = cursorAt
		if hasMore && len(msgs) > 0 {
			w.To = msgs[len(msgs)-1].Timestamp
			w.ToInclusive = true
		}
		return w
	}
	w.To = cursorAt
	if hasMore && len(msgs) > 0 {
		w.From = msgs[0].Timestamp
		w.FromInclusive = true
	}
	return w
}

// Cursors fills the page cursors from its messages.
func (p *MessagePage) Cursors() {
	if len(p.Messages) == 0 {
		return
	}
	p.PrevCursor = p.Messages[0].ID
	p.NextCursor = p.Messages[len(p.Messages)-1].ID
}
