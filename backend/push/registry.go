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

package push

import (
	"context"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
)

type Channel string

const (
	ChannelWebPush Channel = "webpush"
	ChannelNtfy    Channel = "ntfy"
)

// Subscription holds a user's push endpoints. Either may be empty.
type Subscription struct {
	WebPush   *webpush.Subscription
	NtfyTopic string
}

func (s Subscription) empty() bool {
	return s.WebPush == nil && s.NtfyTopic == ""
}

// Endpoint identifies what ch currently points at: the web push endpoint
// URL or the ntfy topic.
func (s Subscription) Endpoint(ch Channel) string {
	switch ch {
	case ChannelWebPush:
		if s.WebPush != nil {
			return s.WebPush.Endpoint
		}
	case ChannelNtfy:
		return s.NtfyTopic
	}
	return ""
}

// Subscriptions is the userID -> Subscription table. Every instance that
// delivers pushes must see the same table.
type Subscriptions interface {
	SetWebPush(ctx context.Context, userID string, sub *webpush.Subscription) error
	SetNtfy(ctx context.Context, userID, topic string) error
	Get(ctx context.Context, userID string) (Subscription, bool, error)
	// Evict drops ch only while it still points at endpoint, so a
	// subscription replaced during a failing send survives.
	Evict(ctx context.Context, userID string, ch Channel, endpoint string) error
}

// Registry is the in-memory Subscriptions for a single instance. Clients
// re-subscribe on every connect, so losing it on restart is harmless.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

var _ Subscriptions = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscription)}
}

func (r *Registry) SetWebPush(ctx context.Context, userID string, sub *webpush.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[userID]
	s.WebPush = sub
	r.subs[userID] = s
	return nil
}

func (r *Registry) SetNtfy(ctx context.Context, userID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[userID]
	s.NtfyTopic = topic
	r.subs[userID] = s
	return nil
}

func (r *Registry) Get(ctx context.Context, userID string) (Subscription, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[userID]
	return s, ok, nil
}

func (r *Registry) Evict(ctx context.Context, userID string, ch Channel, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[userID]
	if !ok || s.Endpoint(ch) != endpoint {
		return nil
	}
	switch ch {
	case ChannelWebPush:
		s.WebPush = nil
	case ChannelNtfy:
		s.NtfyTopic = ""
	}
	if s.empty() {
		delete(r.subs, userID)
		return nil
	}
	r.subs[userID] = s
	return nil
}
