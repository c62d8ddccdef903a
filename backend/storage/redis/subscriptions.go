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

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efgroup/backend/push"
)

const (
	// SubscriptionTTL is refreshed on every subscribe; clients subscribe
	// again on each connect.
	SubscriptionTTL = 30 * 24 * time.Hour

	subsPrefix = "push:subs:" // push:subs:{userId} - hash

	fieldWebPush         = "webpush"
	fieldWebPushEndpoint = "webpush_endpoint"
	fieldNtfy            = "ntfy"
)

// evictScript deletes fields ARGV[3..] only while field ARGV[1] still
// equals ARGV[2].
var evictScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], unpack(ARGV, 3))
end
return 0
`)

// PushSubscriptions keeps push endpoints in Redis so the instance running
// a queued delivery sees subscriptions made through any other instance.
type PushSubscriptions struct {
	rdb *redis.Client
}

var _ push.Subscriptions = (*PushSubscriptions)(nil)

func NewPushSubscriptions(rdb *redis.Client) *PushSubscriptions {
	return &PushSubscriptions{rdb: rdb}
}

func (p *PushSubscriptions) set(ctx context.Context, userID string, values ...any) error {
	key := subsPrefix + userID
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, SubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store push subscription: %w", err)
	}
	return nil
}

func (p *PushSubscriptions) SetWebPush(ctx context.Context, userID string, sub *webpush.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return p.set(ctx, userID, fieldWebPush, raw, fieldWebPushEndpoint, sub.Endpoint)
}

func (p *PushSubscriptions) SetNtfy(ctx context.Context, userID, topic string) error {
	return p.set(ctx, userID, fieldNtfy, topic)
}

func (p *PushSubscriptions) Get(ctx context.Context, userID string) (push.Subscription, bool, error) {
	fields, err := p.rdb.HGetAll(ctx, subsPrefix+userID).Result()
	if err != nil {
		return push.Subscription{}, false, fmt.Errorf("failed to read push subscription: %w", err)
	}
	var sub push.Subscription
	if raw, ok := fields[fieldWebPush]; ok {
		var wp webpush.Subscription
		if err := json.Unmarshal([]byte(raw), &wp); err != nil {
			return push.Subscription{}, false, fmt.Errorf("corrupt web push subscription for %s: %w", userID, err)
		}
		sub.WebPush = &wp
	}
	sub.NtfyTopic = fields[fieldNtfy]
	return sub, sub.WebPush != nil || sub.NtfyTopic != "", nil
}

func (p *PushSubscriptions) Evict(ctx context.Context, userID string, ch push.Channel, endpoint string) error {
	var args []any
	switch ch {
	case push.ChannelWebPush:
		args = []any{fieldWebPushEndpoint, endpoint, fieldWebPush, fieldWebPushEndpoint}
	case push.ChannelNtfy:
		args = []any{fieldNtfy, endpoint, fieldNtfy}
	default:
		return fmt.Errorf("unknown push channel %q", ch)
	}
	if err := evictScript.Run(ctx, p.rdb, []string{subsPrefix + userID}, args...).Err(); err != nil {
		return fmt.Errorf("failed to evict push subscription: %w", err)
	}
	return nil
}
