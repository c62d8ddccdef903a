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
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efgroup/backend/models"
)

const (
	// InboxTTL bounds how long a pending pointer survives without activity.
	// The wrapped key itself lives in Postgres; losing a pointer only delays
	// the nudge until the client next fetches keys.
	InboxTTL = 7 * 24 * time.Hour

	inboxPrefix   = "keys:inbox:"  // keys:inbox:{userId} - set of "{chatId}|{version}"
	notifyPrefix  = "keys:notify:" // keys:notify:{userId} - pub/sub channel
	notifyPattern = notifyPrefix + "*"
)

// Inbox keeps per-user pointers to wrapped keys awaiting adoption and
// announces new ones to every server instance.
type Inbox struct {
	rdb *redis.Client
}

func NewInbox(rdb *redis.Client) *Inbox {
	return &Inbox{rdb: rdb}
}

func member(chatID string, version int) string {
	return chatID + "|" + strconv.Itoa(version)
}

func parseMember(userID, m string) (models.KeyNotice, bool) {
	chatID, v, ok := strings.Cut(m, "|")
	if !ok {
		return models.KeyNotice{}, false
	}
	version, err := strconv.Atoi(v)
	if err != nil {
		return models.KeyNotice{}, false
	}
	return models.KeyNotice{UserID: userID, ChatID: chatID, Version: version}, true
}

// Announce records the pointer and publishes it for live delivery.
func (i *Inbox) Announce(ctx context.Context, n models.KeyNotice) error {
	key := inboxPrefix + n.UserID
	pipe := i.rdb.TxPipeline()
	pipe.SAdd(ctx, key, member(n.ChatID, n.Version))
	pipe.Expire(ctx, key, InboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record key notice: %w", err)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := i.rdb.Publish(ctx, notifyPrefix+n.UserID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish key notice: %w", err)
	}
	return nil
}

// Pending lists the user's outstanding notices.
func (i *Inbox) Pending(ctx context.Context, userID string) ([]models.KeyNotice, error) {
	members, err := i.rdb.SMembers(ctx, inboxPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read key inbox: %w", err)
	}
	out := make([]models.KeyNotice, 0, len(members))
	for _, m := range members {
		if n, ok := parseMember(userID, m); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Ack removes pointers once the recipient adopted or discarded them.
func (i *Inbox) Ack(ctx context.Context, userID, chatID string, versions []int) error {
	if len(versions) == 0 {
		return nil
	}
	members := make([]any, len(versions))
	for j, v := range versions {
		members[j] = member(chatID, v)
	}
	return i.rdb.SRem(ctx, inboxPrefix+userID, members...).Err()
}

// Listen delivers every published notice to fn until ctx is done.
func (i *Inbox) Listen(ctx context.Context, fn func(models.KeyNotice)) error {
	sub := i.rdb.PSubscribe(ctx, notifyPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n models.KeyNotice
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				continue
			}
			fn(n)
		}
	}
}

// Cleanup drops pointers for which stillPending reports false. It is run
// periodically next to the wrapped-key prune.
func (i *Inbox) Cleanup(ctx context.Context, stillPending func(context.Context, models.KeyNotice) (bool, error)) error {
	iter := i.rdb.Scan(ctx, 0, inboxPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimPrefix(key, inboxPrefix)

		members, err := i.rdb.SMembers(ctx, key).Result()
		if err != nil {
			continue
		}
		for _, m := range members {
			n, ok := parseMember(userID, m)
			if ok {
				pending, err := stillPending(ctx, n)
				if err != nil {
					return err
				}
				if pending {
					continue
				}
			}
			i.rdb.SRem(ctx, key, m)
		}
	}
	return iter.Err()
}
