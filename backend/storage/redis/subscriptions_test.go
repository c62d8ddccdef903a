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
	"errors"
	"os"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroup/backend/push"
)

// openTestClient connects to TEST_REDIS_URL or skips.
func openTestClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

type recordingNtfy struct {
	topics []string
}

func (r *recordingNtfy) Send(ctx context.Context, topic string, body []byte) error {
	r.topics = append(r.topics, topic)
	return nil
}

type failingWebPush struct{}

func (failingWebPush) Send(ctx context.Context, sub *webpush.Subscription, body []byte) error {
	return errors.New("web push endpoint returned 410")
}

func TestSubscriptionsAreSharedBetweenInstances(t *testing.T) {
	ctx := context.Background()
	userID := uuid.NewString()
	instanceA := NewPushSubscriptions(openTestClient(t))
	instanceB := NewPushSubscriptions(openTestClient(t))
	t.Cleanup(func() { instanceA.rdb.Del(context.Background(), subsPrefix+userID) })

	require.NoError(t, instanceA.SetNtfy(ctx, userID, "topic-"+userID))
	require.NoError(t, instanceA.SetWebPush(ctx, userID, &webpush.Subscription{
		Endpoint: "https://push.example/" + userID,
		Keys:     webpush.Keys{P256dh: "p", Auth: "a"},
	}))

	ntfy := &recordingNtfy{}
	d := push.NewDeliverer(instanceB, failingWebPush{}, ntfy, nil)
	d.Deliver(ctx, push.Notice{UserID: userID, Payload: push.Payload{ChatID: "c1"}})
	assert.Equal(t, []string{"topic-" + userID}, ntfy.topics)

	sub, ok, err := instanceA.Get(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, sub.WebPush)
	assert.Equal(t, "topic-"+userID, sub.NtfyTopic)
}

func TestEvictKeepsReplacedSubscription(t *testing.T) {
	ctx := context.Background()
	userID := uuid.NewString()
	subs := NewPushSubscriptions(openTestClient(t))
	t.Cleanup(func() { subs.rdb.Del(context.Background(), subsPrefix+userID) })

	fresh := &webpush.Subscription{Endpoint: "https://push.example/fresh"}
	require.NoError(t, subs.SetWebPush(ctx, userID, fresh))

	require.NoError(t, subs.Evict(ctx, userID, push.ChannelWebPush, "https://push.example/dead"))
	sub, ok, err := subs.Get(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh.Endpoint, sub.WebPush.Endpoint)

	require.NoError(t, subs.Evict(ctx, userID, push.ChannelWebPush, fresh.Endpoint))
	_, ok, err = subs.Get(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)
}
