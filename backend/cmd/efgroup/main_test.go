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

package main

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efgroup/backend/config"
	"github.com/efchatnet/efgroup/backend/middleware"
	"github.com/efchatnet/efgroup/backend/push"
	redisstore "github.com/efchatnet/efgroup/backend/storage/redis"
)

func TestOriginHosts(t *testing.T) {
	got := originHosts([]string{"http://localhost:5173", "https://efchat.net", "not a url"})
	assert.Equal(t, []string{"localhost:5173", "efchat.net"}, got)
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6379")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)

	opts, err = redisOptions("redis://:pw@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
}

func TestTokenIsAccepted(t *testing.T) {
	c := &config.Config{JWTSecret: "secret", JWTIssuer: "efchat"}
	tok, err := token(c, "alice", time.Hour)
	require.NoError(t, err)

	userID, err := middleware.NewJWTAuthenticator("secret", "efchat").Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestSubscriptionStoreIsSharedWithRedis(t *testing.T) {
	assert.IsType(t, &push.Registry{}, subscriptionStore(&backend{}))

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	assert.IsType(t, &redisstore.PushSubscriptions{}, subscriptionStore(&backend{redis: rdb}))
}
