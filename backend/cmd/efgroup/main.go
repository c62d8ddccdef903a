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
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/efchatnet/efgroup/backend/config"
	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/storage"
	"github.com/efchatnet/efgroup/backend/storage/memory"
	"github.com/efchatnet/efgroup/backend/storage/postgres"
)

var (
	configFile string
	cfg        *config.Config
	logger     log.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "efgroup",
		Short:         "End-to-end encrypted group chat backend for efchat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configFile)
			if err != nil {
				return err
			}
			cfg = c
			logger = logging.New(os.Stderr, cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional YAML config file")

	root.AddCommand(serveCmd(), migrateCmd(), pruneCmd(), seedCmd(), fingerprintCmd())
	return root
}

// backend holds what every command may need to open.
type backend struct {
	store  storage.Store
	db     *sql.DB
	pg     *postgres.Store
	redis  *redis.Client
	health func(ctx context.Context) error
}

func (b *backend) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

func open(ctx context.Context, c *config.Config) (*backend, error) {
	b := &backend{}
	switch c.Store {
	case config.StoreMemory:
		b.store = memory.NewStore()
	default:
		db, err := sql.Open("postgres", c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		b.db = db
		b.pg = postgres.NewStore(db)
		b.store = b.pg
		b.health = b.pg.Ping
		if err := b.pg.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	if c.RedisURL != "" {
		opts, err := redisOptions(c.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = redis.NewClient(opts)
		dbHealth := b.health
		b.health = func(ctx context.Context) error {
			if dbHealth != nil {
				if err := dbHealth(ctx); err != nil {
					return err
				}
			}
			return b.redis.Ping(ctx).Err()
		}
	}
	return b, nil
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(s string) (*redis.Options, error) {
	if strings.Contains(s, "://") {
		opts, err := redis.ParseURL(s)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: s}, nil
}
