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
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/spf13/cobra"

	"github.com/efchatnet/efgroup/backend/client"
	"github.com/efchatnet/efgroup/backend/config"
	"github.com/efchatnet/efgroup/backend/crypto"
	"github.com/efchatnet/efgroup/backend/keyring"
	"github.com/efchatnet/efgroup/backend/middleware"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/service"
	redisstore "github.com/efchatnet/efgroup/backend/storage/redis"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store != config.StorePostgres {
				return errors.New("migrate needs the postgres store")
			}
			b, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			level.Info(logger).Log("msg", "migrations applied")
			return nil
		},
	}
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove wrapped keys that were already adopted",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			var inbox *redisstore.Inbox
			if b.redis != nil {
				inbox = redisstore.NewInbox(b.redis)
			}
			return runPrune(cmd.Context(), service.New(b.store, logger), inbox)
		},
	}
}

func token(c *config.Config, userID string, ttl time.Duration) (string, error) {
	tok, err := jwt.NewBuilder().
		Issuer(c.JWTIssuer).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(ttl)).
		Claim(middleware.UserIDClaim, userID).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(c.JWTSecret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// seedCmd creates development users with identities and a shared group.
// Their master secrets and tokens are printed so a client can log in.
func seedCmd() *cobra.Command {
	var (
		users []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create development users and a group chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(users) < 2 {
				return errors.New("seed needs at least two users")
			}
			if cfg.Store == config.StoreMemory {
				level.Warn(logger).Log("msg", "seeding the memory store, nothing survives this process")
			}
			b, err := open(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			svc := service.New(b.store, logger)

			rings := make([]*keyring.Keyring, 0, len(users))
			for _, u := range users {
				m, err := crypto.NewMasterSecret()
				if err != nil {
					return err
				}
				k := keyring.New(u, m, client.NewLocalDirectory(svc, u), nil, logger)
				if err := k.GenerateIdentity(ctx); err != nil {
					return fmt.Errorf("seed %s: %w", u, err)
				}
				tok, err := token(cfg, u, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n  master: %s\n  token:  %s\n", u, m.EncodeEmoji(), tok)
				rings = append(rings, k)
			}

			chat, err := rings[0].CreateChat(ctx, models.ChatTypeGroup, "seed", users[1:])
			if err != nil {
				return err
			}
			ct, version, err := rings[0].EncryptMessage(ctx, chat.ID, "welcome to "+chat.Name)
			if err != nil {
				return err
			}
			if _, _, err := svc.PostMessage(ctx, users[0], models.Message{ChatID: chat.ID, UsedKeyVersion: version, Ciphertext: ct}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %s owned by %s\n", chat.ID, users[0])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&users, "users", []string{"alice", "bob", "carol"}, "user ids to create")
	cmd.Flags().DurationVar(&ttl, "token-ttl", 24*time.Hour, "lifetime of the printed tokens")
	return cmd
}

// fingerprintCmd prints the safety number two users should see, computed
// from their published public keys.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <initiator> <responder>",
		Short: "Print the safety number between two users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			b, err := open(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			svc := service.New(b.store, logger)

			a, err := svc.PublicIdentity(ctx, args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			r, err := svc.PublicIdentity(ctx, args[1])
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}
			fp := crypto.Fingerprint(a.PublicKey, r.PublicKey, true)
			fmt.Fprintln(cmd.OutOrStdout(), crypto.FingerprintEmoji(fp))
			return nil
		},
	}
}
