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
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/efchatnet/efgroup/backend/config"
	"github.com/efchatnet/efgroup/backend/integration"
	"github.com/efchatnet/efgroup/backend/metrics"
	"github.com/efchatnet/efgroup/backend/middleware"
	"github.com/efchatnet/efgroup/backend/push"
	"github.com/efchatnet/efgroup/backend/realtime"
	"github.com/efchatnet/efgroup/backend/service"
	redisstore "github.com/efchatnet/efgroup/backend/storage/redis"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST, websocket and push server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving")
	return cmd
}

// originHosts turns allowed origins into websocket origin patterns, which
// match on host only.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

// asynqLogger sends asynq's own logging through go-kit.
type asynqLogger struct {
	logger log.Logger
}

func (l asynqLogger) Debug(args ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprint(args...))
}
func (l asynqLogger) Info(args ...interface{}) { level.Info(l.logger).Log("msg", fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{}) { level.Warn(l.logger).Log("msg", fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprint(args...))
}
func (l asynqLogger) Fatal(args ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprint(args...))
	os.Exit(1)
}

func asynqRedis(opts *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}

// pushPipeline builds the dispatcher the hub uses. With Redis and queueing
// enabled deliveries go through asynq; otherwise they run in process.
// subscriptionStore shares push subscriptions through Redis when it is
// configured, so a queued delivery can run on any instance.
func subscriptionStore(b *backend) push.Subscriptions {
	if b.redis != nil {
		return redisstore.NewPushSubscriptions(b.redis)
	}
	return push.NewRegistry()
}

func pushPipeline(c *config.Config, b *backend, registry push.Subscriptions) (push.Dispatcher, func(), error) {
	var wp push.WebPushSender
	if c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != "" {
		wp = push.NewVAPIDSender(c.Push.VAPIDPublicKey, c.Push.VAPIDPrivateKey, c.Push.VAPIDSubject)
	} else {
		level.Warn(logger).Log("msg", "VAPID keys not configured, web push disabled")
	}
	var ntfy push.NtfySender
	if c.Push.NtfyURL != "" {
		ntfy = push.NewNtfyClient(c.Push.NtfyURL)
	}
	deliverer := push.NewDeliverer(registry, wp, ntfy, log.With(logger, "component", "push"))

	if b.redis == nil || !c.Push.Queue {
		return push.NewDirectDispatcher(deliverer), func() {}, nil
	}

	ropt := asynqRedis(b.redis.Options())
	client := asynq.NewClient(ropt)
	server := asynq.NewServer(ropt, asynq.Config{
		Concurrency: c.Push.Concurrency,
		Logger:      asynqLogger{log.With(logger, "component", "asynq")},
		LogLevel:    asynq.WarnLevel,
	})
	if err := server.Start(push.NewServeMux(deliverer)); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to start push queue: %w", err)
	}
	return push.NewQueueDispatcher(client), func() {
		server.Shutdown()
		client.Close()
	}, nil
}

// schedulePrune runs the wrapped-key prune and the inbox cleanup on the
// configured schedule.
func schedulePrune(c *config.Config, svc *service.Service, inbox *redisstore.Inbox) (*cron.Cron, error) {
	cr := cron.New()
	_, err := cr.AddFunc(c.PruneSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		runPrune(ctx, svc, inbox)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", c.PruneSchedule, err)
	}
	cr.Start()
	return cr, nil
}

func runPrune(ctx context.Context, svc *service.Service, inbox *redisstore.Inbox) error {
	n, err := svc.PruneAdoptedKeys(ctx)
	if err != nil {
		level.Error(logger).Log("msg", "wrapped key prune failed", "err", err)
		return err
	}
	level.Info(logger).Log("msg", "pruned adopted wrapped keys", "count", n)
	if inbox != nil {
		if err := inbox.Cleanup(ctx, svc.PendingKeys); err != nil {
			level.Error(logger).Log("msg", "key inbox cleanup failed", "err", err)
			return err
		}
	}
	return nil
}

func serve(ctx context.Context, c *config.Config, migrate bool) error {
	b, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.pg != nil && migrate {
		if err := b.pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	metrics.InitMetrics()

	registry := subscriptionStore(b)
	dispatcher, stopPush, err := pushPipeline(c, b, registry)
	if err != nil {
		return err
	}
	defer stopPush()

	opts := realtime.Options{
		Shards:         c.Realtime.Shards,
		SendBuffer:     c.Realtime.SendBuffer,
		OriginPatterns: originHosts(c.AllowedOrigins),
		Dispatcher:     dispatcher,
		Registry:       registry,
	}
	var inbox *redisstore.Inbox
	icfg := &integration.Config{
		Store:     b.store,
		JWTSecret: c.JWTSecret,
		JWTIssuer: c.JWTIssuer,
		Logger:    logger,
		Health:    b.health,
	}
	if b.redis != nil {
		inbox = redisstore.NewInbox(b.redis)
		icfg.Inbox = inbox
		opts.Limiter = redisstore.NewRateLimiter(b.redis, c.Realtime.EventsPerSecond)
	} else {
		level.Warn(logger).Log("msg", "REDIS_URL not set, key notices and rate limits are local to this instance")
	}
	icfg.Realtime = opts

	e2e, err := integration.NewE2EIntegration(icfg)
	if err != nil {
		return err
	}
	defer e2e.Close()
	if err := e2e.ValidateSetup(ctx); err != nil {
		return err
	}

	cr, err := schedulePrune(c, e2e.Service(), inbox)
	if err != nil {
		return err
	}
	defer cr.Stop()

	go func() {
		if err := e2e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			level.Error(logger).Log("msg", "key notice relay stopped", "err", err)
		}
	}()

	router := mux.NewRouter()
	e2e.RegisterRoutes(router, nil)

	srv := &http.Server{
		Addr:              ":" + c.Port,
		Handler:           middleware.NewCORS(c.AllowedOrigins)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "server starting", "port", c.Port, "store", c.Store, "jwt_issuer", c.JWTIssuer)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
