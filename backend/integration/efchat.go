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

package integration

import (
	"context"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efchatnet/efgroup/backend/handlers"
	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/metrics"
	"github.com/efchatnet/efgroup/backend/middleware"
	"github.com/efchatnet/efgroup/backend/models"
	"github.com/efchatnet/efgroup/backend/realtime"
	"github.com/efchatnet/efgroup/backend/service"
	"github.com/efchatnet/efgroup/backend/storage"
)

// KeyInbox is the cross-instance announcer (the redis inbox).
type KeyInbox interface {
	service.Announcer
	Pending(ctx context.Context, userID string) ([]models.KeyNotice, error)
	Listen(ctx context.Context, fn func(models.KeyNotice)) error
}

// Config holds configuration for the E2E integration
type Config struct {
	Store     storage.Store
	JWTSecret string
	JWTIssuer string
	// Inbox is optional; without it key notices only reach sessions on
	// this instance.
	Inbox    KeyInbox
	Realtime realtime.Options
	Logger   log.Logger
	// Health reports backing store health for /health.
	Health func(ctx context.Context) error
}

// E2EIntegration provides the encrypted group chat server as a plugin for
// efchat, or as a standalone server via cmd/efgroup.
type E2EIntegration struct {
	svc    *service.Service
	hub    *realtime.Hub
	auth   *middleware.JWTAuthenticator
	inbox  KeyInbox
	health func(ctx context.Context) error
	logger log.Logger
	jwtKey string
}

func NewE2EIntegration(config *Config) (*E2EIntegration, error) {
	logger := logging.OrNop(config.Logger)
	if config.JWTSecret == "" {
		return nil, &ValidationError{Message: "JWT secret is not configured"}
	}
	if config.Store == nil {
		return nil, &ValidationError{Message: "store is not configured"}
	}

	svc := service.New(config.Store, logger)
	auth := middleware.NewJWTAuthenticator(config.JWTSecret, config.JWTIssuer)
	opts := config.Realtime
	if config.Inbox != nil && opts.Pending == nil {
		opts.Pending = config.Inbox.Pending
	}
	hub := realtime.NewHub(svc, auth, opts, logger)
	svc.SetNotifier(hub)
	if config.Inbox != nil {
		svc.SetAnnouncer(config.Inbox)
	} else {
		svc.SetAnnouncer(hub)
	}

	return &E2EIntegration{
		svc:    svc,
		hub:    hub,
		auth:   auth,
		inbox:  config.Inbox,
		health: config.Health,
		logger: logger,
		jwtKey: config.JWTSecret,
	}, nil
}

// Run relays inbox notices to local sessions until ctx ends. It is a no-op
// without an inbox.
func (e *E2EIntegration) Run(ctx context.Context) error {
	if e.inbox == nil {
		<-ctx.Done()
		return nil
	}
	level.Info(e.logger).Log("msg", "listening for key notices")
	return e.inbox.Listen(ctx, e.hub.KeysAvailable)
}

// Close stops the realtime workers.
func (e *E2EIntegration) Close() {
	e.hub.Close()
}

// RegisterRoutes adds E2E routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *E2EIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	router.Use(metrics.Middleware)

	api := router.PathPrefix("/api/e2e").Subrouter()
	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.auth))
	}
	handlers.Register(api, e.svc, e.logger)

	router.Handle("/ws", e.hub).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", e.healthCheck).Methods("GET")
}

func (e *E2EIntegration) healthCheck(w http.ResponseWriter, r *http.Request) {
	if e.health != nil {
		if err := e.health(r.Context()); err != nil {
			level.Warn(e.logger).Log("msg", "health check failed", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Service exposes the business layer, for in-process clients.
func (e *E2EIntegration) Service() *service.Service {
	return e.svc
}

func (e *E2EIntegration) Hub() *realtime.Hub {
	return e.hub
}

// ValidateSetup checks if the E2E module is properly configured
func (e *E2EIntegration) ValidateSetup(ctx context.Context) error {
	if e.jwtKey == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	if e.health != nil {
		return e.health(ctx)
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
