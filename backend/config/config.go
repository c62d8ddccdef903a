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

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"port"`
	DatabaseURL    string   `mapstructure:"database_url"`
	RedisURL       string   `mapstructure:"redis_url"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	JWTIssuer      string   `mapstructure:"jwt_issuer"`
	LogLevel       string   `mapstructure:"log_level"`
	Store          string   `mapstructure:"store"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	PruneSchedule  string   `mapstructure:"prune_schedule"`
	Realtime       Realtime `mapstructure:"realtime"`
	Push           Push     `mapstructure:"push"`
}

type Realtime struct {
	Shards          int `mapstructure:"shards"`
	SendBuffer      int `mapstructure:"send_buffer"`
	EventsPerSecond int `mapstructure:"events_per_second"`
}

type Push struct {
	// Queue routes deliveries through asynq when Redis is configured.
	Queue           bool   `mapstructure:"queue"`
	Concurrency     int    `mapstructure:"concurrency"`
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	VAPIDSubject    string `mapstructure:"vapid_subject"`
	NtfyURL         string `mapstructure:"ntfy_url"`
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// env names predate the config file and stay supported
var envBindings = map[string]string{
	"port":                       "PORT",
	"database_url":               "DATABASE_URL",
	"redis_url":                  "REDIS_URL",
	"jwt_secret":                 "JWT_SECRET",
	"jwt_issuer":                 "JWT_ISSUER",
	"log_level":                  "LOG_LEVEL",
	"store":                      "STORE",
	"allowed_origins":            "ALLOWED_ORIGINS",
	"prune_schedule":             "PRUNE_SCHEDULE",
	"realtime.shards":            "REALTIME_SHARDS",
	"realtime.send_buffer":       "REALTIME_SEND_BUFFER",
	"realtime.events_per_second": "REALTIME_EVENTS_PER_SECOND",
	"push.queue":                 "PUSH_QUEUE",
	"push.concurrency":           "PUSH_CONCURRENCY",
	"push.vapid_public_key":      "VAPID_PUBLIC_KEY",
	"push.vapid_private_key":     "VAPID_PRIVATE_KEY",
	"push.vapid_subject":         "VAPID_SUBJECT",
	"push.ntfy_url":              "NTFY_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8081")
	v.SetDefault("jwt_issuer", "efchat")
	v.SetDefault("log_level", "info")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("prune_schedule", "@hourly")
	v.SetDefault("realtime.shards", 16)
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.events_per_second", 20)
	v.SetDefault("push.queue", true)
	v.SetDefault("push.concurrency", 10)
	v.SetDefault("push.ntfy_url", "http://ntfy:80")
}

// Load reads the optional YAML file at path, then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Realtime.Shards <= 0 {
		return errors.New("realtime.shards must be positive")
	}
	for i, o := range c.AllowedOrigins {
		c.AllowedOrigins[i] = strings.TrimSpace(o)
	}
	return nil
}
