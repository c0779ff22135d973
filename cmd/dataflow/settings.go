package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dataflow/pkg/dataflow/checkpoint"
	"github.com/randalmurphal/dataflow/pkg/dataflow/config"
)

// settings is the shape of a --config file.
//
//	log_level: debug
//	max_iterations: 500
//	store:
//	  kind: redis
//	  redis:
//	    addr: localhost:6379
//	    password: ${REDIS_PASSWORD}
//	    ttl: 24h
type settings struct {
	LogLevel       string        `mapstructure:"log_level"`
	MaxIterations  int           `mapstructure:"max_iterations"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	Store          storeSettings `mapstructure:"store"`
}

type storeSettings struct {
	// Kind is one of "", "memory", "sqlite" or "redis". Empty disables
	// checkpointing.
	Kind  string        `mapstructure:"kind"`
	Path  string        `mapstructure:"path"`
	Redis redisSettings `mapstructure:"redis"`
}

type redisSettings struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

var errNoStore = errors.New("no checkpoint store configured (use --db or a store in --config)")

// loadSettings layers the --config files, if any, and applies flag overrides.
func loadSettings(cmd *cobra.Command) (settings, error) {
	s := settings{LogLevel: "warn"}

	paths, _ := cmd.Flags().GetStringArray("config")
	if len(paths) > 0 {
		cfg, err := config.FromFiles(paths...)
		if err != nil {
			return s, err
		}
		if err := cfg.Decode(&s); err != nil {
			return s, err
		}
	}

	if cmd.Flags().Changed("log-level") {
		s.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		s.Store = storeSettings{Kind: "sqlite", Path: db}
	}
	return s, nil
}

// newLogger builds the text logger every command logs through.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// openStore opens the configured checkpoint store. It returns a nil store
// when none is configured.
func openStore(s storeSettings) (checkpoint.Store, error) {
	switch strings.ToLower(s.Kind) {
	case "", "none":
		return nil, nil
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		if s.Path == "" {
			return nil, errors.New("sqlite store needs a path")
		}
		return checkpoint.NewSQLiteStore(s.Path)
	case "redis":
		if s.Redis.Addr == "" {
			return nil, errors.New("redis store needs an addr")
		}
		var opts []checkpoint.RedisOption
		if s.Redis.Prefix != "" {
			opts = append(opts, checkpoint.WithRedisPrefix(s.Redis.Prefix))
		}
		if s.Redis.TTL > 0 {
			opts = append(opts, checkpoint.WithRedisTTL(s.Redis.TTL))
		}
		return checkpoint.NewRedisStore(s.Redis.Addr, s.Redis.Password, s.Redis.DB, opts...), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", s.Kind)
	}
}
