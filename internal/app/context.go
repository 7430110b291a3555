package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"expectline/internal/config"
	"expectline/internal/db"
	"expectline/internal/engine"
	"expectline/internal/events"
	"expectline/internal/migrate"
)

// Runtime is everything a command needs to run engine operations against a
// workspace.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	DB     *sql.DB
	Logger *slog.Logger

	closers []func() error
}

// Options tune Open; zero values pick the workspace config.
type Options struct {
	Workspace  string
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogOutput  io.Writer
}

// Open loads config, opens and migrates the workspace database, and builds an
// engine. The Redis publisher is wired only when publisher.redis_url is set.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Logging.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(out, level, format)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, DB: conn, Logger: logger}
	rt.closers = append(rt.closers, conn.Close)

	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		rt.Close()
		return nil, err
	}
	for _, name := range applied {
		logger.Debug("migration applied", "name", name)
	}

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	if cfg.Publisher.RedisURL != "" {
		pub, err := events.NewRedisPublisher(cfg.Publisher.RedisURL, cfg.Publisher.Stream)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pub.Close)
		eng.Publisher = pub
		logger.Info("publishing score changes", "stream", cfg.Publisher.Stream)
	}
	rt.Engine = eng
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(opts.Workspace)
}

// NewLogger builds a text or JSON slog logger at the named level.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
