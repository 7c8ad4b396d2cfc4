// Package app assembles the engine and its background workers from a
// workspace config. Both the CLI and the server bootstrap through here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"civicroute/internal/config"
	"civicroute/internal/db"
	"civicroute/internal/engine"
	"civicroute/internal/escalation"
	"civicroute/internal/logging"
	"civicroute/internal/migrate"
	"civicroute/internal/notify"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/civic.yml.
	ConfigPath string
	// RequireConfig fails instead of falling back to defaults.
	RequireConfig bool
	Logger        *slog.Logger
}

type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *slog.Logger
	Redis  *redis.Client
}

// Open loads config, opens and migrates the database and seeds the
// configured authorities.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Log.Level, cfg.Log.Format)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", "applied", applied)
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}
	a.Engine = engine.New(conn, cfg, logger)
	created, updated, err := a.Engine.SeedAuthorities(ctx, cfg.Authorities)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed authorities: %w", err)
	}
	if created+updated > 0 {
		logger.Info("authority directory seeded", "created", created, "updated", updated)
	}
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	}
	return a, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	switch {
	case opts.ConfigPath != "":
		return config.FromFile(opts.ConfigPath)
	case opts.RequireConfig:
		return config.Load(opts.Workspace)
	default:
		return config.LoadOptional(opts.Workspace)
	}
}

// PingRedis verifies the optional Redis connection.
func (a *App) PingRedis(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", a.Config.Redis.Addr, err)
	}
	return nil
}

// Monitor returns an escalation monitor, locked through Redis when
// escalation.redis_lock is set so only one replica sweeps at a time.
func (a *App) Monitor() *escalation.Monitor {
	m := a.Engine.NewMonitor()
	if a.Config.Escalation.RedisLock && a.Redis != nil {
		m.WithLocker(escalation.RedisLocker{Client: a.Redis})
	}
	return m
}

// Dispatcher wires every configured sink. hub may be nil.
func (a *App) Dispatcher(hub *notify.Hub) *notify.Dispatcher {
	n := a.Config.Notify
	d := notify.NewDispatcher(a.Engine.Repo, notify.Options{
		Interval:  n.PollInterval,
		BatchSize: n.BatchSize,
		Logger:    a.Logger,
	})
	if n.Log {
		d.Add(notify.LogSink{Logger: a.Logger})
	}
	if n.RedisChannel != "" && a.Redis != nil {
		d.Add(notify.RedisSink{Client: a.Redis, Channel: n.RedisChannel})
	}
	if hub != nil {
		d.Add(hub)
	}
	for _, hook := range n.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.Add(notify.NewWebhookSink(hook), hook.Events...)
	}
	return d
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
