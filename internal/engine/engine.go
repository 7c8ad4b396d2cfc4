package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"civicroute/internal/config"
	"civicroute/internal/directory"
	"civicroute/internal/domain"
	"civicroute/internal/events"
	"civicroute/internal/lifecycle"
	"civicroute/internal/logging"
	"civicroute/internal/repo"
	"civicroute/internal/routing"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Directory *directory.Directory
	Lifecycle lifecycle.Lifecycle
	Weights   routing.Weights
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.OrDiscard(logger)
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Lifecycle: lifecycle.New(PolicyFromConfig(cfg.Lifecycle)),
		Weights:   WeightsFromConfig(cfg.Routing.Weights),
		Logger:    logger,
		Now:       time.Now,
	}
	e.Directory = directory.New(repo.AuthorityStore{Q: db}, directory.Options{
		MaxRetries:            cfg.Directory.MaxRetries,
		AvailabilityThreshold: cfg.Directory.AvailabilityThreshold,
		Location:              defaultLocation(cfg.Routing.DefaultTimezone, logger),
		Logger:                logger,
	})
	return e
}

// WithClock returns a copy of e reading time from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	return e
}

// now is second-precision UTC to match the stored RFC3339 timestamps.
func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC().Truncate(time.Second)
	}
	return e.Now().UTC().Truncate(time.Second)
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) log() *slog.Logger {
	return logging.OrDiscard(e.Logger)
}

// router binds routing to q so workload changes and assignment rows share
// the caller's transaction.
func (e Engine) router(q repo.Querier) routing.Router {
	return routing.Router{
		Dir:                e.Directory.WithStore(repo.AuthorityStore{Q: q, Now: e.now}),
		Assignments:        repo.AssignmentLog{Q: q},
		Complaints:         repo.ComplaintReader{Q: q},
		Weights:            e.Weights,
		DefaultAuthorityID: e.Config.Routing.DefaultAuthorityID,
		Now:                e.now,
		Logger:             e.Logger,
	}
}

func PolicyFromConfig(c config.LifecycleConfig) lifecycle.Policy {
	return lifecycle.DefaultPolicy().Merge(lifecycle.Policy{
		UrgentKeywords:      c.UrgentKeywords,
		HighKeywords:        c.HighKeywords,
		DefaultPriority:     c.DefaultPriority,
		BaseDays:            c.BaseDays,
		BaseConfidence:      c.BaseConfidence,
		PriorityMultipliers: c.PriorityMultipliers,
	})
}

func WeightsFromConfig(w config.Weights) routing.Weights {
	return routing.Weights{
		Base:               w.Base,
		Load:               w.Load,
		Specialization:     w.Specialization,
		UrgentAlwaysOpen:   w.UrgentAlwaysOpen,
		UrgentFastResolver: w.UrgentFastResolver,
		FastResolverDays:   w.FastResolverDays,
		DistancePerKm:      w.DistancePerKm,
		AfterHours:         w.AfterHours,
	}
}

func defaultLocation(name string, logger *slog.Logger) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown default timezone; using UTC", "timezone", name, "err", err)
		return time.UTC
	}
	return loc
}

// IsValidation reports whether err is a rejected-input error.
func IsValidation(err error) bool {
	var ve domain.ValidationError
	return errors.As(err, &ve)
}

func required(field, v string) error {
	if v == "" {
		return domain.ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func withSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE "+name)
		return err
	}
	_, err := tx.ExecContext(ctx, "RELEASE "+name)
	return err
}
