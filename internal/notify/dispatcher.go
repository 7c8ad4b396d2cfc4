// Package notify delivers outbox events to external sinks. Each sink keeps
// its own persisted cursor so a slow or failing sink never holds back the
// others, and delivery resumes after a restart where it stopped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"civicroute/internal/domain"
	"civicroute/internal/logging"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives events in id order. Returning an error stops delivery for
// that sink until the next tick, when the same event is retried.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

// Outbox is the event log plus cursor storage. repo.Repo satisfies it.
type Outbox interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	DeliveryCursor(ctx context.Context, sink string) (int64, bool, error)
	SetDeliveryCursor(ctx context.Context, sink string, cursor int64) error
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	// Replay delivers the whole history to sinks that have no cursor yet.
	// By default a new sink starts at the current end of the log.
	Replay bool
	Logger *slog.Logger
}

type route struct {
	sink   Sink
	filter EventFilter
}

type Dispatcher struct {
	outbox Outbox
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	routes []route
}

func NewDispatcher(outbox Outbox, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatch
	}
	return &Dispatcher{outbox: outbox, opts: opts, log: logging.OrDiscard(opts.Logger)}
}

// Add registers a sink. An empty event list subscribes to everything.
func (d *Dispatcher) Add(s Sink, events ...string) *Dispatcher {
	d.mu.Lock()
	d.routes = append(d.routes, route{sink: s, filter: NewEventFilter(events)})
	d.mu.Unlock()
	return d
}

func (d *Dispatcher) Sinks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.sink.Name())
	}
	return names
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		if err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("event delivery incomplete", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce drains up to one batch per sink. Sinks run concurrently.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	d.mu.Lock()
	routes := append([]route(nil), d.routes...)
	d.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range routes {
		r := r
		g.Go(func() error {
			if err := d.dispatch(gctx, r); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", r.sink.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) dispatch(ctx context.Context, r route) error {
	name := r.sink.Name()
	cursor, err := d.cursorFor(ctx, name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	evts, err := d.outbox.EventsAfter(ctx, d.opts.BatchSize, cursor)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	if len(evts) == 0 {
		return nil
	}
	delivered := cursor
	defer func() {
		if delivered == cursor {
			return
		}
		if err := d.outbox.SetDeliveryCursor(context.WithoutCancel(ctx), name, delivered); err != nil {
			d.log.Error("save delivery cursor failed", "sink", name, "err", err)
		}
	}()
	for _, evt := range evts {
		if r.filter.Match(evt.Type) {
			if err := r.sink.Deliver(ctx, evt); err != nil {
				return fmt.Errorf("deliver event %d: %w", evt.ID, err)
			}
			d.log.Debug("event delivered", "sink", name, "event", evt.ID, "type", evt.Type)
		}
		delivered = evt.ID
	}
	return nil
}

func (d *Dispatcher) cursorFor(ctx context.Context, sink string) (int64, error) {
	cur, ok, err := d.outbox.DeliveryCursor(ctx, sink)
	if err != nil || ok {
		return cur, err
	}
	if d.opts.Replay {
		return 0, nil
	}
	cur, err = d.outbox.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	if err := d.outbox.SetDeliveryCursor(ctx, sink, cur); err != nil {
		return 0, err
	}
	return cur, nil
}

// EventFilter matches event types. The zero value matches everything.
// A trailing ".*" matches a whole family, e.g. "complaint.*".
type EventFilter struct {
	set      map[string]struct{}
	prefixes []string
}

func NewEventFilter(events []string) EventFilter {
	f := EventFilter{}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "*":
			return EventFilter{}
		case key == "":
			continue
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			if f.set == nil {
				f.set = make(map[string]struct{})
			}
			f.set[key] = struct{}{}
		}
	}
	return f
}

func (f EventFilter) Match(evt string) bool {
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
