// Package directory is the single owner of authority state and workload.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"civicroute/internal/domain"
	"civicroute/internal/geo"
	"civicroute/internal/logging"
)

const (
	DefaultMaxRetries            = 3
	DefaultAvailabilityThreshold = 0.9
)

type Options struct {
	// MaxRetries bounds compare-and-set attempts in IncrementWorkload.
	MaxRetries            int
	AvailabilityThreshold float64
	// Location is used for authorities without their own Timezone.
	Location *time.Location
	Logger   *slog.Logger
}

type Directory struct {
	store Store
	locks *keyedMutex
	zones *sync.Map
	opts  Options
	log   *slog.Logger
}

func New(store Store, opts Options) *Directory {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.AvailabilityThreshold <= 0 {
		opts.AvailabilityThreshold = DefaultAvailabilityThreshold
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Directory{
		store: store,
		locks: newKeyedMutex(),
		zones: &sync.Map{},
		opts:  opts,
		log:   logging.OrDiscard(opts.Logger),
	}
}

// WithStore returns a directory over s that shares this directory's
// per-authority locks, e.g. a store bound to an open transaction.
func (d *Directory) WithStore(s Store) *Directory {
	cp := *d
	cp.store = s
	return &cp
}

func (d *Directory) Get(ctx context.Context, id string) (domain.Authority, error) {
	return d.store.Get(ctx, id)
}

func (d *Directory) List(ctx context.Context) ([]domain.Authority, error) {
	return d.store.List(ctx)
}

// Put creates or updates an authority. Workload is never taken from the
// input: new authorities start at zero and existing ones keep theirs.
func (d *Directory) Put(ctx context.Context, a domain.Authority) (domain.Authority, error) {
	if err := ValidateAuthority(a); err != nil {
		return domain.Authority{}, err
	}
	unlock := d.locks.Lock(a.ID)
	defer unlock()
	existing, err := d.store.Get(ctx, a.ID)
	switch {
	case err == nil:
		a.Workload = existing.Workload
		a.Version = existing.Version
	case errors.Is(err, domain.ErrNotFound):
		a.Workload = 0
		a.Version = 0
	default:
		return domain.Authority{}, err
	}
	if err := d.store.Put(ctx, a); err != nil {
		return domain.Authority{}, err
	}
	return d.store.Get(ctx, a.ID)
}

// FindByCategory returns active authorities specializing in category, by id.
func (d *Directory) FindByCategory(ctx context.Context, category domain.Category) ([]domain.Authority, error) {
	all, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []domain.Authority{}
	for _, a := range all {
		if a.Active && a.Specializes(category) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FilterByJurisdiction keeps authorities whose jurisdiction covers point.
func FilterByJurisdiction(authorities []domain.Authority, point domain.GeoPoint) []domain.Authority {
	out := make([]domain.Authority, 0, len(authorities))
	for _, a := range authorities {
		if geo.Within(a.Jurisdiction, point) {
			out = append(out, a)
		}
	}
	return out
}

// IncrementWorkload atomically adds delta to the authority's workload and
// returns the updated record.
func (d *Directory) IncrementWorkload(ctx context.Context, id string, delta int) (domain.Authority, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		a, err := d.store.Get(ctx, id)
		if err != nil {
			return domain.Authority{}, err
		}
		next := a.Workload + delta
		if next < 0 {
			d.log.Warn("workload decrement below zero clamped",
				"authority", id, "workload", a.Workload, "delta", delta)
			next = 0
		}
		ok, err := d.store.CompareAndSetWorkload(ctx, id, a.Version, next)
		if err != nil {
			return domain.Authority{}, err
		}
		if ok {
			a.Workload = next
			a.Version++
			return a, nil
		}
		d.log.Debug("workload version mismatch", "authority", id, "attempt", attempt)
	}
	return domain.Authority{}, fmt.Errorf("authority %s workload: %w", id, domain.ErrConcurrencyConflict)
}

// IsAvailable loads the authority and applies Available.
func (d *Directory) IsAvailable(ctx context.Context, id string, now time.Time) (bool, error) {
	a, err := d.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return d.Available(a, now), nil
}

// Available is true for an active authority under the load threshold whose
// working hours include now.
func (d *Directory) Available(a domain.Authority, now time.Time) bool {
	if !a.Active || a.MaxCapacity <= 0 {
		return false
	}
	if a.LoadRatio() >= d.opts.AvailabilityThreshold {
		return false
	}
	return d.Open(a, now)
}

// Open reports whether now falls within the authority's local working hours.
func (d *Directory) Open(a domain.Authority, now time.Time) bool {
	if a.Hours.AlwaysOpen {
		return true
	}
	start, end, err := a.Hours.Window()
	if err != nil {
		d.log.Warn("authority has unparseable working hours", "authority", a.ID, "err", err)
		return false
	}
	local := now.In(d.location(a.Timezone))
	m := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return true
	case start < end:
		return m >= start && m < end
	default:
		// Overnight window such as 22:00-06:00.
		return m >= start || m < end
	}
}

// Supervisor returns the authority's escalation target. ok is false when
// none is configured.
func (d *Directory) Supervisor(ctx context.Context, id string) (sup domain.Authority, ok bool, err error) {
	a, err := d.store.Get(ctx, id)
	if err != nil {
		return domain.Authority{}, false, err
	}
	if a.SupervisorID == nil || *a.SupervisorID == "" || *a.SupervisorID == a.ID {
		return domain.Authority{}, false, nil
	}
	sup, err = d.store.Get(ctx, *a.SupervisorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.log.Warn("supervisor not in directory", "authority", id, "supervisor", *a.SupervisorID)
			return domain.Authority{}, false, nil
		}
		return domain.Authority{}, false, err
	}
	return sup, true, nil
}

func (d *Directory) location(name string) *time.Location {
	if name == "" {
		return d.opts.Location
	}
	if loc, ok := d.zones.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		d.log.Warn("unknown authority timezone", "timezone", name, "err", err)
		return d.opts.Location
	}
	d.zones.Store(name, loc)
	return loc
}

// ValidateAuthority checks the administrative fields of an authority record.
func ValidateAuthority(a domain.Authority) error {
	if strings.TrimSpace(a.ID) == "" {
		return domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(a.Name) == "" {
		return domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if a.MaxCapacity < 0 {
		return domain.ValidationError{Field: "max_capacity", Reason: "must not be negative"}
	}
	if a.AvgResolutionDays < 0 {
		return domain.ValidationError{Field: "avg_resolution_days", Reason: "must not be negative"}
	}
	if !a.Jurisdiction.Unbounded {
		if a.Jurisdiction.RadiusKm <= 0 {
			return domain.ValidationError{Field: "jurisdiction.radius_km", Reason: "must be positive unless unbounded"}
		}
		if !geo.ValidPoint(a.Jurisdiction.Center) {
			return domain.ValidationError{Field: "jurisdiction.center", Reason: "coordinates out of range"}
		}
	}
	for _, c := range a.Specializations {
		if !c.Valid() {
			return domain.ValidationError{Field: "specializations", Reason: "unknown category " + string(c)}
		}
	}
	if !a.Hours.AlwaysOpen {
		if _, _, err := a.Hours.Window(); err != nil {
			return domain.ValidationError{Field: "hours", Reason: err.Error()}
		}
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return domain.ValidationError{Field: "timezone", Reason: err.Error()}
		}
	}
	return nil
}
