// Package escalation periodically sweeps open complaints and escalates the
// overdue ones.
package escalation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"civicroute/internal/domain"
	"civicroute/internal/lifecycle"
	"civicroute/internal/logging"
)

const DefaultInterval = 15 * time.Minute

// Source lists complaints that are not in a terminal status.
type Source interface {
	ListOpen(ctx context.Context) ([]domain.Complaint, error)
}

// Handler applies one escalation, typically in a single transaction.
type Handler interface {
	Escalate(ctx context.Context, e Escalation) error
}

type Supervisors interface {
	Supervisor(ctx context.Context, authorityID string) (domain.Authority, bool, error)
}

// Locker guards a sweep across processes. ok is false when another holder
// owns the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Escalation struct {
	ComplaintID        string    `json:"complaint_id"`
	CurrentAuthorityID string    `json:"current_authority_id,omitempty"`
	SupervisorID       string    `json:"supervisor_id,omitempty"`
	DaysOverdue        int       `json:"days_overdue"`
	Level              int       `json:"level"`
	Reassign           bool      `json:"reassign"`
	At                 time.Time `json:"at"`
}

type Report struct {
	StartedAt   time.Time    `json:"started_at"`
	Scanned     int          `json:"scanned"`
	Overdue     int          `json:"overdue"`
	Escalated   int          `json:"escalated"`
	Skipped     int          `json:"skipped"`
	Failed      int          `json:"failed"`
	Locked      bool         `json:"locked,omitempty"`
	Escalations []Escalation `json:"escalations"`
}

type Options struct {
	Interval             time.Duration
	ReassignToSupervisor bool
	// RepeatAfter re-escalates a complaint still overdue after this long.
	// Zero escalates once per overdue window.
	RepeatAfter time.Duration
	LockKey     string
	LockTTL     time.Duration
	Logger      *slog.Logger
}

type Monitor struct {
	source      Source
	handler     Handler
	supervisors Supervisors
	locker      Locker
	opts        Options
	log         *slog.Logger
	group       singleflight.Group

	// Now is used by Run to stamp each tick.
	Now func() time.Time
}

func New(source Source, handler Handler, supervisors Supervisors, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.LockKey == "" {
		opts.LockKey = "civic:escalation:sweep"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &Monitor{
		source:      source,
		handler:     handler,
		supervisors: supervisors,
		opts:        opts,
		log:         logging.OrDiscard(opts.Logger),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker enables the cross-process run lock.
func (m *Monitor) WithLocker(l Locker) *Monitor {
	m.locker = l
	return m
}

// Run sweeps every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	m.log.Info("escalation monitor started", "interval", m.opts.Interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx, m.Now()); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("escalation sweep failed", "err", err)
			}
		}
	}
}

// Sweep escalates every due complaint. Calls made while a sweep is running
// join it and receive its report, which was computed with the first caller's
// now. The shared sweep is detached from every caller's cancellation and
// bounded by LockTTL instead; a caller whose ctx ends stops waiting and gets
// ctx.Err() while the sweep runs to completion for the others.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (Report, error) {
	ch := m.group.DoChan("sweep", func() (any, error) {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LockTTL)
		defer cancel()
		return m.sweep(sweepCtx, now)
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			m.log.Debug("joined in-flight escalation sweep")
		}
		if res.Val == nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), res.Err
	}
}

func (m *Monitor) sweep(ctx context.Context, now time.Time) (Report, error) {
	report := Report{StartedAt: now, Escalations: []Escalation{}}
	if m.locker != nil {
		release, ok, err := m.locker.Acquire(ctx, m.opts.LockKey, m.opts.LockTTL)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Locked = true
			m.log.Info("escalation sweep skipped; another instance holds the lock")
			return report, nil
		}
		defer release()
	}

	open, err := m.source.ListOpen(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(open)
	for _, c := range open {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !lifecycle.IsOverdue(c, now) {
			continue
		}
		report.Overdue++
		if !m.Due(c, now) {
			report.Skipped++
			continue
		}
		e, err := m.plan(ctx, c, now)
		if err == nil {
			err = m.handler.Escalate(ctx, e)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return report, err
			}
			report.Failed++
			m.log.Error("escalation failed", "complaint", c.ID, "err", err)
			continue
		}
		report.Escalated++
		report.Escalations = append(report.Escalations, e)
		m.log.Info("complaint escalated",
			"complaint", c.ID, "days_overdue", e.DaysOverdue, "authority", e.CurrentAuthorityID,
			"supervisor", e.SupervisorID, "level", e.Level)
	}
	return report, nil
}

// Due reports whether an overdue complaint still needs escalating in its
// current overdue window.
func (m *Monitor) Due(c domain.Complaint, now time.Time) bool {
	if !lifecycle.IsOverdue(c, now) {
		return false
	}
	if c.LastEscalatedAt == nil || c.LastEscalatedAt.Before(*c.EstimatedResolutionAt) {
		return true
	}
	return m.opts.RepeatAfter > 0 && now.Sub(*c.LastEscalatedAt) >= m.opts.RepeatAfter
}

func (m *Monitor) plan(ctx context.Context, c domain.Complaint, now time.Time) (Escalation, error) {
	e := Escalation{
		ComplaintID: c.ID,
		DaysOverdue: lifecycle.DaysOverdue(c, now),
		Level:       c.EscalationLevel + 1,
		At:          now,
	}
	if c.AssignedAuthorityID == nil {
		return e, nil
	}
	e.CurrentAuthorityID = *c.AssignedAuthorityID
	if m.supervisors == nil {
		return e, nil
	}
	sup, ok, err := m.supervisors.Supervisor(ctx, e.CurrentAuthorityID)
	if err != nil {
		return e, err
	}
	if ok {
		e.SupervisorID = sup.ID
		e.Reassign = m.opts.ReassignToSupervisor
	}
	return e, nil
}
