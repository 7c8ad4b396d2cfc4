package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicroute/internal/domain"
	"civicroute/internal/escalation"
	"civicroute/internal/events"
	"civicroute/internal/lifecycle"
)

// ListOpen feeds the escalation monitor.
func (e Engine) ListOpen(ctx context.Context) ([]domain.Complaint, error) {
	return e.Repo.ListOpenComplaints(ctx)
}

// Escalate applies one escalation in a single transaction: optional handoff
// to the supervisor, a fresh estimate from now, and the escalation events.
func (e Engine) Escalate(ctx context.Context, esc escalation.Escalation) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetComplaintTx(ctx, tx, esc.ComplaintID)
	if err != nil {
		return err
	}
	now := e.now()
	if !esc.At.IsZero() {
		now = esc.At.UTC().Truncate(time.Second)
	}
	if !lifecycle.IsOverdue(c, now) {
		// Resolved or re-estimated since the sweep listed it.
		return nil
	}

	from := authorityOf(c)
	reassigned := false
	reason := fmt.Sprintf("escalated: %d day(s) overdue", esc.DaysOverdue)
	if esc.Reassign && esc.SupervisorID != "" && esc.SupervisorID != from {
		var next domain.Complaint
		rerr := withSavepoint(ctx, tx, "escalate_reassign", func() error {
			var err error
			next, _, err = e.reassignTx(ctx, tx, c.ID, esc.SupervisorID, reason, domain.SystemActor)
			return err
		})
		switch {
		case rerr == nil:
			c = next
			reassigned = true
		case IsValidation(rerr) || errors.Is(rerr, domain.ErrNotFound):
			e.log().Warn("escalation handoff skipped", "complaint", c.ID, "supervisor", esc.SupervisorID, "err", rerr)
		default:
			return rerr
		}
	}
	if !reassigned {
		est := e.Lifecycle.EstimateResolution(c.Category, c.Priority)
		if c, err = lifecycle.Reestimate(c, est.DueAt(now), reason); err != nil {
			return err
		}
	}
	c.EscalationLevel++
	c.LastEscalatedAt = ptr(now)
	c.UpdatedAt = now
	if err := e.Repo.UpdateComplaintTx(ctx, tx, c); err != nil {
		return err
	}

	if err := e.events().Append(ctx, tx, events.Record{Type: domain.EventComplaintEscalated, ComplaintID: c.ID, AuthorityID: authorityOf(c), ActorID: domain.SystemActor, Payload: events.EventPayload{
		"days_overdue":   esc.DaysOverdue,
		"level":          c.EscalationLevel,
		"from_authority": from,
		"supervisor_id":  esc.SupervisorID,
		"reassigned":     reassigned,
	}}); err != nil {
		return err
	}
	// Reassignment already notified the supervisor as the new owner.
	if esc.SupervisorID != "" && !reassigned {
		if err := e.events().Append(ctx, tx, events.Record{Type: domain.EventAuthorityNotified, ComplaintID: c.ID, AuthorityID: esc.SupervisorID, ActorID: domain.SystemActor, Payload: events.EventPayload{
			"trigger":      domain.EventComplaintEscalated,
			"days_overdue": esc.DaysOverdue,
			"title":        c.Title,
			"authority_id": from,
		}}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// NewMonitor wires an escalation monitor to this engine.
func (e Engine) NewMonitor() *escalation.Monitor {
	cfg := e.Config.Escalation
	m := escalation.New(e, e, e.Directory, escalation.Options{
		Interval:             cfg.Interval,
		ReassignToSupervisor: cfg.ReassignToSupervisor,
		RepeatAfter:          cfg.RepeatAfter,
		LockTTL:              cfg.LockTTL,
		Logger:               e.Logger,
	})
	m.Now = e.now
	return m
}
