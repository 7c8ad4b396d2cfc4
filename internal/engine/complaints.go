package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicroute/internal/domain"
	"civicroute/internal/events"
	"civicroute/internal/lifecycle"
	"civicroute/internal/routing"
)

const reasonDefaultFallback = "default_fallback"

// IntakeRequest is a citizen complaint as received. Priority is optional.
type IntakeRequest struct {
	Title       string
	Description string
	Category    domain.Category
	Priority    domain.Priority
	Location    domain.GeoPoint
	Citizen     domain.Citizen
	Anonymous   bool
	Attachments []string
	ActorID     string
}

type Intake struct {
	Complaint        domain.Complaint   `json:"complaint"`
	Assignment       domain.Assignment  `json:"assignment"`
	Decision         routing.Decision   `json:"decision"`
	Estimate         lifecycle.Estimate `json:"estimate"`
	PriorityInferred bool               `json:"priority_inferred"`
}

func (e Engine) validateIntake(req IntakeRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return domain.ValidationError{Field: "title", Reason: "is required"}
	}
	if err := lifecycle.ValidateCategory(req.Category); err != nil {
		return err
	}
	if req.Priority != "" {
		if err := lifecycle.ValidatePriority(req.Priority); err != nil {
			return err
		}
	}
	return lifecycle.ValidateLocation(req.Location)
}

// FileComplaint validates, prioritizes, estimates and routes a new complaint
// in one transaction. Routing failures other than a missing default
// authority degrade to the default authority.
func (e Engine) FileComplaint(ctx context.Context, req IntakeRequest) (Intake, error) {
	if err := e.validateIntake(req); err != nil {
		return Intake{}, err
	}
	actor := req.ActorID
	if actor == "" {
		actor = domain.SystemActor
	}
	now := e.now()
	inferred := req.Priority == ""
	priority := req.Priority
	if inferred {
		priority = e.Lifecycle.InferPriority(req.Title, req.Description, req.Category)
	}
	est := e.Lifecycle.EstimateResolution(req.Category, priority)
	c := domain.Complaint{
		ID:                    uuid.NewString(),
		Title:                 strings.TrimSpace(req.Title),
		Description:           req.Description,
		Category:              req.Category,
		Priority:              priority,
		Status:                domain.StatusFiled,
		Location:              req.Location,
		Citizen:               req.Citizen,
		Anonymous:             req.Anonymous,
		Attachments:           req.Attachments,
		EstimatedResolutionAt: ptr(est.DueAt(now)),
		ResolutionConfidence:  est.Confidence,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Intake{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertComplaintTx(ctx, tx, c); err != nil {
		return Intake{}, fmt.Errorf("insert complaint: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.Record{Type: domain.EventComplaintFiled, ComplaintID: c.ID, ActorID: actor, Payload: events.EventPayload{
		"category":          c.Category,
		"priority":          c.Priority,
		"priority_inferred": inferred,
		"estimated_days":    est.Days,
		"confidence":        est.Confidence,
	}}); err != nil {
		return Intake{}, err
	}

	router := e.router(tx)
	var (
		decision routing.Decision
		asg      domain.Assignment
	)
	err = withSavepoint(ctx, tx, "route", func() error {
		var rerr error
		decision, asg, rerr = router.Route(ctx, c, actor)
		return rerr
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoEligibleAuthority):
		e.log().Error("no eligible authority for complaint", "complaint", c.ID, "category", c.Category, "err", err)
		return Intake{}, err
	case IsValidation(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Intake{}, err
	default:
		e.log().Warn("routing failed; assigning default authority", "complaint", c.ID, "err", err)
		decision = routing.Decision{AuthorityID: e.Config.Routing.DefaultAuthorityID, Reason: reasonDefaultFallback}
		if _, derr := router.DefaultAuthority(ctx); derr != nil {
			e.log().Error("no eligible authority for complaint", "complaint", c.ID, "err", derr)
			return Intake{}, derr
		}
		asg, err = router.Assign(ctx, c.ID, decision.AuthorityID, reasonDefaultFallback, 0, actor)
		if err != nil {
			return Intake{}, err
		}
	}

	c.AssignedAuthorityID = ptr(asg.AuthorityID)
	if err := e.Repo.UpdateComplaintTx(ctx, tx, c); err != nil {
		return Intake{}, err
	}
	if err := e.appendAssigned(ctx, tx, domain.EventComplaintAssigned, c, asg, actor, events.EventPayload{
		"reason": decision.Reason,
		"score":  decision.Score,
	}); err != nil {
		return Intake{}, err
	}
	if err := tx.Commit(); err != nil {
		return Intake{}, err
	}
	return Intake{Complaint: c, Assignment: asg, Decision: decision, Estimate: est, PriorityInferred: inferred}, nil
}

// StatusUpdate moves a complaint through its lifecycle. Notes become the
// resolution notes on resolve/reject and on same-status metadata updates.
type StatusUpdate struct {
	ID      string
	Status  domain.Status
	ActorID string
	Notes   string
}

func (e Engine) UpdateStatus(ctx context.Context, u StatusUpdate) (domain.Complaint, error) {
	if err := required("id", u.ID); err != nil {
		return domain.Complaint{}, err
	}
	if err := lifecycle.ValidateStatus(u.Status); err != nil {
		return domain.Complaint{}, err
	}
	actor := u.ActorID
	if actor == "" {
		actor = domain.SystemActor
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetComplaintTx(ctx, tx, u.ID)
	if err != nil {
		return domain.Complaint{}, err
	}
	next, hist, err := lifecycle.Transition(c, u.Status, actor, u.Notes, e.now())
	if err != nil {
		return domain.Complaint{}, err
	}
	if hist != nil {
		if _, err := e.Repo.InsertStatusHistoryTx(ctx, tx, *hist); err != nil {
			return domain.Complaint{}, err
		}
		if err := e.events().Append(ctx, tx, events.Record{Type: domain.EventComplaintStatusChanged, ComplaintID: c.ID, AuthorityID: authorityOf(c), ActorID: actor, Payload: events.EventPayload{
			"old_status": hist.OldStatus,
			"new_status": hist.NewStatus,
			"reason":     hist.Reason,
		}}); err != nil {
			return domain.Complaint{}, err
		}
		// Workload counts open complaints, so release it once the complaint is done.
		if next.Status.Terminal() && c.AssignedAuthorityID != nil {
			if _, err := e.router(tx).Dir.IncrementWorkload(ctx, *c.AssignedAuthorityID, -1); err != nil {
				return domain.Complaint{}, err
			}
		}
	} else {
		if err := e.events().Append(ctx, tx, events.Record{Type: domain.EventComplaintUpdated, ComplaintID: c.ID, AuthorityID: authorityOf(c), ActorID: actor, Payload: events.EventPayload{
			"status": next.Status,
			"notes":  u.Notes,
		}}); err != nil {
			return domain.Complaint{}, err
		}
	}
	if err := e.Repo.UpdateComplaintTx(ctx, tx, next); err != nil {
		return domain.Complaint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, err
	}
	return next, nil
}

// Reassign moves a complaint to another authority and restarts its
// resolution estimate from now; reason is mandatory.
func (e Engine) Reassign(ctx context.Context, complaintID, authorityID, reason, actorID string) (domain.Complaint, domain.Assignment, error) {
	if err := required("id", complaintID); err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	if err := required("authority_id", authorityID); err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	if actorID == "" {
		actorID = domain.SystemActor
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	defer tx.Rollback()

	c, asg, err := e.reassignTx(ctx, tx, complaintID, authorityID, reason, actorID)
	if err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	if err := e.Repo.UpdateComplaintTx(ctx, tx, c); err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	return c, asg, nil
}

// reassignTx records the reassignment and returns the complaint with its new
// authority and estimate; the caller persists it.
func (e Engine) reassignTx(ctx context.Context, tx *sql.Tx, complaintID, authorityID, reason, actor string) (domain.Complaint, domain.Assignment, error) {
	router := e.router(tx)
	prev, err := router.Complaints.Get(ctx, complaintID)
	if err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	asg, err := router.Reassign(ctx, complaintID, authorityID, reason, actor)
	if err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	now := e.now()
	c := prev
	est := e.Lifecycle.EstimateResolution(c.Category, c.Priority)
	if c, err = lifecycle.Reestimate(c, est.DueAt(now), reason); err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	c.ResolutionConfidence = est.Confidence
	c.AssignedAuthorityID = ptr(authorityID)
	c.UpdatedAt = now
	if err := e.appendAssigned(ctx, tx, domain.EventComplaintReassigned, c, asg, actor, events.EventPayload{
		"from":   authorityOf(prev),
		"reason": reason,
	}); err != nil {
		return domain.Complaint{}, domain.Assignment{}, err
	}
	return c, asg, nil
}

// appendAssigned emits the assignment event plus the notification for the
// receiving authority.
func (e Engine) appendAssigned(ctx context.Context, tx *sql.Tx, evtType string, c domain.Complaint, asg domain.Assignment, actor string, payload events.EventPayload) error {
	payload["assignment_id"] = asg.ID
	payload["authority_id"] = asg.AuthorityID
	if c.EstimatedResolutionAt != nil {
		payload["estimated_resolution_at"] = c.EstimatedResolutionAt.Format(time.RFC3339)
	}
	if err := e.events().Append(ctx, tx, events.Record{Type: evtType, ComplaintID: c.ID, AuthorityID: asg.AuthorityID, ActorID: actor, Payload: payload}); err != nil {
		return err
	}
	return e.events().Append(ctx, tx, events.Record{Type: domain.EventAuthorityNotified, ComplaintID: c.ID, AuthorityID: asg.AuthorityID, ActorID: actor, Payload: events.EventPayload{
		"trigger":  evtType,
		"title":    c.Title,
		"category": c.Category,
		"priority": c.Priority,
	}})
}

// ExplainRequest is a hypothetical complaint for a routing dry run.
type ExplainRequest struct {
	Title       string
	Description string
	Category    domain.Category
	Priority    domain.Priority
	Location    domain.GeoPoint
}

type Explanation struct {
	Priority         domain.Priority    `json:"priority"`
	PriorityInferred bool               `json:"priority_inferred"`
	Estimate         lifecycle.Estimate `json:"estimate"`
	Decision         routing.Decision   `json:"decision"`
}

// Explain runs priority inference, estimation and routing without recording
// anything.
func (e Engine) Explain(ctx context.Context, req ExplainRequest) (Explanation, error) {
	if err := e.validateIntake(IntakeRequest{Title: req.Title, Category: req.Category, Priority: req.Priority, Location: req.Location}); err != nil {
		return Explanation{}, err
	}
	out := Explanation{Priority: req.Priority}
	if out.Priority == "" {
		out.Priority = e.Lifecycle.InferPriority(req.Title, req.Description, req.Category)
		out.PriorityInferred = true
	}
	out.Estimate = e.Lifecycle.EstimateResolution(req.Category, out.Priority)
	d, err := e.router(e.DB).Decide(ctx, domain.Complaint{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Priority:    out.Priority,
		Location:    req.Location,
	})
	if err != nil {
		return Explanation{}, err
	}
	out.Decision = d
	return out, nil
}

func authorityOf(c domain.Complaint) string {
	if c.AssignedAuthorityID == nil {
		return ""
	}
	return *c.AssignedAuthorityID
}
