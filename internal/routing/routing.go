// Package routing selects the authority responsible for a complaint and
// records the resulting assignment.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicroute/internal/directory"
	"civicroute/internal/domain"
	"civicroute/internal/geo"
	"civicroute/internal/logging"
)

// Decision reasons.
const (
	ReasonSingleCandidate       = "single_candidate"
	ReasonScored                = "scored"
	ReasonDefaultNoCategory     = "default_no_category"
	ReasonDefaultNoJurisdiction = "default_no_jurisdiction"
)

// Weights are the scoring policy knobs.
type Weights struct {
	Base               float64 `json:"base"`
	Load               float64 `json:"load"`
	Specialization     float64 `json:"specialization"`
	UrgentAlwaysOpen   float64 `json:"urgent_always_open"`
	UrgentFastResolver float64 `json:"urgent_fast_resolver"`
	FastResolverDays   float64 `json:"fast_resolver_days"`
	DistancePerKm      float64 `json:"distance_per_km"`
	AfterHours         float64 `json:"after_hours"`
}

func DefaultWeights() Weights {
	return Weights{
		Base:               100,
		Load:               50,
		Specialization:     20,
		UrgentAlwaysOpen:   15,
		UrgentFastResolver: 10,
		FastResolverDays:   2,
		DistancePerKm:      0.1,
		AfterHours:         30,
	}
}

// Assignments is the append-only assignment log.
type Assignments interface {
	// Current returns the complaint's current assignment or an error
	// wrapping domain.ErrNotFound.
	Current(ctx context.Context, complaintID string) (domain.Assignment, error)
	// Record ends any current assignment for the complaint and stores a as
	// the new current one.
	Record(ctx context.Context, a domain.Assignment) error
}

type Complaints interface {
	Get(ctx context.Context, id string) (domain.Complaint, error)
}

type Router struct {
	Dir                *directory.Directory
	Assignments        Assignments
	Complaints         Complaints
	Weights            Weights
	DefaultAuthorityID string
	Now                func() time.Time
	Logger             *slog.Logger
}

// Breakdown itemizes one candidate's score. Penalties are negative.
type Breakdown struct {
	Base           float64 `json:"base"`
	Load           float64 `json:"load"`
	Specialization float64 `json:"specialization"`
	Urgent         float64 `json:"urgent"`
	Distance       float64 `json:"distance"`
	AfterHours     float64 `json:"after_hours"`
	DistanceKm     float64 `json:"distance_km"`
}

type Candidate struct {
	AuthorityID string    `json:"authority_id"`
	Workload    int       `json:"workload"`
	Score       float64   `json:"score"`
	Breakdown   Breakdown `json:"breakdown"`
}

type Decision struct {
	AuthorityID string      `json:"authority_id"`
	Reason      string      `json:"reason"`
	Score       float64     `json:"score"`
	Candidates  []Candidate `json:"candidates,omitempty"`
}

func (r Router) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

func (r Router) log() *slog.Logger {
	return logging.OrDiscard(r.Logger)
}

// Score rates a for c at now, clamped to zero. The result is rounded to two
// decimals so that ties compare exactly.
func (r Router) Score(a domain.Authority, c domain.Complaint, now time.Time) Candidate {
	w := r.Weights
	b := Breakdown{Base: w.Base}
	b.Load = -w.Load * a.LoadRatio()
	if a.Specializes(c.Category) {
		b.Specialization = w.Specialization
	}
	if c.Priority == domain.PriorityUrgent {
		if a.Hours.AlwaysOpen {
			b.Urgent += w.UrgentAlwaysOpen
		}
		if a.AvgResolutionDays <= w.FastResolverDays {
			b.Urgent += w.UrgentFastResolver
		}
	}
	if !a.Jurisdiction.Unbounded {
		b.DistanceKm = geo.DistanceKm(c.Location, a.Jurisdiction.Center)
		b.Distance = -w.DistancePerKm * b.DistanceKm
	}
	if !r.Dir.Open(a, now) {
		b.AfterHours = -w.AfterHours
	}
	total := b.Base + b.Load + b.Specialization + b.Urgent + b.Distance + b.AfterHours
	return Candidate{
		AuthorityID: a.ID,
		Workload:    a.Workload,
		Score:       geo.Round2(math.Max(0, total)),
		Breakdown:   b,
	}
}

// Rank scores every authority and orders them best first: highest score,
// then lowest workload, then lowest id.
func (r Router) Rank(authorities []domain.Authority, c domain.Complaint, now time.Time) []Candidate {
	out := make([]Candidate, 0, len(authorities))
	for _, a := range authorities {
		out = append(out, r.Score(a, c, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Workload != out[j].Workload {
			return out[i].Workload < out[j].Workload
		}
		return out[i].AuthorityID < out[j].AuthorityID
	})
	return out
}

// Decide picks an authority for c without recording anything.
func (r Router) Decide(ctx context.Context, c domain.Complaint) (Decision, error) {
	candidates, err := r.Dir.FindByCategory(ctx, c.Category)
	if err != nil {
		return Decision{}, err
	}
	if len(candidates) == 0 {
		return r.fallback(ctx, ReasonDefaultNoCategory)
	}
	candidates = directory.FilterByJurisdiction(candidates, c.Location)
	switch len(candidates) {
	case 0:
		return r.fallback(ctx, ReasonDefaultNoJurisdiction)
	case 1:
		only := r.Score(candidates[0], c, r.now())
		return Decision{
			AuthorityID: only.AuthorityID,
			Reason:      ReasonSingleCandidate,
			Score:       only.Score,
			Candidates:  []Candidate{only},
		}, nil
	}
	ranked := r.Rank(candidates, c, r.now())
	return Decision{
		AuthorityID: ranked[0].AuthorityID,
		Reason:      ReasonScored,
		Score:       ranked[0].Score,
		Candidates:  ranked,
	}, nil
}

func (r Router) fallback(ctx context.Context, reason string) (Decision, error) {
	a, err := r.DefaultAuthority(ctx)
	if err != nil {
		return Decision{}, err
	}
	return Decision{AuthorityID: a.ID, Reason: reason}, nil
}

// DefaultAuthority resolves the designated catch-all authority.
func (r Router) DefaultAuthority(ctx context.Context) (domain.Authority, error) {
	if r.DefaultAuthorityID == "" {
		return domain.Authority{}, fmt.Errorf("no default authority configured: %w", domain.ErrNoEligibleAuthority)
	}
	a, err := r.Dir.Get(ctx, r.DefaultAuthorityID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Authority{}, fmt.Errorf("default authority %s missing from directory: %w", r.DefaultAuthorityID, domain.ErrNoEligibleAuthority)
		}
		return domain.Authority{}, err
	}
	if !a.Active {
		return domain.Authority{}, fmt.Errorf("default authority %s is inactive: %w", a.ID, domain.ErrNoEligibleAuthority)
	}
	return a, nil
}

// Route decides and records the assignment for c. Routing a complaint to the
// authority it is already assigned to changes nothing.
func (r Router) Route(ctx context.Context, c domain.Complaint, actor string) (Decision, domain.Assignment, error) {
	d, err := r.Decide(ctx, c)
	if err != nil {
		return Decision{}, domain.Assignment{}, err
	}
	asg, err := r.Assign(ctx, c.ID, d.AuthorityID, d.Reason, d.Score, actor)
	if err != nil {
		return d, domain.Assignment{}, err
	}
	r.log().Info("complaint routed",
		"complaint", c.ID, "authority", d.AuthorityID, "reason", d.Reason, "score", d.Score, "candidates", len(d.Candidates))
	return d, asg, nil
}

// Reassign moves a complaint to authorityID, recording reason. The target
// must be active and must differ from the current authority; both are
// reported as validation errors.
func (r Router) Reassign(ctx context.Context, complaintID, authorityID, reason, actor string) (domain.Assignment, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Assignment{}, domain.ValidationError{Field: "reason", Reason: "is required"}
	}
	c, err := r.Complaints.Get(ctx, complaintID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if c.Status.Terminal() {
		return domain.Assignment{}, domain.ValidationError{Field: "status", Reason: "complaint is " + string(c.Status)}
	}
	target, err := r.Dir.Get(ctx, authorityID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !target.Active {
		return domain.Assignment{}, domain.ValidationError{Field: "authority_id", Reason: "authority " + authorityID + " is inactive"}
	}
	cur, err := r.Assignments.Current(ctx, complaintID)
	if err == nil && cur.AuthorityID == authorityID {
		return domain.Assignment{}, domain.ValidationError{Field: "authority_id", Reason: "complaint is already assigned to " + authorityID}
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Assignment{}, err
	}
	asg, err := r.Assign(ctx, complaintID, authorityID, reason, 0, actor)
	if err != nil {
		return domain.Assignment{}, err
	}
	r.log().Info("complaint reassigned", "complaint", complaintID, "from", cur.AuthorityID, "to", authorityID, "reason", reason)
	return asg, nil
}

// Assign records authorityID as current for the complaint and moves one unit
// of workload from the previous authority, if any.
func (r Router) Assign(ctx context.Context, complaintID, authorityID, reason string, score float64, actor string) (domain.Assignment, error) {
	if actor == "" {
		actor = domain.SystemActor
	}
	prev, err := r.Assignments.Current(ctx, complaintID)
	switch {
	case err == nil && prev.AuthorityID == authorityID:
		return prev, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Assignment{}, err
	}
	hadPrev := err == nil

	asg := domain.Assignment{
		ID:          uuid.NewString(),
		ComplaintID: complaintID,
		AuthorityID: authorityID,
		IsCurrent:   true,
		Reason:      reason,
		Score:       score,
		AssignedBy:  actor,
		AssignedAt:  r.now(),
	}
	if _, err := r.Dir.IncrementWorkload(ctx, authorityID, 1); err != nil {
		return domain.Assignment{}, err
	}
	if err := r.Assignments.Record(ctx, asg); err != nil {
		// Transactional stores roll this back themselves; memory stores need the undo.
		if _, undoErr := r.Dir.IncrementWorkload(ctx, authorityID, -1); undoErr != nil {
			r.log().Error("undo workload increment failed", "authority", authorityID, "err", undoErr)
		}
		return domain.Assignment{}, fmt.Errorf("record assignment: %w", err)
	}
	if hadPrev {
		if _, err := r.Dir.IncrementWorkload(ctx, prev.AuthorityID, -1); err != nil {
			return domain.Assignment{}, err
		}
	}
	return asg, nil
}
