// Package lifecycle owns complaint priority inference, resolution estimates
// and the status state machine. Everything here is pure: callers persist the
// returned complaint and history entry.
package lifecycle

import (
	"math"
	"strings"
	"time"
	"unicode"

	"civicroute/internal/domain"
	"civicroute/internal/geo"
)

const day = 24 * time.Hour

// Policy holds the tables the lifecycle rules read from.
type Policy struct {
	UrgentKeywords      []string
	HighKeywords        []string
	DefaultPriority     map[domain.Category]domain.Priority
	BaseDays            map[domain.Category]float64
	BaseConfidence      map[domain.Category]float64
	PriorityMultipliers map[domain.Priority]float64
}

func DefaultPolicy() Policy {
	return Policy{
		UrgentKeywords: []string{
			"emergency", "danger", "dangerous", "hazard", "hazardous", "gas leak", "fire", "explosion",
			"electrocution", "live wire", "collapse", "collapsed", "injury", "injured", "accident",
		},
		HighKeywords: []string{
			"broken", "blocked", "unsafe", "overflow", "overflowing", "flood", "flooding", "leak",
			"leaking", "outage", "burst", "sewage", "pothole",
		},
		DefaultPriority: map[domain.Category]domain.Priority{
			domain.CategoryPublicSafety:   domain.PriorityHigh,
			domain.CategoryHealth:         domain.PriorityHigh,
			domain.CategoryElectricity:    domain.PriorityMedium,
			domain.CategoryWater:          domain.PriorityMedium,
			domain.CategorySanitation:     domain.PriorityMedium,
			domain.CategoryTraffic:        domain.PriorityMedium,
			domain.CategoryInfrastructure: domain.PriorityMedium,
			domain.CategoryEnvironment:    domain.PriorityLow,
			domain.CategoryOther:          domain.PriorityLow,
		},
		BaseDays: map[domain.Category]float64{
			domain.CategoryInfrastructure: 14,
			domain.CategoryWater:          2,
			domain.CategoryElectricity:    1,
			domain.CategorySanitation:     3,
			domain.CategoryTraffic:        5,
			domain.CategoryPublicSafety:   1,
			domain.CategoryEnvironment:    10,
			domain.CategoryHealth:         2,
			domain.CategoryOther:          7,
		},
		BaseConfidence: map[domain.Category]float64{
			domain.CategoryInfrastructure: 0.6,
			domain.CategoryWater:          0.8,
			domain.CategoryElectricity:    0.9,
			domain.CategorySanitation:     0.75,
			domain.CategoryTraffic:        0.7,
			domain.CategoryPublicSafety:   0.85,
			domain.CategoryEnvironment:    0.5,
			domain.CategoryHealth:         0.8,
			domain.CategoryOther:          0.4,
		},
		PriorityMultipliers: map[domain.Priority]float64{
			domain.PriorityUrgent: 0.5,
			domain.PriorityHigh:   0.7,
			domain.PriorityMedium: 1.0,
			domain.PriorityLow:    1.5,
		},
	}
}

// Merge overlays non-empty fields of o on top of p.
func (p Policy) Merge(o Policy) Policy {
	out := p
	if len(o.UrgentKeywords) > 0 {
		out.UrgentKeywords = o.UrgentKeywords
	}
	if len(o.HighKeywords) > 0 {
		out.HighKeywords = o.HighKeywords
	}
	out.DefaultPriority = mergeMap(p.DefaultPriority, o.DefaultPriority)
	out.BaseDays = mergeMap(p.BaseDays, o.BaseDays)
	out.BaseConfidence = mergeMap(p.BaseConfidence, o.BaseConfidence)
	out.PriorityMultipliers = mergeMap(p.PriorityMultipliers, o.PriorityMultipliers)
	return out
}

func mergeMap[K comparable, V any](base, over map[K]V) map[K]V {
	out := make(map[K]V, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

type Lifecycle struct {
	policy Policy
	urgent []string
	high   []string
}

func New(p Policy) Lifecycle {
	return Lifecycle{
		policy: p,
		urgent: normalizeKeywords(p.UrgentKeywords),
		high:   normalizeKeywords(p.HighKeywords),
	}
}

func (l Lifecycle) Policy() Policy { return l.policy }

// InferPriority scans title and description for keyword hits, falling back to
// the category default and finally medium.
func (l Lifecycle) InferPriority(title, description string, category domain.Category) domain.Priority {
	text := " " + normalizeText(title+" "+description) + " "
	if containsAny(text, l.urgent) {
		return domain.PriorityUrgent
	}
	if containsAny(text, l.high) {
		return domain.PriorityHigh
	}
	if p, ok := l.policy.DefaultPriority[category]; ok && p.Valid() {
		return p
	}
	return domain.PriorityMedium
}

type Estimate struct {
	Days       int     `json:"days"`
	Confidence float64 `json:"confidence"`
}

// DueAt is the deadline implied by the estimate when counted from now.
func (e Estimate) DueAt(now time.Time) time.Time {
	return now.Add(time.Duration(e.Days) * day)
}

func (l Lifecycle) EstimateResolution(category domain.Category, priority domain.Priority) Estimate {
	base, ok := l.policy.BaseDays[category]
	if !ok {
		base = l.policy.BaseDays[domain.CategoryOther]
	}
	mult, ok := l.policy.PriorityMultipliers[priority]
	if !ok {
		mult = 1
	}
	// Products like 2*0.7 land a hair above the integer in float math.
	days := int(math.Ceil(base*mult - 1e-9))
	if days < 1 {
		days = 1
	}

	conf, ok := l.policy.BaseConfidence[category]
	if !ok {
		conf = 0.5
	}
	switch priority {
	case domain.PriorityUrgent:
		conf *= 0.8
	case domain.PriorityLow:
		conf *= 1.1
	}
	conf = math.Min(0.95, math.Max(0.3, conf))
	return Estimate{Days: days, Confidence: geo.Round2(conf)}
}

var transitions = map[domain.Status]map[domain.Status]struct{}{
	domain.StatusFiled:        {domain.StatusAcknowledged: {}, domain.StatusRejected: {}},
	domain.StatusAcknowledged: {domain.StatusInProgress: {}, domain.StatusRejected: {}},
	domain.StatusInProgress:   {domain.StatusResolved: {}, domain.StatusRejected: {}},
	domain.StatusResolved:     {domain.StatusClosed: {}},
	domain.StatusRejected:     {},
	domain.StatusClosed:       {},
}

// CanTransition reports whether to is reachable from from in a single step.
// A non-terminal status may always move to itself.
func CanTransition(from, to domain.Status) bool {
	if from == to {
		return !from.Terminal() && from.Valid()
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Transition moves c to status. A self-transition returns a nil history entry.
func Transition(c domain.Complaint, status domain.Status, actor, reason string, now time.Time) (domain.Complaint, *domain.StatusHistory, error) {
	if err := ValidateStatus(status); err != nil {
		return c, nil, err
	}
	if !CanTransition(c.Status, status) {
		return c, nil, domain.TransitionError{From: c.Status, To: status}
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	old := c.Status
	c.Status = status
	c.UpdatedAt = now
	switch status {
	case domain.StatusResolved:
		if old != status {
			resolved := now
			c.ResolvedAt = &resolved
		}
		if reason != "" {
			c.ResolutionNotes = reason
		}
	case domain.StatusRejected:
		if reason != "" {
			c.ResolutionNotes = reason
		}
	default:
		if old == status && reason != "" {
			c.ResolutionNotes = reason
		}
	}
	if old == status {
		return c, nil, nil
	}
	return c, &domain.StatusHistory{
		ComplaintID: c.ID,
		OldStatus:   old,
		NewStatus:   status,
		ActorID:     actor,
		Reason:      reason,
		CreatedAt:   now,
	}, nil
}

// IsOverdue is false for any complaint that no longer needs work.
func IsOverdue(c domain.Complaint, now time.Time) bool {
	if c.EstimatedResolutionAt == nil {
		return false
	}
	switch c.Status {
	case domain.StatusResolved, domain.StatusClosed, domain.StatusRejected:
		return false
	}
	return now.After(*c.EstimatedResolutionAt)
}

func DaysOverdue(c domain.Complaint, now time.Time) int {
	if c.EstimatedResolutionAt == nil {
		return 0
	}
	late := now.Sub(*c.EstimatedResolutionAt)
	if late <= 0 {
		return 0
	}
	return int(math.Ceil(late.Hours() / 24))
}

// Reestimate moves the deadline. Pulling it earlier needs a reason.
func Reestimate(c domain.Complaint, due time.Time, reason string) (domain.Complaint, error) {
	if c.EstimatedResolutionAt != nil && due.Before(*c.EstimatedResolutionAt) && strings.TrimSpace(reason) == "" {
		return c, domain.ValidationError{Field: "estimated_resolution_at", Reason: "cannot move earlier without a reason"}
	}
	c.EstimatedResolutionAt = &due
	return c, nil
}

func ValidateCategory(c domain.Category) error {
	if !c.Valid() {
		return domain.ValidationError{Field: "category", Reason: "unknown category " + string(c)}
	}
	return nil
}

func ValidatePriority(p domain.Priority) error {
	if !p.Valid() {
		return domain.ValidationError{Field: "priority", Reason: "unknown priority " + string(p)}
	}
	return nil
}

func ValidateStatus(s domain.Status) error {
	if !s.Valid() {
		return domain.ValidationError{Field: "status", Reason: "unknown status " + string(s)}
	}
	return nil
}

func ValidateLocation(p domain.GeoPoint) error {
	if !geo.ValidPoint(p) {
		return domain.ValidationError{Field: "location", Reason: "lat must be within [-90,90] and lng within [-180,180]"}
	}
	return nil
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		n := normalizeText(kw)
		if n == "" {
			continue
		}
		out = append(out, " "+n+" ")
	}
	return out
}

// normalizeText lowercases and collapses every run of non-alphanumerics to a
// single space so keywords only match on word boundaries.
func normalizeText(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
