package domain

import (
	"fmt"
	"time"
)

type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryWater          Category = "water"
	CategoryElectricity    Category = "electricity"
	CategorySanitation     Category = "sanitation"
	CategoryTraffic        Category = "traffic"
	CategoryPublicSafety   Category = "public_safety"
	CategoryEnvironment    Category = "environment"
	CategoryHealth         Category = "health"
	CategoryOther          Category = "other"
)

// Categories lists every known complaint category in a stable order.
var Categories = []Category{
	CategoryInfrastructure,
	CategoryWater,
	CategoryElectricity,
	CategorySanitation,
	CategoryTraffic,
	CategoryPublicSafety,
	CategoryEnvironment,
	CategoryHealth,
	CategoryOther,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Status string

const (
	StatusFiled        Status = "filed"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
	StatusRejected     Status = "rejected"
	StatusClosed       Status = "closed"
)

var Statuses = []Status{StatusFiled, StatusAcknowledged, StatusInProgress, StatusResolved, StatusRejected, StatusClosed}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

type Citizen struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Complaint struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	Category              Category   `json:"category"`
	Priority              Priority   `json:"priority"`
	Status                Status     `json:"status"`
	Location              GeoPoint   `json:"location"`
	Citizen               Citizen    `json:"citizen"`
	Anonymous             bool       `json:"anonymous"`
	Attachments           []string   `json:"attachments,omitempty"`
	AssignedAuthorityID   *string    `json:"assigned_authority_id,omitempty"`
	EstimatedResolutionAt *time.Time `json:"estimated_resolution_at,omitempty"`
	ResolutionConfidence  float64    `json:"resolution_confidence"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes       string     `json:"resolution_notes,omitempty"`
	LastEscalatedAt       *time.Time `json:"last_escalated_at,omitempty"`
	EscalationLevel       int        `json:"escalation_level"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Jurisdiction is either unbounded or a circle around Center.
type Jurisdiction struct {
	Unbounded bool     `json:"unbounded" yaml:"unbounded"`
	Center    GeoPoint `json:"center" yaml:"center"`
	RadiusKm  float64  `json:"radius_km" yaml:"radius_km"`
}

// WorkingHours is a daily HH:MM window in the authority's timezone.
type WorkingHours struct {
	AlwaysOpen bool   `json:"always_open" yaml:"always_open"`
	Start      string `json:"start,omitempty" yaml:"start"`
	End        string `json:"end,omitempty" yaml:"end"`
}

// Window returns Start and End as minutes after midnight.
func (h WorkingHours) Window() (start, end int, err error) {
	if start, err = parseClock(h.Start); err != nil {
		return 0, 0, err
	}
	if end, err = parseClock(h.End); err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q (want HH:MM)", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

type Contact struct {
	Email      string `json:"email,omitempty" yaml:"email"`
	Phone      string `json:"phone,omitempty" yaml:"phone"`
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url"`
}

type Authority struct {
	ID                string       `json:"id" yaml:"id"`
	Name              string       `json:"name" yaml:"name"`
	Type              string       `json:"type" yaml:"type"`
	Jurisdiction      Jurisdiction `json:"jurisdiction" yaml:"jurisdiction"`
	Contact           Contact      `json:"contact" yaml:"contact"`
	Hours             WorkingHours `json:"hours" yaml:"hours"`
	Timezone          string       `json:"timezone,omitempty" yaml:"timezone"`
	Specializations   []Category   `json:"specializations" yaml:"specializations"`
	Workload          int          `json:"workload" yaml:"-"`
	MaxCapacity       int          `json:"max_capacity" yaml:"max_capacity"`
	AvgResolutionDays float64      `json:"avg_resolution_days" yaml:"avg_resolution_days"`
	Active            bool         `json:"active" yaml:"active"`
	SupervisorID      *string      `json:"supervisor_id,omitempty" yaml:"supervisor_id"`
	Version           int64        `json:"version" yaml:"-"`
}

func (a Authority) Specializes(c Category) bool {
	for _, s := range a.Specializations {
		if s == c {
			return true
		}
	}
	return false
}

// LoadRatio is workload over capacity; a non-positive capacity counts as full.
func (a Authority) LoadRatio() float64 {
	if a.MaxCapacity <= 0 {
		return 1
	}
	return float64(a.Workload) / float64(a.MaxCapacity)
}

type Assignment struct {
	ID          string     `json:"id"`
	ComplaintID string     `json:"complaint_id"`
	AuthorityID string     `json:"authority_id"`
	IsCurrent   bool       `json:"is_current"`
	Reason      string     `json:"reason"`
	Score       float64    `json:"score"`
	AssignedBy  string     `json:"assigned_by"`
	AssignedAt  time.Time  `json:"assigned_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

type StatusHistory struct {
	ID          int64     `json:"id"`
	ComplaintID string    `json:"complaint_id"`
	OldStatus   Status    `json:"old_status"`
	NewStatus   Status    `json:"new_status"`
	ActorID     string    `json:"actor_id"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ComplaintID string `json:"complaint_id,omitempty"`
	AuthorityID string `json:"authority_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

// Event types appended to the outbox.
const (
	EventComplaintFiled         = "complaint.filed"
	EventComplaintAssigned      = "complaint.assigned"
	EventComplaintReassigned    = "complaint.reassigned"
	EventComplaintStatusChanged = "complaint.status_changed"
	EventComplaintUpdated       = "complaint.updated"
	EventComplaintEscalated     = "complaint.escalated"
	EventAuthorityNotified      = "authority.notified"
	EventAuthorityCreated       = "authority.created"
	EventAuthorityUpdated       = "authority.updated"
)

// SystemActor is recorded for changes made by the engine itself.
const SystemActor = "system"
