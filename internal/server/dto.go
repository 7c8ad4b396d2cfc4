package server

import (
	"encoding/json"
	"time"

	"civicroute/internal/domain"
	"civicroute/internal/engine"
	"civicroute/internal/lifecycle"
	"civicroute/internal/routing"
)

// Request payloads

type LocationRequest struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lng float64 `json:"lng" minimum:"-180" maximum:"180"`
}

type CitizenRequest struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type FileComplaintRequest struct {
	Title       string          `json:"title" minLength:"1"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category" enum:"infrastructure,water,electricity,sanitation,traffic,public_safety,environment,health,other"`
	Priority    string          `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Location    LocationRequest `json:"location"`
	Citizen     CitizenRequest  `json:"citizen,omitempty"`
	Anonymous   bool            `json:"anonymous,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
}

func (r FileComplaintRequest) intake(actor string) engine.IntakeRequest {
	return engine.IntakeRequest{
		Title:       r.Title,
		Description: r.Description,
		Category:    domain.Category(r.Category),
		Priority:    domain.Priority(r.Priority),
		Location:    domain.GeoPoint{Lat: r.Location.Lat, Lng: r.Location.Lng},
		Citizen:     domain.Citizen(r.Citizen),
		Anonymous:   r.Anonymous,
		Attachments: r.Attachments,
		ActorID:     actor,
	}
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"filed,acknowledged,in_progress,resolved,rejected,closed"`
	Notes  string `json:"notes,omitempty"`
}

type ReassignRequest struct {
	AuthorityID string `json:"authority_id" minLength:"1"`
	Reason      string `json:"reason" minLength:"1"`
}

type ExplainRequest struct {
	Title       string          `json:"title" minLength:"1"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category" enum:"infrastructure,water,electricity,sanitation,traffic,public_safety,environment,health,other"`
	Priority    string          `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Location    LocationRequest `json:"location"`
}

type SweepRequest struct {
	// At overrides the sweep clock; defaults to now.
	At *time.Time `json:"at,omitempty"`
}

// Response payloads

type ComplaintResponse struct {
	ID                    string          `json:"id"`
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	Category              domain.Category `json:"category"`
	Priority              domain.Priority `json:"priority"`
	Status                domain.Status   `json:"status"`
	Location              domain.GeoPoint `json:"location"`
	Citizen               *domain.Citizen `json:"citizen,omitempty"`
	Anonymous             bool            `json:"anonymous"`
	Attachments           []string        `json:"attachments"`
	AssignedAuthorityID   string          `json:"assigned_authority_id,omitempty"`
	EstimatedResolutionAt *time.Time      `json:"estimated_resolution_at,omitempty"`
	ResolutionConfidence  float64         `json:"resolution_confidence"`
	ResolvedAt            *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNotes       string          `json:"resolution_notes,omitempty"`
	LastEscalatedAt       *time.Time      `json:"last_escalated_at,omitempty"`
	EscalationLevel       int             `json:"escalation_level"`
	Overdue               bool            `json:"overdue"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// complaintResponse never exposes contact details of anonymous filers.
func complaintResponse(c domain.Complaint, now time.Time) ComplaintResponse {
	res := ComplaintResponse{
		ID:                    c.ID,
		Title:                 c.Title,
		Description:           c.Description,
		Category:              c.Category,
		Priority:              c.Priority,
		Status:                c.Status,
		Location:              c.Location,
		Anonymous:             c.Anonymous,
		Attachments:           c.Attachments,
		EstimatedResolutionAt: c.EstimatedResolutionAt,
		ResolutionConfidence:  c.ResolutionConfidence,
		ResolvedAt:            c.ResolvedAt,
		ResolutionNotes:       c.ResolutionNotes,
		LastEscalatedAt:       c.LastEscalatedAt,
		EscalationLevel:       c.EscalationLevel,
		Overdue:               lifecycle.IsOverdue(c, now),
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
	if res.Attachments == nil {
		res.Attachments = []string{}
	}
	if c.AssignedAuthorityID != nil {
		res.AssignedAuthorityID = *c.AssignedAuthorityID
	}
	if !c.Anonymous && c.Citizen != (domain.Citizen{}) {
		citizen := c.Citizen
		res.Citizen = &citizen
	}
	return res
}

type IntakeResponse struct {
	Complaint        ComplaintResponse  `json:"complaint"`
	Assignment       domain.Assignment  `json:"assignment"`
	Decision         routing.Decision   `json:"decision"`
	Estimate         lifecycle.Estimate `json:"estimate"`
	PriorityInferred bool               `json:"priority_inferred"`
}

type ReassignResponse struct {
	Complaint  ComplaintResponse `json:"complaint"`
	Assignment domain.Assignment `json:"assignment"`
}

type paginatedComplaints struct {
	Items      []ComplaintResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type AvailabilityResponse struct {
	AuthorityID string  `json:"authority_id"`
	Available   bool    `json:"available"`
	Active      bool    `json:"active"`
	Workload    int     `json:"workload"`
	MaxCapacity int     `json:"max_capacity"`
	LoadRatio   float64 `json:"load_ratio"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	ComplaintID string          `json:"complaint_id,omitempty"`
	AuthorityID string          `json:"authority_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		ComplaintID: evt.ComplaintID,
		AuthorityID: evt.AuthorityID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status     string                `json:"status"`
	Complaints map[domain.Status]int `json:"complaints"`
}

type JurisdictionRequest struct {
	Unbounded bool            `json:"unbounded,omitempty"`
	Center    LocationRequest `json:"center,omitempty"`
	RadiusKm  float64         `json:"radius_km,omitempty"`
}

type HoursRequest struct {
	AlwaysOpen bool   `json:"always_open,omitempty"`
	Start      string `json:"start,omitempty" example:"09:00"`
	End        string `json:"end,omitempty" example:"17:00"`
}

type ContactRequest struct {
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type AuthorityRequest struct {
	ID                string              `json:"id,omitempty"`
	Name              string              `json:"name" minLength:"1"`
	Type              string              `json:"type,omitempty"`
	Jurisdiction      JurisdictionRequest `json:"jurisdiction"`
	Contact           ContactRequest      `json:"contact,omitempty"`
	Hours             HoursRequest        `json:"hours"`
	Timezone          string              `json:"timezone,omitempty" example:"Asia/Kolkata"`
	Specializations   []string            `json:"specializations"`
	MaxCapacity       int                 `json:"max_capacity"`
	AvgResolutionDays float64             `json:"avg_resolution_days"`
	Active            *bool               `json:"active,omitempty"`
	SupervisorID      string              `json:"supervisor_id,omitempty"`
}

// authority maps the request onto the domain type. Active defaults to true.
func (r AuthorityRequest) authority(id string) domain.Authority {
	a := domain.Authority{
		ID:   id,
		Name: r.Name,
		Type: r.Type,
		Jurisdiction: domain.Jurisdiction{
			Unbounded: r.Jurisdiction.Unbounded,
			Center:    domain.GeoPoint{Lat: r.Jurisdiction.Center.Lat, Lng: r.Jurisdiction.Center.Lng},
			RadiusKm:  r.Jurisdiction.RadiusKm,
		},
		Contact:           domain.Contact(r.Contact),
		Hours:             domain.WorkingHours(r.Hours),
		Timezone:          r.Timezone,
		MaxCapacity:       r.MaxCapacity,
		AvgResolutionDays: r.AvgResolutionDays,
		Active:            r.Active == nil || *r.Active,
	}
	for _, s := range r.Specializations {
		a.Specializations = append(a.Specializations, domain.Category(s))
	}
	if r.SupervisorID != "" {
		sup := r.SupervisorID
		a.SupervisorID = &sup
	}
	return a
}
