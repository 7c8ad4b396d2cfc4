package civicsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal civic complaint API client.
type Client struct {
	BaseURL string
	// ActorID is sent as X-Actor-Id when no BearerToken is set.
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Citizen struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// FileComplaint is the intake payload. Priority is inferred when empty.
type FileComplaint struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Priority    string   `json:"priority,omitempty"`
	Location    Location `json:"location"`
	Citizen     Citizen  `json:"citizen,omitempty"`
	Anonymous   bool     `json:"anonymous,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Complaint represents the API complaint model.
type Complaint struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	Category              string     `json:"category"`
	Priority              string     `json:"priority"`
	Status                string     `json:"status"`
	Location              Location   `json:"location"`
	Citizen               *Citizen   `json:"citizen,omitempty"`
	Anonymous             bool       `json:"anonymous"`
	AssignedAuthorityID   string     `json:"assigned_authority_id,omitempty"`
	EstimatedResolutionAt *time.Time `json:"estimated_resolution_at,omitempty"`
	ResolutionConfidence  float64    `json:"resolution_confidence"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	EscalationLevel       int        `json:"escalation_level"`
	Overdue               bool       `json:"overdue"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
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

// Intake is the result of filing a complaint.
type Intake struct {
	Complaint  Complaint  `json:"complaint"`
	Assignment Assignment `json:"assignment"`
	Decision   struct {
		AuthorityID string  `json:"authority_id"`
		Reason      string  `json:"reason"`
		Score       float64 `json:"score"`
	} `json:"decision"`
	PriorityInferred bool `json:"priority_inferred"`
}

type StatusChange struct {
	ID        int64     `json:"id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	ActorID   string    `json:"actor_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	ComplaintID string          `json:"complaint_id,omitempty"`
	AuthorityID string          `json:"authority_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

// PaginatedComplaints wraps list responses with cursors.
type PaginatedComplaints struct {
	Items      []Complaint `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filter complaint listings. Zero values are ignored.
type ListOptions struct {
	Status      []string
	Category    string
	AuthorityID string
	Limit       int
	Cursor      string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FileComplaint files and routes a complaint.
func (c *Client) FileComplaint(ctx context.Context, in FileComplaint) (Intake, error) {
	var resp Intake
	err := c.do(ctx, http.MethodPost, "complaints", in, &resp)
	return resp, err
}

func (c *Client) GetComplaint(ctx context.Context, id string) (Complaint, error) {
	var resp Complaint
	err := c.do(ctx, http.MethodGet, "complaints/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListComplaints returns one page of complaints, newest first.
func (c *Client) ListComplaints(ctx context.Context, opts ListOptions) (PaginatedComplaints, error) {
	q := url.Values{}
	for _, s := range opts.Status {
		q.Add("status", s)
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.AuthorityID != "" {
		q.Set("authority_id", opts.AuthorityID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedComplaints
	err := c.do(ctx, http.MethodGet, withQuery("complaints", q), nil, &resp)
	return resp, err
}

// UpdateStatus moves a complaint through its lifecycle.
func (c *Client) UpdateStatus(ctx context.Context, id, status, notes string) (Complaint, error) {
	body := map[string]any{"status": status}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Complaint
	err := c.do(ctx, http.MethodPost, "complaints/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

// Reassign hands a complaint to another authority.
func (c *Client) Reassign(ctx context.Context, id, authorityID, reason string) (Complaint, error) {
	body := map[string]any{"authority_id": authorityID, "reason": reason}
	var resp struct {
		Complaint Complaint `json:"complaint"`
	}
	err := c.do(ctx, http.MethodPost, "complaints/"+url.PathEscape(id)+"/reassign", body, &resp)
	return resp.Complaint, err
}

func (c *Client) History(ctx context.Context, id string) ([]StatusChange, error) {
	var resp []StatusChange
	err := c.do(ctx, http.MethodGet, "complaints/"+url.PathEscape(id)+"/history", nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
