package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/golang-jwt/jwt/v5"

	"civicroute/internal/config"
	"civicroute/internal/db"
	"civicroute/internal/domain"
	"civicroute/internal/engine"
	"civicroute/internal/escalation"
	"civicroute/internal/migrate"
	"civicroute/internal/notify"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	clock  *time.Time
	client *http.Client
}

func supervisor(id string) *string { return &id }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Authorities = []domain.Authority{
		{
			ID: "central-helpdesk", Name: "Central Helpdesk", Type: "municipal",
			Jurisdiction:    domain.Jurisdiction{Unbounded: true},
			Hours:           domain.WorkingHours{AlwaysOpen: true},
			Specializations: []domain.Category{domain.CategoryOther},
			MaxCapacity:     500, AvgResolutionDays: 5, Active: true,
		},
		{
			ID: "dehradun-jal", Name: "Dehradun Jal Sansthan", Type: "utility",
			Jurisdiction:    domain.Jurisdiction{Center: domain.GeoPoint{Lat: 30.3165, Lng: 78.0322}, RadiusKm: 15},
			Hours:           domain.WorkingHours{AlwaysOpen: true},
			Specializations: []domain.Category{domain.CategoryWater},
			MaxCapacity:     50, AvgResolutionDays: 2, Active: true,
			SupervisorID: supervisor("central-helpdesk"),
		},
	}
	e := engine.New(conn, cfg, nil)
	clock := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return clock }
	if _, _, err := e.SeedAuthorities(ctx, cfg.Authorities); err != nil {
		t.Fatalf("seed authorities: %v", err)
	}
	handler, err := New(Config{
		Engine:         e,
		BasePath:       "/v1",
		Auth:           auth,
		Monitor:        e.NewMonitor(),
		Hub:            notify.NewHub(nil, nil),
		AllowedOrigins: []string{"https://portal.example"},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, clock: &clock, client: srv.Client()}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	return env.Error.Code
}

var officer = map[string]string{"X-Actor-Id": "officer-7"}

func waterBody() map[string]any {
	return map[string]any{
		"title":    "Broken water pipe flooding street",
		"category": "water",
		"location": map[string]any{"lat": 30.32, "lng": 78.04},
		"citizen":  map[string]any{"name": "Asha", "phone": "+91-9000000000"},
	}
}

func TestFileComplaintAndLifecycle(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", waterBody(), nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("file complaint status %d: %s", res.StatusCode, string(data))
	}
	intake := decode[IntakeResponse](t, data)
	if intake.Complaint.AssignedAuthorityID != "dehradun-jal" || intake.Complaint.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected intake: %+v", intake.Complaint)
	}
	if intake.Complaint.Citizen == nil || intake.Complaint.Citizen.Name != "Asha" {
		t.Fatalf("citizen contact missing for named complaint")
	}
	id := intake.Complaint.ID

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints/"+id+"/status", map[string]any{"status": "acknowledged"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status change without actor: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints/"+id+"/status", map[string]any{"status": "resolved"}, officer)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("filed -> resolved: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints/"+id+"/status", map[string]any{"status": "acknowledged", "notes": "crew dispatched"}, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge: %d %s", res.StatusCode, string(data))
	}
	if got := decode[ComplaintResponse](t, data); got.Status != domain.StatusAcknowledged {
		t.Fatalf("status = %s", got.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/complaints/"+id+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	hist := decode[[]domain.StatusHistory](t, data)
	if len(hist) != 1 || hist[0].ActorID != "officer-7" {
		t.Fatalf("history = %+v", hist)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/complaints?status=acknowledged", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	if page := decode[paginatedComplaints](t, data); len(page.Items) != 1 || page.Items[0].ID != id {
		t.Fatalf("list = %+v", page)
	}
}

func TestAnonymousComplaintHidesCitizen(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := waterBody()
	body["anonymous"] = true
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("file: %d %s", res.StatusCode, string(data))
	}
	id := decode[IntakeResponse](t, data).Complaint.ID
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/complaints/"+id, nil, nil)
	raw := decode[map[string]any](t, data)
	if _, ok := raw["citizen"]; ok {
		t.Fatalf("anonymous complaint leaked citizen: %s", string(data))
	}
}

func TestFileComplaintRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	cases := []map[string]any{
		{"title": "x", "category": "roads", "location": map[string]any{"lat": 30.3, "lng": 78.0}},
		{"title": "x", "category": "water", "location": map[string]any{"lat": 95, "lng": 78.0}},
		{"title": "x", "category": "water", "priority": "critical", "location": map[string]any{"lat": 30.3, "lng": 78.0}},
	}
	for _, body := range cases {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", body, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d %s", body, res.StatusCode, string(data))
		}
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/complaints/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("got %d %s", res.StatusCode, string(data))
	}
}

func TestReassignAndAssignments(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	_, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", waterBody(), nil)
	id := decode[IntakeResponse](t, data).Complaint.ID

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints/"+id+"/reassign", map[string]any{
		"authority_id": "central-helpdesk",
		"reason":       "outside utility scope",
	}, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reassign: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/complaints/"+id+"/assignments", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignments: %d %s", res.StatusCode, string(data))
	}
	asgs := decode[[]domain.Assignment](t, data)
	if len(asgs) != 2 || asgs[0].IsCurrent || !asgs[1].IsCurrent {
		t.Fatalf("assignments = %+v", asgs)
	}
}

func signToken(t *testing.T, secret, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthorityManagementRequiresAdmin(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	body := map[string]any{
		"name":                "Dehradun Power",
		"jurisdiction":        map[string]any{"center": map[string]any{"lat": 30.31, "lng": 78.03}, "radius_km": 20},
		"hours":               map[string]any{"start": "09:00", "end": "18:00"},
		"timezone":            "Asia/Kolkata",
		"specializations":     []string{"electricity"},
		"max_capacity":        40,
		"avg_resolution_days": 1,
	}
	url := srv.URL + "/v1/authorities/dehradun-power"

	res, data := doJSON(t, srv.client, http.MethodPut, url, body, officer)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("header actor must be ignored when JWT is configured: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPut, url, body, map[string]string{"Authorization": "Bearer " + signToken(t, secret, "clerk")})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPut, url, body, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}

	admin := map[string]string{"Authorization": "Bearer " + signToken(t, secret, "ops", roleAdmin)}
	res, data = doJSON(t, srv.client, http.MethodPut, url, body, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create authority: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPut, url, body, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update authority: %d %s", res.StatusCode, string(data))
	}

	body["hours"] = map[string]any{"start": "9am", "end": "18:00"}
	res, data = doJSON(t, srv.client, http.MethodPut, url, body, admin)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid hours: %d %s", res.StatusCode, string(data))
	}

	// 12:00 UTC is 17:30 in Kolkata, inside 09:00-18:00.
	res, data = doJSON(t, srv.client, http.MethodGet, url+"/availability", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("availability: %d %s", res.StatusCode, string(data))
	}
	if av := decode[AvailabilityResponse](t, data); !av.Available || av.Workload != 0 {
		t.Fatalf("availability = %+v", av)
	}
}

func TestActorHeaderAlongsideJWTGrantsNoRoles(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret, AllowActorHeader: true})
	body := map[string]any{
		"name":                "Dehradun Power",
		"jurisdiction":        map[string]any{"unbounded": true},
		"hours":               map[string]any{"always_open": true},
		"specializations":     []string{"electricity"},
		"max_capacity":        40,
		"avg_resolution_days": 1,
	}
	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/authorities/dehradun-power", body, officer)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("header actor wrote an authority: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/escalations/sweep", nil, officer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("header actor ran a sweep: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", waterBody(), officer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("header actor must still file: %d %s", res.StatusCode, string(data))
	}
	id := decode[IntakeResponse](t, data).Complaint.ID
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints/"+id+"/status", map[string]any{"status": "acknowledged"}, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("header actor must still update status: %d %s", res.StatusCode, string(data))
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	for i := 0; i < 2; i++ {
		if res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", waterBody(), nil); res.StatusCode != http.StatusCreated {
			t.Fatalf("file: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?type=complaint.filed&limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("first page = %+v", page)
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?type=complaint.filed&limit=1&cursor="+page.NextCursor, nil, nil)
	next := decode[paginatedEvents](t, data)
	if len(next.Items) != 1 || next.NextCursor != "" || next.Items[0].ID >= page.Items[0].ID {
		t.Fatalf("second page = %+v", next)
	}
}

func TestSweepEscalatesOverdue(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	_, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/complaints", waterBody(), nil)
	id := decode[IntakeResponse](t, data).Complaint.ID

	*srv.clock = srv.clock.Add(72 * time.Hour)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/escalations/overdue", nil, nil)
	if overdue := decode[[]ComplaintResponse](t, data); res.StatusCode != http.StatusOK || len(overdue) != 1 || !overdue[0].Overdue {
		t.Fatalf("overdue: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/escalations/sweep", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous sweep: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/escalations/sweep", nil, officer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", res.StatusCode, string(data))
	}
	report := decode[escalation.Report](t, data)
	if report.Escalated != 1 || report.Escalations[0].ComplaintID != id {
		t.Fatalf("report = %+v", report)
	}
	_, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/complaints/"+id, nil, nil)
	c := decode[ComplaintResponse](t, data)
	if c.EscalationLevel != 1 || c.AssignedAuthorityID != "central-helpdesk" {
		t.Fatalf("complaint after sweep = %+v", c)
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	if h := decode[HealthResponse](t, data); h.Status != "ok" {
		t.Fatalf("health = %+v", h)
	}

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/complaints", nil)
	req.Header.Set("Origin", "https://portal.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://portal.example" {
		t.Fatalf("allow origin = %q", got)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("file-complaint")) {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
}
