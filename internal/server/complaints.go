package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"civicroute/internal/domain"
	"civicroute/internal/engine"
	"civicroute/internal/lifecycle"
	"civicroute/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

func clock(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

type complaintPath struct {
	ID string `path:"id"`
}

func registerComplaints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "file-complaint",
		Method:        http.MethodPost,
		Path:          "/complaints",
		Summary:       "File a complaint and route it to an authority",
		Tags:          []string{"complaints"},
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body FileComplaintRequest `json:"body"`
	}) (*struct {
		Body IntakeResponse `json:"body"`
	}, error) {
		in, err := e.FileComplaint(ctx, input.Body.intake(actorOr(ctx, "citizen")))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntakeResponse `json:"body"`
		}{Body: IntakeResponse{
			Complaint:        complaintResponse(in.Complaint, clock(e)),
			Assignment:       in.Assignment,
			Decision:         in.Decision,
			Estimate:         in.Estimate,
			PriorityInferred: in.PriorityInferred,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-complaints",
		Method:      http.MethodGet,
		Path:        "/complaints",
		Summary:     "List complaints, newest first",
		Tags:        []string{"complaints"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      []string `query:"status"`
		Category    string   `query:"category"`
		Priority    string   `query:"priority"`
		AuthorityID string   `query:"authority_id"`
		Limit       int      `query:"limit" default:"50"`
		Cursor      string   `query:"cursor"`
	}) (*struct {
		Body paginatedComplaints `json:"body"`
	}, error) {
		limit := pageSize(input.Limit)
		cursor, err := decodeComplaintCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		f := repo.ComplaintFilters{
			Category:        domain.Category(input.Category),
			Priority:        domain.Priority(input.Priority),
			AuthorityID:     input.AuthorityID,
			CursorCreatedAt: cursor.CreatedAt,
			CursorID:        cursor.ID,
			Limit:           limit + 1,
		}
		for _, s := range input.Status {
			if err := lifecycle.ValidateStatus(domain.Status(s)); err != nil {
				return nil, handleError(err)
			}
			f.Statuses = append(f.Statuses, domain.Status(s))
		}
		items, err := e.Repo.ListComplaints(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedComplaints{Items: []ComplaintResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = complaintCursor{CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339), ID: last.ID}.String()
			items = items[:limit]
		}
		now := clock(e)
		for _, c := range items {
			resp.Items = append(resp.Items, complaintResponse(c, now))
		}
		return &struct {
			Body paginatedComplaints `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-complaint",
		Method:      http.MethodGet,
		Path:        "/complaints/{id}",
		Summary:     "Get complaint",
		Tags:        []string{"complaints"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *complaintPath) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetComplaint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: complaintResponse(c, clock(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-complaint-status",
		Method:      http.MethodPost,
		Path:        "/complaints/{id}/status",
		Summary:     "Move a complaint through its lifecycle",
		Tags:        []string{"complaints"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		p, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateStatus(ctx, engine.StatusUpdate{
			ID:      input.ID,
			Status:  domain.Status(input.Body.Status),
			ActorID: p.ActorID,
			Notes:   input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: complaintResponse(c, clock(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-complaint",
		Method:      http.MethodPost,
		Path:        "/complaints/{id}/reassign",
		Summary:     "Hand a complaint to another authority",
		Tags:        []string{"complaints"},
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*struct {
		Body ReassignResponse `json:"body"`
	}, error) {
		p, authErr := requireActor(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, asg, err := e.Reassign(ctx, input.ID, input.Body.AuthorityID, input.Body.Reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReassignResponse `json:"body"`
		}{Body: ReassignResponse{Complaint: complaintResponse(c, clock(e)), Assignment: asg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complaint-history",
		Method:      http.MethodGet,
		Path:        "/complaints/{id}/history",
		Summary:     "Status history, oldest first",
		Tags:        []string{"complaints"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *complaintPath) (*struct {
		Body []domain.StatusHistory `json:"body"`
	}, error) {
		if _, err := e.Repo.GetComplaint(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListStatusHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StatusHistory `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complaint-assignments",
		Method:      http.MethodGet,
		Path:        "/complaints/{id}/assignments",
		Summary:     "Assignment log, oldest first",
		Tags:        []string{"complaints"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *complaintPath) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		if _, err := e.Repo.GetComplaint(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})
}

func registerRouting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "explain-routing",
		Method:      http.MethodPost,
		Path:        "/routing/explain",
		Summary:     "Dry-run priority, estimate and routing without filing",
		Tags:        []string{"routing"},
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ExplainRequest `json:"body"`
	}) (*struct {
		Body engine.Explanation `json:"body"`
	}, error) {
		out, err := e.Explain(ctx, engine.ExplainRequest{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Category:    domain.Category(input.Body.Category),
			Priority:    domain.Priority(input.Body.Priority),
			Location:    domain.GeoPoint{Lat: input.Body.Location.Lat, Lng: input.Body.Location.Lng},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Explanation `json:"body"`
		}{Body: out}, nil
	})
}
