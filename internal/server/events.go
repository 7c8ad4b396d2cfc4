package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"civicroute/internal/engine"
	"civicroute/internal/escalation"
	"civicroute/internal/lifecycle"
	"civicroute/internal/repo"
)

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type        string `query:"type"`
		ComplaintID string `query:"complaint_id"`
		AuthorityID string `query:"authority_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := pageSize(input.Limit)
		before, err := decodeEventCursor(input.Cursor)
		if err != nil {
			return nil, badCursor(input.Cursor)
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:        input.Type,
			ComplaintID: input.ComplaintID,
			AuthorityID: input.AuthorityID,
			Before:      before,
			Limit:       limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine, monitor *escalation.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "list-overdue",
		Method:      http.MethodGet,
		Path:        "/escalations/overdue",
		Summary:     "Open complaints past their estimated resolution",
		Tags:        []string{"escalations"},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ComplaintResponse `json:"body"`
	}, error) {
		open, err := e.ListOpen(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		now := clock(e)
		out := []ComplaintResponse{}
		for _, c := range open {
			if lifecycle.IsOverdue(c, now) {
				out = append(out, complaintResponse(c, now))
			}
		}
		return &struct {
			Body []ComplaintResponse `json:"body"`
		}{Body: out}, nil
	})

	if monitor == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "sweep-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/sweep",
		Summary:     "Run an escalation sweep now",
		Tags:        []string{"escalations"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body *SweepRequest `required:"false"`
	}) (*struct {
		Body escalation.Report `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, roleAdmin); authErr != nil {
			return nil, authErr
		}
		at := clock(e)
		if input.Body != nil && input.Body.At != nil {
			at = input.Body.At.UTC()
		}
		report, err := monitor.Sweep(ctx, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body escalation.Report `json:"body"`
		}{Body: report}, nil
	})
}
