package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"civicroute/internal/domain"
	"civicroute/internal/engine"
)

type authorityPath struct {
	ID string `path:"id"`
}

func registerAuthorities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-authorities",
		Method:      http.MethodGet,
		Path:        "/authorities",
		Summary:     "List authorities",
		Tags:        []string{"authorities"},
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*struct {
		Body []domain.Authority `json:"body"`
	}, error) {
		var (
			items []domain.Authority
			err   error
		)
		if input.Category != "" {
			items, err = e.Directory.FindByCategory(ctx, domain.Category(input.Category))
		} else {
			items, err = e.Repo.ListAuthorities(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Authority `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-authority",
		Method:      http.MethodGet,
		Path:        "/authorities/{id}",
		Summary:     "Get authority",
		Tags:        []string{"authorities"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *authorityPath) (*struct {
		Body domain.Authority `json:"body"`
	}, error) {
		a, err := e.Repo.GetAuthority(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Authority `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-authority",
		Method:      http.MethodPut,
		Path:        "/authorities/{id}",
		Summary:     "Create or update an authority; workload is never taken from the body",
		Tags:        []string{"authorities"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body AuthorityRequest `json:"body"`
	}) (*struct {
		Status int
		Body   domain.Authority `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, roleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ID != "" && input.Body.ID != input.ID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body id does not match path", map[string]any{"id": input.Body.ID})
		}
		saved, created, err := e.PutAuthority(ctx, input.Body.authority(input.ID), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   domain.Authority `json:"body"`
		}{Status: status, Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authority-availability",
		Method:      http.MethodGet,
		Path:        "/authorities/{id}/availability",
		Summary:     "Whether the authority can take work right now",
		Tags:        []string{"authorities"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *authorityPath) (*struct {
		Body AvailabilityResponse `json:"body"`
	}, error) {
		a, ok, err := e.Availability(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailabilityResponse `json:"body"`
		}{Body: AvailabilityResponse{
			AuthorityID: a.ID,
			Available:   ok,
			Active:      a.Active,
			Workload:    a.Workload,
			MaxCapacity: a.MaxCapacity,
			LoadRatio:   a.LoadRatio(),
		}}, nil
	})
}
