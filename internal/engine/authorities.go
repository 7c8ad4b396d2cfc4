package engine

import (
	"context"
	"errors"
	"reflect"

	"civicroute/internal/domain"
	"civicroute/internal/events"
)

// PutAuthority creates or updates a directory entry. Workload is owned by
// the directory and ignored on input.
func (e Engine) PutAuthority(ctx context.Context, a domain.Authority, actorID string) (domain.Authority, bool, error) {
	if actorID == "" {
		actorID = domain.SystemActor
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Authority{}, false, err
	}
	defer tx.Rollback()

	dir := e.router(tx).Dir
	_, err = dir.Get(ctx, a.ID)
	created := errors.Is(err, domain.ErrNotFound)
	if err != nil && !created {
		return domain.Authority{}, false, err
	}
	saved, err := dir.Put(ctx, a)
	if err != nil {
		return domain.Authority{}, false, err
	}
	evt := domain.EventAuthorityUpdated
	if created {
		evt = domain.EventAuthorityCreated
	}
	if err := e.events().Append(ctx, tx, events.Record{Type: evt, AuthorityID: saved.ID, ActorID: actorID, Payload: events.EventPayload{
		"name":            saved.Name,
		"active":          saved.Active,
		"specializations": saved.Specializations,
	}}); err != nil {
		return domain.Authority{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Authority{}, false, err
	}
	return saved, created, nil
}

// SeedAuthorities upserts the configured directory, leaving unchanged
// entries alone so restarts stay quiet.
func (e Engine) SeedAuthorities(ctx context.Context, seed []domain.Authority) (created, updated int, err error) {
	for _, a := range seed {
		existing, err := e.Directory.Get(ctx, a.ID)
		switch {
		case err == nil:
			if sameDefinition(existing, a) {
				continue
			}
		case !errors.Is(err, domain.ErrNotFound):
			return created, updated, err
		}
		_, isNew, err := e.PutAuthority(ctx, a, domain.SystemActor)
		if err != nil {
			return created, updated, err
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

func sameDefinition(a, b domain.Authority) bool {
	a.Workload, b.Workload = 0, 0
	a.Version, b.Version = 0, 0
	if len(a.Specializations) == 0 && len(b.Specializations) == 0 {
		a.Specializations, b.Specializations = nil, nil
	}
	if a.SupervisorID != nil && *a.SupervisorID == "" {
		a.SupervisorID = nil
	}
	if b.SupervisorID != nil && *b.SupervisorID == "" {
		b.SupervisorID = nil
	}
	return reflect.DeepEqual(a, b)
}

// Availability reports whether an authority can take work right now.
func (e Engine) Availability(ctx context.Context, id string) (domain.Authority, bool, error) {
	a, err := e.Directory.Get(ctx, id)
	if err != nil {
		return domain.Authority{}, false, err
	}
	return a, e.Directory.Available(a, e.now()), nil
}
