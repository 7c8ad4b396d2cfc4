package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"civicroute/internal/domain"
)

const authorityColumns = `id,name,type,unbounded,center_lat,center_lng,radius_km,contact_email,contact_phone,webhook_url,always_open,hours_start,hours_end,timezone,specializations_json,workload,max_capacity,avg_resolution_days,active,supervisor_id,version`

func scanAuthority(row scanner) (domain.Authority, error) {
	var a domain.Authority
	var email, phone, webhook, start, end, tz, supervisor sql.NullString
	var specs string
	var unbounded, alwaysOpen, active int
	err := row.Scan(&a.ID, &a.Name, &a.Type, &unbounded, &a.Jurisdiction.Center.Lat, &a.Jurisdiction.Center.Lng, &a.Jurisdiction.RadiusKm,
		&email, &phone, &webhook, &alwaysOpen, &start, &end, &tz, &specs,
		&a.Workload, &a.MaxCapacity, &a.AvgResolutionDays, &active, &supervisor, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Jurisdiction.Unbounded = unbounded == 1
	a.Contact = domain.Contact{Email: email.String, Phone: phone.String, WebhookURL: webhook.String}
	a.Hours = domain.WorkingHours{AlwaysOpen: alwaysOpen == 1, Start: start.String, End: end.String}
	a.Timezone = tz.String
	a.Active = active == 1
	if supervisor.Valid {
		a.SupervisorID = &supervisor.String
	}
	if err := json.Unmarshal([]byte(specs), &a.Specializations); err != nil {
		return a, fmt.Errorf("authority %s specializations: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) GetAuthority(ctx context.Context, id string) (domain.Authority, error) {
	return AuthorityStore{Q: r.DB}.Get(ctx, id)
}

func (r Repo) ListAuthorities(ctx context.Context) ([]domain.Authority, error) {
	return AuthorityStore{Q: r.DB}.List(ctx)
}

// AuthorityStore implements directory.Store on top of q.
type AuthorityStore struct {
	Q   Querier
	Now func() time.Time
}

func (s AuthorityStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s AuthorityStore) Get(ctx context.Context, id string) (domain.Authority, error) {
	a, err := scanAuthority(s.Q.QueryRowContext(ctx, `SELECT `+authorityColumns+` FROM authorities WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return a, domain.NotFoundError("authority", id)
	}
	return a, err
}

func (s AuthorityStore) List(ctx context.Context) ([]domain.Authority, error) {
	rows, err := s.Q.QueryContext(ctx, `SELECT `+authorityColumns+` FROM authorities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Authority{}
	for rows.Next() {
		a, err := scanAuthority(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Put inserts or replaces an authority and bumps its version.
func (s AuthorityStore) Put(ctx context.Context, a domain.Authority) error {
	specs := a.Specializations
	if specs == nil {
		specs = []domain.Category{}
	}
	data, err := json.Marshal(specs)
	if err != nil {
		return err
	}
	ts := formatTime(s.now())
	_, err = s.Q.ExecContext(ctx, `INSERT INTO authorities(`+authorityColumns+`,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, type=excluded.type, unbounded=excluded.unbounded,
  center_lat=excluded.center_lat, center_lng=excluded.center_lng, radius_km=excluded.radius_km,
  contact_email=excluded.contact_email, contact_phone=excluded.contact_phone, webhook_url=excluded.webhook_url,
  always_open=excluded.always_open, hours_start=excluded.hours_start, hours_end=excluded.hours_end,
  timezone=excluded.timezone, specializations_json=excluded.specializations_json, workload=excluded.workload,
  max_capacity=excluded.max_capacity, avg_resolution_days=excluded.avg_resolution_days, active=excluded.active,
  supervisor_id=excluded.supervisor_id, version=authorities.version+1, updated_at=excluded.updated_at`,
		a.ID, a.Name, a.Type, boolInt(a.Jurisdiction.Unbounded), a.Jurisdiction.Center.Lat, a.Jurisdiction.Center.Lng, a.Jurisdiction.RadiusKm,
		nullable(a.Contact.Email), nullable(a.Contact.Phone), nullable(a.Contact.WebhookURL),
		boolInt(a.Hours.AlwaysOpen), nullable(a.Hours.Start), nullable(a.Hours.End), nullable(a.Timezone), string(data),
		a.Workload, a.MaxCapacity, a.AvgResolutionDays, boolInt(a.Active), nullableStringPtr(a.SupervisorID),
		ts, ts)
	return err
}

func (s AuthorityStore) CompareAndSetWorkload(ctx context.Context, id string, version int64, workload int) (bool, error) {
	res, err := s.Q.ExecContext(ctx, `UPDATE authorities SET workload=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		workload, formatTime(s.now()), id, version)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	var exists int
	if err := s.Q.QueryRowContext(ctx, `SELECT COUNT(1) FROM authorities WHERE id=?`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, domain.NotFoundError("authority", id)
	}
	return false, nil
}
