package repo

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"

	"civicroute/internal/domain"
)

var eventColumns = []string{"id", "ts", "type", "COALESCE(complaint_id,'')", "COALESCE(authority_id,'')", "actor_id", "payload_json"}

type EventFilters struct {
	Type        string
	ComplaintID string
	AuthorityID string
	// Before pages backwards from an event id.
	Before int64
	Limit  int
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	b := sq.Select(eventColumns...).From("events").OrderBy("id DESC").Limit(uint64(f.Limit))
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.ComplaintID != "" {
		b = b.Where(sq.Eq{"complaint_id": f.ComplaintID})
	}
	if f.AuthorityID != "" {
		b = b.Where(sq.Eq{"authority_id": f.AuthorityID})
	}
	if f.Before > 0 {
		b = b.Where(sq.Lt{"id": f.Before})
	}
	return r.queryEvents(ctx, b)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	b := sq.Select(eventColumns...).From("events").Where(sq.Gt{"id": cursor}).OrderBy("id ASC").Limit(uint64(limit))
	return r.queryEvents(ctx, b)
}

func (r Repo) queryEvents(ctx context.Context, b sq.SelectBuilder) ([]domain.Event, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ComplaintID, &e.AuthorityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// DeliveryCursor returns the last delivered event id for sink. ok is false
// when the sink has never delivered anything.
func (r Repo) DeliveryCursor(ctx context.Context, sink string) (cursor int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM delivery_cursors WHERE sink=?`, sink).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

func (r Repo) SetDeliveryCursor(ctx context.Context, sink string, cursor int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delivery_cursors(sink,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(sink) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		sink, cursor, formatTime(time.Now()))
	return err
}
