// Package events appends to the event outbox. Rows are written in the same
// transaction as the change they describe, so a rolled-back change never
// produces an event.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventPayload map[string]any

// Record is one outbox entry. ComplaintID and AuthorityID are stored as NULL
// when empty.
type Record struct {
	Type        string
	ComplaintID string
	AuthorityID string
	ActorID     string
	Payload     EventPayload
}

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer stamps records with Now at second precision.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, q Execer, rec Record) error {
	if rec.Type == "" {
		return errors.New("event type required")
	}
	if rec.ActorID == "" {
		return fmt.Errorf("event %s: actor required", rec.Type)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", rec.Type, err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,complaint_id,authority_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Truncate(time.Second).Format(time.RFC3339), rec.Type, nullable(rec.ComplaintID), nullable(rec.AuthorityID), rec.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
