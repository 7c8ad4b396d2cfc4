package events_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"civicroute/internal/db"
	"civicroute/internal/events"
	"civicroute/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "civic.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestAppendStoresRecord(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 12, 0, 0, 700, time.FixedZone("IST", 19800))
	w := events.Writer{Now: func() time.Time { return at }}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.Append(ctx, tx, events.Record{Type: "authority.updated", AuthorityID: "dehradun-jal", ActorID: "admin"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var ts, typ, payload string
	var complaintID sql.NullString
	if err := conn.QueryRow(`SELECT ts,type,complaint_id,payload_json FROM events`).Scan(&ts, &typ, &complaintID, &payload); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if ts != "2026-03-02T06:30:00Z" {
		t.Fatalf("expected UTC second-precision ts, got %s", ts)
	}
	if typ != "authority.updated" || complaintID.Valid || payload != "{}" {
		t.Fatalf("unexpected row type=%s complaint=%v payload=%s", typ, complaintID, payload)
	}
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := (events.Writer{}).Append(ctx, tx, events.Record{Type: "complaint.filed", ActorID: "citizen"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = tx.Rollback()

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no events after rollback, got %d", n)
	}
}

func TestAppendRejectsIncompleteRecords(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	w := events.Writer{}
	if err := w.Append(ctx, conn, events.Record{ActorID: "citizen"}); err == nil {
		t.Fatalf("expected missing type to fail")
	}
	if err := w.Append(ctx, conn, events.Record{Type: "complaint.filed"}); err == nil {
		t.Fatalf("expected missing actor to fail")
	}
	if err := w.Append(ctx, conn, events.Record{Type: "complaint.filed", ActorID: "x", Payload: events.EventPayload{"bad": func() {}}}); err == nil {
		t.Fatalf("expected unmarshalable payload to fail")
	}
}
