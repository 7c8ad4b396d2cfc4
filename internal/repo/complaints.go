package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"civicroute/internal/domain"
)

var complaintColumns = []string{
	"id", "title", "description", "category", "priority", "status", "lat", "lng",
	"citizen_name", "citizen_email", "citizen_phone", "anonymous", "attachments_json",
	"assigned_authority_id", "estimated_resolution_at", "resolution_confidence", "resolved_at",
	"resolution_notes", "last_escalated_at", "escalation_level", "created_at", "updated_at",
}

type ComplaintFilters struct {
	Statuses    []domain.Status
	Category    domain.Category
	Priority    domain.Priority
	AuthorityID string
	// Cursor pages backwards from the given (created_at, id).
	CursorCreatedAt string
	CursorID        string
	Limit           int
}

func scanComplaint(row scanner) (domain.Complaint, error) {
	var c domain.Complaint
	var name, email, phone, assigned, estimated, resolved, notes, escalated sql.NullString
	var attachments, createdAt, updatedAt string
	var anonymous int
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Category, &c.Priority, &c.Status, &c.Location.Lat, &c.Location.Lng,
		&name, &email, &phone, &anonymous, &attachments,
		&assigned, &estimated, &c.ResolutionConfidence, &resolved,
		&notes, &escalated, &c.EscalationLevel, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Citizen = domain.Citizen{Name: name.String, Email: email.String, Phone: phone.String}
	c.Anonymous = anonymous == 1
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &c.Attachments); err != nil {
			return c, fmt.Errorf("complaint %s attachments: %w", c.ID, err)
		}
	}
	if assigned.Valid {
		c.AssignedAuthorityID = &assigned.String
	}
	c.ResolutionNotes = notes.String
	if c.EstimatedResolutionAt, err = parseNullTime(estimated); err != nil {
		return c, err
	}
	if c.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return c, err
	}
	if c.LastEscalatedAt, err = parseNullTime(escalated); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, err
	}
	return c, nil
}

func complaintArgs(c domain.Complaint) ([]any, error) {
	attachments := c.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, c.Title, c.Description, string(c.Category), string(c.Priority), string(c.Status), c.Location.Lat, c.Location.Lng,
		nullable(c.Citizen.Name), nullable(c.Citizen.Email), nullable(c.Citizen.Phone), boolInt(c.Anonymous), string(data),
		nullableStringPtr(c.AssignedAuthorityID), nullableTime(c.EstimatedResolutionAt), c.ResolutionConfidence, nullableTime(c.ResolvedAt),
		nullable(c.ResolutionNotes), nullableTime(c.LastEscalatedAt), c.EscalationLevel, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	}, nil
}

func (r Repo) InsertComplaintTx(ctx context.Context, tx *sql.Tx, c domain.Complaint) error {
	args, err := complaintArgs(c)
	if err != nil {
		return err
	}
	query, qargs, err := sq.Insert("complaints").Columns(complaintColumns...).Values(args...).ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, qargs...)
	return err
}

// UpdateComplaintTx rewrites every mutable column of the complaint.
func (r Repo) UpdateComplaintTx(ctx context.Context, tx *sql.Tx, c domain.Complaint) error {
	args, err := complaintArgs(c)
	if err != nil {
		return err
	}
	b := sq.Update("complaints").Where(sq.Eq{"id": c.ID})
	for i, col := range complaintColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		b = b.Set(col, args[i])
	}
	query, qargs, err := b.ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, qargs...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError("complaint", c.ID)
	}
	return nil
}

func (r Repo) GetComplaint(ctx context.Context, id string) (domain.Complaint, error) {
	return getComplaint(ctx, r.DB, id)
}

func (r Repo) GetComplaintTx(ctx context.Context, tx *sql.Tx, id string) (domain.Complaint, error) {
	return getComplaint(ctx, tx, id)
}

func getComplaint(ctx context.Context, q Querier, id string) (domain.Complaint, error) {
	query, args, err := sq.Select(complaintColumns...).From("complaints").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Complaint{}, err
	}
	c, err := scanComplaint(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return c, domain.NotFoundError("complaint", id)
	}
	return c, err
}

// ListComplaints returns complaints newest first.
func (r Repo) ListComplaints(ctx context.Context, f ComplaintFilters) ([]domain.Complaint, error) {
	b := sq.Select(complaintColumns...).From("complaints").OrderBy("created_at DESC", "id DESC")
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if f.Category != "" {
		b = b.Where(sq.Eq{"category": string(f.Category)})
	}
	if f.Priority != "" {
		b = b.Where(sq.Eq{"priority": string(f.Priority)})
	}
	if f.AuthorityID != "" {
		b = b.Where(sq.Eq{"assigned_authority_id": f.AuthorityID})
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		b = b.Where(sq.Or{
			sq.Lt{"created_at": f.CursorCreatedAt},
			sq.And{sq.Eq{"created_at": f.CursorCreatedAt}, sq.Lt{"id": f.CursorID}},
		})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	return queryComplaints(ctx, r.DB, b)
}

// ListOpenComplaints returns every complaint outside a terminal status,
// oldest deadline first.
func (r Repo) ListOpenComplaints(ctx context.Context) ([]domain.Complaint, error) {
	b := sq.Select(complaintColumns...).From("complaints").
		Where(sq.NotEq{"status": []string{string(domain.StatusClosed), string(domain.StatusRejected)}}).
		OrderBy("estimated_resolution_at ASC", "id ASC")
	return queryComplaints(ctx, r.DB, b)
}

func queryComplaints(ctx context.Context, q Querier, b sq.SelectBuilder) ([]domain.Complaint, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Complaint{}
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountComplaintsByStatus powers the health summary.
func (r Repo) CountComplaintsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM complaints GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[domain.Status(s)] = n
	}
	return res, rows.Err()
}

// ComplaintReader reads complaints through q, typically an open transaction.
type ComplaintReader struct {
	Q Querier
}

func (c ComplaintReader) Get(ctx context.Context, id string) (domain.Complaint, error) {
	return getComplaint(ctx, c.Q, id)
}
