package repo

import (
	"context"
	"database/sql"
	"errors"

	"civicroute/internal/domain"
)

const assignmentColumns = `id,complaint_id,authority_id,is_current,reason,score,assigned_by,assigned_at,ended_at`

func scanAssignment(row scanner) (domain.Assignment, error) {
	var a domain.Assignment
	var current int
	var assignedAt string
	var ended sql.NullString
	err := row.Scan(&a.ID, &a.ComplaintID, &a.AuthorityID, &current, &a.Reason, &a.Score, &a.AssignedBy, &assignedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.IsCurrent = current == 1
	if a.AssignedAt, err = parseTime(assignedAt); err != nil {
		return a, err
	}
	a.EndedAt, err = parseNullTime(ended)
	return a, err
}

// AssignmentLog implements routing.Assignments on top of q.
type AssignmentLog struct {
	Q Querier
}

func (l AssignmentLog) Current(ctx context.Context, complaintID string) (domain.Assignment, error) {
	a, err := scanAssignment(l.Q.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE complaint_id=? AND is_current=1`, complaintID))
	if errors.Is(err, ErrNotFound) {
		return a, domain.NotFoundError("current assignment for complaint", complaintID)
	}
	return a, err
}

// Record ends the current assignment, if any, and inserts a as current.
func (l AssignmentLog) Record(ctx context.Context, a domain.Assignment) error {
	if _, err := l.Q.ExecContext(ctx, `UPDATE assignments SET is_current=0, ended_at=? WHERE complaint_id=? AND is_current=1`,
		formatTime(a.AssignedAt), a.ComplaintID); err != nil {
		return err
	}
	_, err := l.Q.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,1,?,?,?,?,NULL)`,
		a.ID, a.ComplaintID, a.AuthorityID, a.Reason, a.Score, a.AssignedBy, formatTime(a.AssignedAt))
	return err
}

// ListAssignments returns a complaint's assignment history, oldest first.
func (r Repo) ListAssignments(ctx context.Context, complaintID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE complaint_id=? ORDER BY assigned_at ASC, rowid ASC`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
