package repo

import (
	"context"
	"database/sql"

	"civicroute/internal/domain"
)

func (r Repo) InsertStatusHistoryTx(ctx context.Context, tx *sql.Tx, h domain.StatusHistory) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO status_history(complaint_id,old_status,new_status,actor_id,reason,created_at) VALUES (?,?,?,?,?,?)`,
		h.ComplaintID, string(h.OldStatus), string(h.NewStatus), h.ActorID, nullable(h.Reason), formatTime(h.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListStatusHistory(ctx context.Context, complaintID string) ([]domain.StatusHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,complaint_id,old_status,new_status,actor_id,COALESCE(reason,''),created_at FROM status_history WHERE complaint_id=? ORDER BY id ASC`, complaintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StatusHistory{}
	for rows.Next() {
		var h domain.StatusHistory
		var created string
		if err := rows.Scan(&h.ID, &h.ComplaintID, &h.OldStatus, &h.NewStatus, &h.ActorID, &h.Reason, &created); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
