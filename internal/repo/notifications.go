package repo

import (
	"context"
	"database/sql"
)

// StopWorkNotification is an outbox row. The (session_id, stop_work_at)
// primary key is the dedup key guaranteeing at-most-once delivery requests.
type StopWorkNotification struct {
	SessionID   string
	StopWorkAt  string
	Reason      string
	RequestedAt string
	DeliveredAt *string
	Attempts    int
}

// RequestStopWorkNotificationTx inserts the outbox row; replays hit the
// primary key and insert nothing. Returns whether the request is new.
func (r Repo) RequestStopWorkNotificationTx(ctx context.Context, tx *sql.Tx, sessionID, stopWorkAt, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stop_work_notifications(session_id,stop_work_at,reason,requested_at) VALUES (?,?,?,?)`,
		sessionID, stopWorkAt, reason, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) PendingStopWorkNotifications(ctx context.Context, limit int) ([]StopWorkNotification, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,stop_work_at,reason,requested_at,delivered_at,attempts
FROM stop_work_notifications WHERE delivered_at IS NULL ORDER BY requested_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StopWorkNotification
	for rows.Next() {
		var n StopWorkNotification
		var delivered sql.NullString
		if err := rows.Scan(&n.SessionID, &n.StopWorkAt, &n.Reason, &n.RequestedAt, &delivered, &n.Attempts); err != nil {
			return nil, err
		}
		n.DeliveredAt = ptrFromNull(delivered)
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkStopWorkNotificationDelivered(ctx context.Context, sessionID, stopWorkAt, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stop_work_notifications SET delivered_at=?, attempts=attempts+1 WHERE session_id=? AND stop_work_at=?`,
		now, sessionID, stopWorkAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RecordStopWorkNotificationAttempt(ctx context.Context, sessionID, stopWorkAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE stop_work_notifications SET attempts=attempts+1 WHERE session_id=? AND stop_work_at=?`,
		sessionID, stopWorkAt)
	return err
}

// StopWorkNotificationCount supports idempotency assertions in tests and
// reporting surfaces.
func (r Repo) StopWorkNotificationCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stop_work_notifications WHERE session_id=?`, sessionID).Scan(&n)
	return n, err
}
