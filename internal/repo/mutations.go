package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"riskline/internal/domain"
)

// EnqueueMutation stores a client mutation. The mutation id is the primary
// key, so a replayed enqueue is a no-op; the bool reports whether the row
// was newly inserted.
func (r Repo) EnqueueMutation(ctx context.Context, m domain.OfflineMutation) (bool, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal mutation payload: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO offline_mutations(mutation_id,session_id,seq,payload_json,queued_at) VALUES (?,?,?,?,?)`,
		m.ID, m.SessionID, m.Seq, string(payload), m.QueuedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PendingMutations returns unapplied mutations for a session with a sequence
// number above the cursor, in sequence order.
func (r Repo) PendingMutations(ctx context.Context, sessionID string, afterSeq int64) ([]domain.OfflineMutation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT mutation_id,session_id,seq,payload_json,queued_at
FROM offline_mutations WHERE session_id=? AND seq>? AND applied=0 ORDER BY seq`, sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OfflineMutation
	for rows.Next() {
		var m domain.OfflineMutation
		var payloadJSON string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &payloadJSON, &m.QueuedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
			return nil, fmt.Errorf("decode mutation payload %s: %w", m.ID, err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) MarkMutationAppliedTx(ctx context.Context, tx *sql.Tx, mutationID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE offline_mutations SET applied=1 WHERE mutation_id=?`, mutationID)
	return err
}

// SyncCursor returns the last applied sequence number for a session, zero
// when reconciliation has not run yet.
func (r Repo) SyncCursor(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_applied_seq FROM sync_cursors WHERE session_id=?`, sessionID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (r Repo) SetSyncCursorTx(ctx context.Context, tx *sql.Tx, sessionID string, seq int64, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_cursors(session_id,last_applied_seq,updated_at) VALUES (?,?,?)
ON CONFLICT(session_id) DO UPDATE SET last_applied_seq=excluded.last_applied_seq, updated_at=excluded.updated_at`,
		sessionID, seq, now)
	return err
}
