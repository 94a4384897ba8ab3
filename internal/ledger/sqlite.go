package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/pentanotes/assist/internal/db"
	"github.com/pentanotes/assist/internal/errors"
)

// SQLiteStore keeps records in the action_records and executed_actions tables.
// Expired rows stay until PurgeExpired runs; see Sweeper.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore returns a store over an initialized database (see db.Init).
func NewSQLiteStore(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sqlDB}
}

// CreateRequest implements Store.
func (s *SQLiteStore) CreateRequest(ctx context.Context, requestID string, userID int64, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_records (request_id, user_id, status, running, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, requestID, userID, string(StatusCompleted), createdAt.UnixMilli())
	if err != nil {
		if db.IsUniqueConstraintError(err) {
			return errors.NewConflict("request already exists: " + requestID)
		}
		return errors.NewInternal(err)
	}
	return nil
}

// AppendAction implements Store. The next sequence number and the insert
// share one transaction.
func (s *SQLiteStore) AppendAction(ctx context.Context, requestID string, userID int64, action Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return errors.NewInternal(err)
	}

	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM action_records WHERE request_id = ? AND user_id = ?`,
			requestID, userID).Scan(&exists)
		if stderrors.Is(err, sql.ErrNoRows) {
			return ErrRecordMissing
		}
		if err != nil {
			return err
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), -1) + 1 FROM executed_actions WHERE request_id = ?`,
			requestID).Scan(&seq); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO executed_actions (request_id, seq, capability, action_json)
			VALUES (?, ?, ?, ?)
		`, requestID, seq, action.Capability, string(data))
		return err
	})
	if stderrors.Is(err, ErrRecordMissing) {
		return err
	}
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetByID implements Store. Returns nil, nil when no record matches.
func (s *SQLiteStore) GetByID(ctx context.Context, requestID string, userID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, user_id, status, running, reverting, error_message, reverted_at, created_at
		FROM action_records
		WHERE request_id = ? AND user_id = ?
	`, requestID, userID)

	rec, err := scanRecord(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	if rec.Actions, err = s.loadActions(ctx, requestID); err != nil {
		return nil, errors.NewInternal(err)
	}
	return rec, nil
}

// GetLatest implements Store.
func (s *SQLiteStore) GetLatest(ctx context.Context, userID int64, notBefore time.Time) (*Record, error) {
	var requestID string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.request_id
		FROM action_records r
		WHERE r.user_id = ?
		  AND r.status = ?
		  AND r.running = 0
		  AND r.created_at >= ?
		  AND EXISTS (SELECT 1 FROM executed_actions a WHERE a.request_id = r.request_id)
		ORDER BY r.created_at DESC, r.request_id DESC
		LIMIT 1
	`, userID, string(StatusCompleted), notBefore.UnixMilli()).Scan(&requestID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return s.GetByID(ctx, requestID, userID)
}

// FinishRun implements Store.
func (s *SQLiteStore) FinishRun(ctx context.Context, requestID string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_records SET running = 0 WHERE request_id = ? AND user_id = ?`,
		requestID, userID)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(res)
}

// ClaimRevert implements Store.
func (s *SQLiteStore) ClaimRevert(ctx context.Context, requestID string, userID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET reverting = 1
		WHERE request_id = ? AND user_id = ? AND status = ? AND running = 0 AND reverting = 0
	`, requestID, userID, string(StatusCompleted))
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.conditionalResult(ctx, res, requestID, userID)
}

// ReleaseRevert implements Store.
func (s *SQLiteStore) ReleaseRevert(ctx context.Context, requestID string, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_records SET reverting = 0 WHERE request_id = ? AND user_id = ?`,
		requestID, userID)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(res)
}

// MarkReverted implements Store.
func (s *SQLiteStore) MarkReverted(ctx context.Context, requestID string, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET status = ?, reverted_at = ?, reverting = 0
		WHERE request_id = ? AND user_id = ? AND status = ? AND running = 0
	`, string(StatusReverted), at.UnixMilli(), requestID, userID, string(StatusCompleted))
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.conditionalResult(ctx, res, requestID, userID)
}

// MarkFailed implements Store. Also clears the running flag.
func (s *SQLiteStore) MarkFailed(ctx context.Context, requestID string, userID int64, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_records
		SET status = ?, error_message = ?, running = 0
		WHERE request_id = ? AND user_id = ? AND status = ?
	`, string(StatusFailed), db.ToNullString(&message), requestID, userID, string(StatusCompleted))
	if err != nil {
		return errors.NewInternal(err)
	}
	return s.conditionalResult(ctx, res, requestID, userID)
}

// PurgeExpired implements Store.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixMilli()
	var purged int64

	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM executed_actions
			WHERE request_id IN (SELECT request_id FROM action_records WHERE created_at < ?)
		`, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM action_records WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(purged), nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (s *SQLiteStore) Close() error {
	return nil
}

func (s *SQLiteStore) loadActions(ctx context.Context, requestID string) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_json FROM executed_actions WHERE request_id = ? ORDER BY seq ASC`,
		requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []Action{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var a Action
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// conditionalResult tells a missing record apart from a failed condition.
func (s *SQLiteStore) conditionalResult(ctx context.Context, res sql.Result, requestID string, userID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM action_records WHERE request_id = ? AND user_id = ?`,
		requestID, userID).Scan(&exists)
	if stderrors.Is(err, sql.ErrNoRows) {
		return ErrRecordMissing
	}
	if err != nil {
		return errors.NewInternal(err)
	}
	return ErrNotCompleted
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return ErrRecordMissing
	}
	return nil
}

// scanRecord scans a single row into a Record without actions.
func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec        Record
		status     string
		running    int
		reverting  int
		errMsg     sql.NullString
		revertedAt sql.NullInt64
		createdAt  int64
	)
	if err := row.Scan(&rec.RequestID, &rec.UserID, &status, &running, &reverting, &errMsg, &revertedAt, &createdAt); err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.Running = running != 0
	rec.Reverting = reverting != 0
	if msg := db.FromNullString(errMsg); msg != nil {
		rec.ErrorMessage = *msg
	}
	if revertedAt.Valid {
		t := time.UnixMilli(revertedAt.Int64).UTC()
		rec.RevertedAt = &t
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}
