// Package conversation keeps the last few exchanges per user so follow-up
// messages have context.
package conversation

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/db"
	"github.com/pentanotes/assist/internal/errors"
)

// Defaults.
const (
	DefaultMaxPairs  = 5
	DefaultRetention = 30 * time.Minute
)

// Store is conversation memory over the conversation_turns table.
type Store struct {
	db        *sql.DB
	maxPairs  int
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxPairs sets how many user/model pairs are kept per user.
func WithMaxPairs(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxPairs = n
		}
	}
}

// WithRetention sets how long a turn is remembered.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store over an initialized database.
func New(sqlDB *sql.DB, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:        sqlDB,
		maxPairs:  DefaultMaxPairs,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger.Named("conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) cutoff() int64 {
	return s.now().Add(-s.retention).UnixMilli()
}

// History returns the user's remembered turns, oldest first.
func (s *Store) History(ctx context.Context, userID int64) ([]completion.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text FROM (
		  SELECT id, role, text
		  FROM conversation_turns
		  WHERE user_id = ? AND created_at >= ?
		  ORDER BY id DESC
		  LIMIT ?
		) ORDER BY id ASC
	`, userID, s.cutoff(), s.maxPairs*2)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	turns := []completion.Turn{}
	for rows.Next() {
		var role, text string
		if err := rows.Scan(&role, &text); err != nil {
			return nil, errors.NewInternal(err)
		}
		turns = append(turns, completion.Turn{
			Role:  completion.Role(role),
			Parts: []completion.Part{{Text: text}},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return turns, nil
}

// Append stores one exchange and drops turns beyond the per-user limit.
func (s *Store) Append(ctx context.Context, userID int64, message, reply string) error {
	now := s.now().UnixMilli()
	err := db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, t := range []struct {
			role completion.Role
			text string
		}{
			{completion.RoleUser, message},
			{completion.RoleModel, reply},
		} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO conversation_turns (user_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
				userID, string(t.role), t.text, now); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_turns
			WHERE user_id = ? AND id NOT IN (
			  SELECT id FROM conversation_turns WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)
		`, userID, userID, s.maxPairs*2)
		return err
	})
	if err != nil {
		s.logger.Error("failed to save conversation", zap.Int64("user_id", userID), zap.Error(err))
		return errors.NewInternal(err)
	}
	s.logger.Debug("conversation saved", zap.Int64("user_id", userID))
	return nil
}

// Clear forgets everything for the user.
func (s *Store) Clear(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE user_id = ?`, userID); err != nil {
		return errors.NewInternal(err)
	}
	s.logger.Info("conversation cleared", zap.Int64("user_id", userID))
	return nil
}

// Purge deletes turns past retention for every user.
func (s *Store) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE created_at < ?`, s.cutoff())
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}
