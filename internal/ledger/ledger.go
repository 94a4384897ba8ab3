// Package ledger records, per request, every modifying capability call with
// enough information to undo it. Records expire after a fixed retention window.
package ledger

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/errors"
)

// DefaultRetention is how long a record lives after creation.
const DefaultRetention = 30 * time.Minute

// Status of an ActionRecord. Reverted and Failed are terminal.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusReverted  Status = "reverted"
	StatusFailed    Status = "failed"
)

// InverseKind names what an inverse operation does.
type InverseKind string

const (
	InverseCreate InverseKind = "create"
	InverseUpdate InverseKind = "update"
	InverseDelete InverseKind = "delete"
)

// Snapshot is the state of one entity around a capability call.
type Snapshot struct {
	Kind     string         `json:"entityType" bson:"entityType"`
	EntityID int64          `json:"entityId" bson:"entityId"`
	Before   map[string]any `json:"beforeSnapshot,omitempty" bson:"beforeSnapshot,omitempty"`
	After    map[string]any `json:"afterSnapshot,omitempty" bson:"afterSnapshot,omitempty"`
}

// Inverse is a backend call that undoes one capability call.
type Inverse struct {
	Kind     InverseKind    `json:"operationType" bson:"operationType"`
	Path     string         `json:"endpoint" bson:"endpoint"`
	Method   string         `json:"method" bson:"method"`
	Payload  map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	EntityID int64          `json:"entityId,omitempty" bson:"entityId,omitempty"`
}

// Action is one executed modifying capability call.
type Action struct {
	Capability string         `json:"toolName" bson:"toolName"`
	Args       map[string]any `json:"args" bson:"args"`
	Result     map[string]any `json:"result,omitempty" bson:"result,omitempty"`
	Snapshots  []Snapshot     `json:"entitySnapshots" bson:"entitySnapshots"`
	Inverses   []Inverse      `json:"inverseOperations" bson:"inverseOperations"`
	ExecutedAt time.Time      `json:"executedAt" bson:"executedAt"`
}

// Record is everything one request did.
type Record struct {
	RequestID    string     `json:"requestId" bson:"requestId"`
	UserID       int64      `json:"userId" bson:"userId"`
	Status       Status     `json:"status" bson:"status"`
	Running      bool       `json:"running" bson:"running"`
	Reverting    bool       `json:"reverting" bson:"reverting"`
	Actions      []Action   `json:"actions" bson:"actions"`
	ErrorMessage string     `json:"errorMessage,omitempty" bson:"errorMessage,omitempty"`
	RevertedAt   *time.Time `json:"revertedAt,omitempty" bson:"revertedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" bson:"createdAt"`
}

// Store errors.
var (
	// ErrRecordMissing is returned when no record matches (requestID, userID).
	ErrRecordMissing = &errors.AssistError{
		Code:    errors.ErrNotFound,
		Status:  404,
		Message: "action record not found",
	}

	// ErrNotCompleted is returned by a terminal transition on a record that is
	// no longer completed, or is still running.
	ErrNotCompleted = &errors.AssistError{
		Code:    errors.ErrConflict,
		Status:  409,
		Message: "action record is not in completed state",
	}
)

// Store persists action records. Implementations must make the terminal
// transitions conditional on status = completed.
type Store interface {
	CreateRequest(ctx context.Context, requestID string, userID int64, createdAt time.Time) error
	AppendAction(ctx context.Context, requestID string, userID int64, action Action) error
	GetByID(ctx context.Context, requestID string, userID int64) (*Record, error)
	// GetLatest returns the newest completed, non-running record with at least
	// one action created at or after notBefore, or nil.
	GetLatest(ctx context.Context, userID int64, notBefore time.Time) (*Record, error)
	FinishRun(ctx context.Context, requestID string, userID int64) error
	// ClaimRevert sets the reverting flag on a completed, non-running record
	// that is not already claimed. ReleaseRevert clears it.
	ClaimRevert(ctx context.Context, requestID string, userID int64) error
	ReleaseRevert(ctx context.Context, requestID string, userID int64) error
	MarkReverted(ctx context.Context, requestID string, userID int64, at time.Time) error
	MarkFailed(ctx context.Context, requestID string, userID int64, message string) error
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Ledger is the action ledger service over a Store.
type Ledger struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// New returns a Ledger over store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Retention returns the record lifetime.
func (l *Ledger) Retention() time.Duration {
	return l.retention
}

func (l *Ledger) cutoff() time.Time {
	return l.now().Add(-l.retention)
}

// CreateRequest opens an empty, running record in status completed.
func (l *Ledger) CreateRequest(ctx context.Context, requestID string, userID int64) error {
	if err := l.store.CreateRequest(ctx, requestID, userID, l.now()); err != nil {
		l.logger.Error("create request failed",
			zap.String("request_id", requestID), zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	l.logger.Debug("request created", zap.String("request_id", requestID), zap.Int64("user_id", userID))
	return nil
}

// LogAction appends action to the record. A missing record is logged and
// ignored; other store errors are returned.
func (l *Ledger) LogAction(ctx context.Context, requestID string, userID int64, action Action) error {
	if action.ExecutedAt.IsZero() {
		action.ExecutedAt = l.now()
	}
	err := l.store.AppendAction(ctx, requestID, userID, action)
	if stderrors.Is(err, ErrRecordMissing) {
		l.logger.Warn("action record not found, action not logged",
			zap.String("request_id", requestID),
			zap.Int64("user_id", userID),
			zap.String("capability", action.Capability))
		return nil
	}
	if err != nil {
		return err
	}
	l.logger.Debug("action logged",
		zap.String("request_id", requestID),
		zap.String("capability", action.Capability),
		zap.Int("inverses", len(action.Inverses)))
	return nil
}

// GetByID returns the record, or nil when missing or past retention.
func (l *Ledger) GetByID(ctx context.Context, requestID string, userID int64) (*Record, error) {
	rec, err := l.store.GetByID(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.CreatedAt.Before(l.cutoff()) {
		return nil, nil
	}
	return rec, nil
}

// GetLatest returns the user's newest revertable record, or nil.
func (l *Ledger) GetLatest(ctx context.Context, userID int64) (*Record, error) {
	return l.store.GetLatest(ctx, userID, l.cutoff())
}

// FinishRun clears the running flag once the orchestration loop is done.
func (l *Ledger) FinishRun(ctx context.Context, requestID string, userID int64) error {
	return l.store.FinishRun(ctx, requestID, userID)
}

// ClaimRevert reserves the record for one revert. Only one caller wins;
// the others get CONFLICT.
func (l *Ledger) ClaimRevert(ctx context.Context, requestID string, userID int64) error {
	if err := l.store.ClaimRevert(ctx, requestID, userID); err != nil {
		return l.transitionError(err, requestID, "reverting")
	}
	l.logger.Debug("revert claimed", zap.String("request_id", requestID), zap.Int64("user_id", userID))
	return nil
}

// ReleaseRevert drops a claim taken by ClaimRevert so the record can be
// reverted again.
func (l *Ledger) ReleaseRevert(ctx context.Context, requestID string, userID int64) error {
	return l.store.ReleaseRevert(ctx, requestID, userID)
}

// MarkReverted moves a completed record to reverted and drops any claim.
func (l *Ledger) MarkReverted(ctx context.Context, requestID string, userID int64) error {
	if err := l.store.MarkReverted(ctx, requestID, userID, l.now()); err != nil {
		return l.transitionError(err, requestID, StatusReverted)
	}
	l.logger.Info("request reverted", zap.String("request_id", requestID), zap.Int64("user_id", userID))
	return nil
}

// MarkFailed moves a completed record to failed and stores message.
func (l *Ledger) MarkFailed(ctx context.Context, requestID string, userID int64, message string) error {
	if err := l.store.MarkFailed(ctx, requestID, userID, message); err != nil {
		return l.transitionError(err, requestID, StatusFailed)
	}
	l.logger.Info("request failed",
		zap.String("request_id", requestID), zap.Int64("user_id", userID), zap.String("error", message))
	return nil
}

func (l *Ledger) transitionError(err error, requestID string, to Status) error {
	if stderrors.Is(err, ErrNotCompleted) || stderrors.Is(err, ErrRecordMissing) {
		l.logger.Warn("status transition rejected",
			zap.String("request_id", requestID), zap.String("to", string(to)), zap.Error(err))
		return errors.NewConflict("request " + requestID + " cannot move to " + string(to))
	}
	return err
}

// Purge deletes every record past retention.
func (l *Ledger) Purge(ctx context.Context) (int, error) {
	n, err := l.store.PurgeExpired(ctx, l.cutoff())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("expired records purged", zap.Int("count", n))
	}
	return n, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
