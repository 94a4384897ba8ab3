// Package revert undoes everything one request did by replaying its recorded
// inverse operations, newest first.
package revert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ledger"
	"github.com/pentanotes/assist/internal/notes"
	"github.com/pentanotes/assist/internal/telemetry"
)

// Outcome of a revert attempt.
type Outcome string

const (
	OutcomeReverted Outcome = "reverted"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
)

// StatusNotFound is reported by Status for missing or expired records.
const StatusNotFound = "not-found"

// Result reports what a revert did.
type Result struct {
	RequestID          string   `json:"requestId"`
	Success            bool     `json:"success"`
	Outcome            Outcome  `json:"outcome"`
	Message            string   `json:"message"`
	OperationsReverted int      `json:"operationsReverted"`
	Errors             []string `json:"errors"`
	Skipped            []string `json:"skipped,omitempty"`

	Degraded []capability.Degradation `json:"degraded,omitempty"`
}

// Err returns nil for a full revert and a REVERT_PARTIAL_FAILURE or
// REVERT_TOTAL_FAILURE error otherwise.
func (r *Result) Err() error {
	switch r.Outcome {
	case OutcomeReverted:
		return nil
	case OutcomePartial:
		return errors.NewRevertPartialFailure(r.OperationsReverted, r.Errors)
	default:
		return errors.NewRevertTotalFailure(r.Errors)
	}
}

// StatusView is the public state of a record.
type StatusView struct {
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	ActionCount *int       `json:"actionCount,omitempty"`
	RevertedAt  *time.Time `json:"revertedAt,omitempty"`
}

// Ledger is the part of the ledger the engine needs.
type Ledger interface {
	GetByID(ctx context.Context, requestID string, userID int64) (*ledger.Record, error)
	GetLatest(ctx context.Context, userID int64) (*ledger.Record, error)
	ClaimRevert(ctx context.Context, requestID string, userID int64) error
	ReleaseRevert(ctx context.Context, requestID string, userID int64) error
	MarkReverted(ctx context.Context, requestID string, userID int64) error
}

// Engine replays inverse operations through a notes backend.
type Engine struct {
	ledger  Ledger
	backend notes.Backend
	logger  *zap.Logger
}

// New returns an Engine.
func New(l Ledger, backend notes.Backend, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{ledger: l, backend: backend, logger: logger.Named("revert")}
}

type step struct {
	action     int
	capability string
	inverse    ledger.Inverse
}

// Revert undoes the request. Inverses run one at a time, last action first;
// a failure is collected and the remaining inverses still run. Only a full
// success moves the record to reverted. The record is claimed before any
// inverse runs, so concurrent calls for the same request replay it once.
func (e *Engine) Revert(ctx context.Context, requestID string, userID int64, auth capability.Auth) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "revert.request",
		telemetry.KeyRequestID.String(requestID),
		telemetry.KeyUserID.Int64(userID))
	defer span.End()

	if strings.TrimSpace(auth.Token) == "" {
		return nil, errors.NewUnauthorized("bearer token required")
	}

	rec, err := e.ledger.GetByID(ctx, requestID, userID)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	if rec == nil {
		return nil, errors.NewRevertNotFound(requestID)
	}
	if err := eligible(rec); err != nil {
		e.logger.Warn("revert rejected",
			zap.String("request_id", requestID), zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	if err := e.claim(ctx, requestID, userID); err != nil {
		e.logger.Warn("revert rejected",
			zap.String("request_id", requestID), zap.Int64("user_id", userID), zap.Error(err))
		telemetry.Fail(span, err)
		return nil, err
	}
	return e.replay(ctx, rec, auth), nil
}

// claim reserves the record. When another caller got there first the
// record is re-read so the loser sees why.
func (e *Engine) claim(ctx context.Context, requestID string, userID int64) error {
	err := e.ledger.ClaimRevert(ctx, requestID, userID)
	if err == nil || !errors.Is(err, errors.ErrConflict) {
		return err
	}
	rec, getErr := e.ledger.GetByID(ctx, requestID, userID)
	if getErr != nil {
		return getErr
	}
	if rec == nil {
		return errors.NewRevertNotFound(requestID)
	}
	if eErr := eligible(rec); eErr != nil {
		return eErr
	}
	return err
}

// RevertLatest reverts the user's newest revertable request.
func (e *Engine) RevertLatest(ctx context.Context, userID int64, auth capability.Auth) (*Result, error) {
	rec, err := e.ledger.GetLatest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NewRevertNotFound("latest")
	}
	return e.Revert(ctx, rec.RequestID, userID, auth)
}

func eligible(rec *ledger.Record) error {
	switch rec.Status {
	case ledger.StatusReverted:
		return errors.NewRevertAlreadyDone(rec.RequestID)
	case ledger.StatusFailed:
		return errors.NewRevertNotEligible(rec.RequestID, string(rec.Status))
	}
	if rec.Running {
		return errors.NewConflict("request " + rec.RequestID + " is still running")
	}
	if rec.Reverting {
		return errors.NewConflict("request " + rec.RequestID + " is already being reverted")
	}
	return nil
}

func (e *Engine) replay(ctx context.Context, rec *ledger.Record, auth capability.Auth) *Result {
	log := e.logger.With(zap.String("request_id", rec.RequestID), zap.Int64("user_id", rec.UserID))
	res := &Result{RequestID: rec.RequestID, Errors: []string{}}

	var steps []step
	for i, a := range rec.Actions {
		if len(a.Inverses) == 0 {
			res.Skipped = append(res.Skipped, fmt.Sprintf("Action %d (%s): no inverse operation", i, a.Capability))
			continue
		}
		for _, inv := range a.Inverses {
			steps = append(steps, step{action: i, capability: a.Capability, inverse: inv})
		}
	}

	log.Info("revert started", zap.Int("operations", len(steps)), zap.Int("skipped", len(res.Skipped)))

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		_, err := e.backend.Send(ctx, notes.Request{
			Method: s.inverse.Method,
			Path:   s.inverse.Path,
			Token:  auth.Token,
			Body:   s.inverse.Payload,
		})
		if err != nil {
			msg := fmt.Sprintf("Action %d (%s): %s", s.action, s.capability, errorText(err))
			res.Errors = append(res.Errors, msg)
			log.Warn("inverse operation failed",
				zap.Int("action", s.action),
				zap.String("capability", s.capability),
				zap.String("method", s.inverse.Method),
				zap.String("path", s.inverse.Path),
				zap.Error(err))
			continue
		}
		res.OperationsReverted++
		log.Debug("inverse operation applied",
			zap.Int("action", s.action),
			zap.String("method", s.inverse.Method),
			zap.String("path", s.inverse.Path))
	}

	// Bookkeeping writes outlive a cancelled caller.
	bookCtx := context.WithoutCancel(ctx)
	switch {
	case len(res.Errors) == 0 && res.OperationsReverted > 0:
		if err := e.ledger.MarkReverted(bookCtx, rec.RequestID, rec.UserID); err != nil {
			// The claim stays in place so a retry cannot replay the inverses.
			log.Warn("failed to mark request reverted", zap.Error(err))
			e.degrade(ctx, res, capability.LedgerWriteFailed, "mark reverted: "+err.Error())
		}
		res.Success = true
		res.Outcome = OutcomeReverted
		res.Message = fmt.Sprintf("Successfully reverted %d action(s)", res.OperationsReverted)
		log.Info("revert completed", zap.Int("operations_reverted", res.OperationsReverted))

	case res.OperationsReverted > 0:
		res.Outcome = OutcomePartial
		res.Message = fmt.Sprintf("Partially reverted: %d action(s) succeeded, %d failed",
			res.OperationsReverted, len(res.Errors))
		log.Warn("revert partially completed",
			zap.Int("operations_reverted", res.OperationsReverted), zap.Int("failed", len(res.Errors)))

	default:
		res.Outcome = OutcomeFailed
		res.Message = "Failed to revert any actions"
		if len(res.Errors) == 0 {
			res.Errors = append(res.Errors, "No revertable actions recorded")
		}
		log.Error("revert failed", zap.Strings("errors", res.Errors))
	}

	if res.Outcome != OutcomeReverted {
		if err := e.ledger.ReleaseRevert(bookCtx, rec.RequestID, rec.UserID); err != nil {
			log.Warn("failed to release revert claim", zap.Error(err))
			e.degrade(ctx, res, capability.LedgerWriteFailed, "release revert claim: "+err.Error())
		}
		telemetry.Fail(trace.SpanFromContext(ctx), res.Err())
	}
	return res
}

func (e *Engine) degrade(ctx context.Context, res *Result, kind capability.DegradationKind, detail string) {
	res.Degraded = append(res.Degraded, capability.Degradation{Kind: kind, Detail: detail})
	telemetry.RecordDegraded(ctx, string(kind), "", detail)
}

// Status reports the state of a record without changing it.
func (e *Engine) Status(ctx context.Context, requestID string, userID int64) (*StatusView, error) {
	rec, err := e.ledger.GetByID(ctx, requestID, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &StatusView{Status: StatusNotFound, Message: "Request not found"}, nil
	}
	n := len(rec.Actions)
	return &StatusView{
		Status:      string(rec.Status),
		Message:     "Request status: " + string(rec.Status),
		ActionCount: &n,
		RevertedAt:  rec.RevertedAt,
	}, nil
}

func errorText(err error) string {
	if aErr, ok := errors.As(err); ok {
		return aErr.Message
	}
	return err.Error()
}
