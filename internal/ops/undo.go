package ops

import (
	"context"
	"strings"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/revert"
)

// RevertInput contains parameters for the Revert operation. An empty
// RequestID reverts the user's latest revertable request.
type RevertInput struct {
	RequestID string
	UserID    int64
	Token     string
}

// Validate checks the input.
func (in RevertInput) Validate() []FieldError {
	return checkUserID(in.UserID)
}

// Revert undoes one request. Partial and total failures come back as a
// result, not an error; use Result.Err to classify them.
func (s *Service) Revert(ctx context.Context, in RevertInput) (*revert.Result, error) {
	if fields := in.Validate(); len(fields) > 0 {
		return nil, validationError(fields)
	}
	auth := capability.Auth{Token: in.Token}
	id := strings.TrimSpace(in.RequestID)
	if id == "" {
		return s.reverter.RevertLatest(ctx, in.UserID, auth)
	}
	return s.reverter.Revert(ctx, id, in.UserID, auth)
}

// StatusInput contains parameters for the Status operation.
type StatusInput struct {
	RequestID string
	UserID    int64
}

// Validate checks the input.
func (in StatusInput) Validate() []FieldError {
	var fields []FieldError
	if strings.TrimSpace(in.RequestID) == "" {
		fields = append(fields, FieldError{Field: "requestId", Message: "Request ID is required"})
	}
	return append(fields, checkUserID(in.UserID)...)
}

// Status reports whether a request can still be reverted.
func (s *Service) Status(ctx context.Context, in StatusInput) (*revert.StatusView, error) {
	if fields := in.Validate(); len(fields) > 0 {
		return nil, validationError(fields)
	}
	return s.reverter.Status(ctx, strings.TrimSpace(in.RequestID), in.UserID)
}

// ClearHistoryInput contains parameters for the ClearHistory operation.
type ClearHistoryInput struct {
	UserID int64
}

// ClearHistory forgets the user's conversation.
func (s *Service) ClearHistory(ctx context.Context, in ClearHistoryInput) error {
	if fields := checkUserID(in.UserID); len(fields) > 0 {
		return validationError(fields)
	}
	if s.memory == nil {
		return nil
	}
	return s.memory.Clear(ctx, in.UserID)
}
