// Package ops holds the operations shared by the HTTP API, the MCP server,
// and the CLI. Each operation takes an input struct, validates it, and
// returns an output struct or an *errors.AssistError.
package ops

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/orchestrator"
	"github.com/pentanotes/assist/internal/revert"
)

// MaxMessageLength bounds a chat message.
const MaxMessageLength = 10000

// FieldError is one failed input check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validationError wraps field errors as INVALID_REQUEST with the list in
// Details["errors"].
func validationError(fields []FieldError) error {
	msgs := make([]string, len(fields))
	for i, f := range fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	e := errors.NewInvalidRequest("Validation failed: " + strings.Join(msgs, "; "))
	e.Details = map[string]any{"errors": fields}
	return e
}

// FieldErrors extracts the field list from a validation error.
func FieldErrors(err error) []FieldError {
	aErr, ok := errors.As(err)
	if !ok || aErr.Details == nil {
		return nil
	}
	fields, _ := aErr.Details["errors"].([]FieldError)
	return fields
}

func checkUserID(userID int64) []FieldError {
	if userID <= 0 {
		return []FieldError{{Field: "userId", Message: "User ID must be a positive integer"}}
	}
	return nil
}

// Runner runs one message through the completion loop.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input) (*orchestrator.Output, error)
}

// Memory is conversation memory.
type Memory interface {
	History(ctx context.Context, userID int64) ([]completion.Turn, error)
	Append(ctx context.Context, userID int64, message, reply string) error
	Clear(ctx context.Context, userID int64) error
}

// Service bundles the dependencies every operation needs.
type Service struct {
	runner   Runner
	reverter *revert.Engine
	memory   Memory
	logger   *zap.Logger
}

// New returns a Service. memory may be nil, in which case conversations are
// not remembered.
func New(runner Runner, reverter *revert.Engine, memory Memory, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runner:   runner,
		reverter: reverter,
		memory:   memory,
		logger:   logger.Named("ops"),
	}
}
