package ops

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/orchestrator"
)

// ChatInput contains parameters for the Chat operation.
type ChatInput struct {
	Message   string
	UserID    int64
	Token     string
	Grounding string // optional context appended to the system instruction
}

// ChatOutput contains the result of the Chat operation.
type ChatOutput struct {
	Reply     string                   `json:"reply"`
	Changed   []string                 `json:"changed,omitempty"`
	RequestID string                   `json:"requestId,omitempty"`
	Degraded  []capability.Degradation `json:"degraded,omitempty"`
}

// Validate checks the input.
func (in ChatInput) Validate() []FieldError {
	var fields []FieldError
	msg := strings.TrimSpace(in.Message)
	switch {
	case msg == "":
		fields = append(fields, FieldError{Field: "message", Message: "Message cannot be empty"})
	case utf8.RuneCountInString(in.Message) > MaxMessageLength:
		fields = append(fields, FieldError{Field: "message", Message: "Message is too long"})
	}
	return append(fields, checkUserID(in.UserID)...)
}

// Chat runs one message with the user's recent history and remembers the
// exchange.
func (s *Service) Chat(ctx context.Context, in ChatInput) (*ChatOutput, error) {
	if fields := in.Validate(); len(fields) > 0 {
		return nil, validationError(fields)
	}

	var history []completion.Turn
	if s.memory != nil {
		h, err := s.memory.History(ctx, in.UserID)
		if err != nil {
			s.logger.Warn("conversation history unavailable", zap.Int64("user_id", in.UserID), zap.Error(err))
		}
		history = h
	}

	out, err := s.runner.Run(ctx, orchestrator.Input{
		History:   history,
		Message:   in.Message,
		Grounding: in.Grounding,
		Auth:      capability.Auth{Token: in.Token},
		UserID:    in.UserID,
	})
	if err != nil {
		return nil, err
	}

	if s.memory != nil {
		if err := s.memory.Append(ctx, in.UserID, in.Message, out.Text); err != nil {
			s.logger.Warn("conversation not saved", zap.Int64("user_id", in.UserID), zap.Error(err))
		}
	}

	return &ChatOutput{
		Reply:     out.Text,
		Changed:   out.Changed,
		RequestID: out.RequestID,
		Degraded:  out.Degraded,
	}, nil
}
