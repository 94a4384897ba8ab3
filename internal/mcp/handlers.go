package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ops"
)

// Tool definitions.
var (
	chatToolDef = mcp.NewTool("assist_chat",
		mcp.WithDescription("Send one message to the notes assistant. Modifying requests return a request_id that assist_revert can undo."),
		mcp.WithString("message", mcp.Required(), mcp.Description("What the user asked for")),
		mcp.WithNumber("user_id", mcp.Required(), mcp.Description("Positive user id; scopes memory and undo")),
		mcp.WithString("token", mcp.Description("Notes API bearer token; defaults to the configured backend_token")),
		mcp.WithString("context", mcp.Description("Extra grounding appended to the system instruction")),
	)

	revertToolDef = mcp.NewTool("assist_revert",
		mcp.WithDescription("Undo every change one request made. Omit request_id to undo the user's latest request."),
		mcp.WithString("request_id", mcp.Description("Request to undo")),
		mcp.WithNumber("user_id", mcp.Required(), mcp.Description("Owner of the request")),
		mcp.WithString("token", mcp.Description("Notes API bearer token; defaults to the configured backend_token")),
	)

	statusToolDef = mcp.NewTool("assist_status",
		mcp.WithDescription("Report whether a request is still revertable."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request to inspect")),
		mcp.WithNumber("user_id", mcp.Required(), mcp.Description("Owner of the request")),
	)

	clearHistoryToolDef = mcp.NewTool("assist_clear_history",
		mcp.WithDescription("Forget the user's conversation history. Undo records are kept."),
		mcp.WithNumber("user_id", mcp.Required(), mcp.Description("User whose history is cleared")),
	)
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	svc          *ops.Service
	defaultToken string
}

// NewHandlers creates a new Handlers instance. defaultToken is used when a
// call carries no token of its own.
func NewHandlers(svc *ops.Service, defaultToken string) *Handlers {
	return &Handlers{svc: svc, defaultToken: defaultToken}
}

// ChatRequest represents the arguments for assist_chat.
type ChatRequest struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id"`
	Token   string `json:"token,omitempty"`
	Context string `json:"context,omitempty"`
}

// RevertRequest represents the arguments for assist_revert.
type RevertRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    int64  `json:"user_id"`
	Token     string `json:"token,omitempty"`
}

// StatusRequest represents the arguments for assist_status.
type StatusRequest struct {
	RequestID string `json:"request_id"`
	UserID    int64  `json:"user_id"`
}

// ClearHistoryRequest represents the arguments for assist_clear_history.
type ClearHistoryRequest struct {
	UserID int64 `json:"user_id"`
}

func (h *Handlers) token(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return h.defaultToken
}

// HandleChat handles the assist_chat tool.
func (h *Handlers) HandleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[ChatRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	out, err := h.svc.Chat(ctx, ops.ChatInput{
		Message:   args.Message,
		UserID:    args.UserID,
		Token:     h.token(args.Token),
		Grounding: args.Context,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(out)
}

// HandleRevert handles the assist_revert tool. Partial and total failures
// are error results carrying the per-action failures.
func (h *Handlers) HandleRevert(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[RevertRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	res, err := h.svc.Revert(ctx, ops.RevertInput{
		RequestID: args.RequestID,
		UserID:    args.UserID,
		Token:     h.token(args.Token),
	})
	if err != nil {
		return errorResult(err), nil
	}
	if err := res.Err(); err != nil {
		if aErr, ok := errors.As(err); ok && len(res.Degraded) > 0 {
			aErr.Details["degraded"] = res.Degraded
		}
		return errorResult(err), nil
	}

	return successResult(res)
}

// HandleStatus handles the assist_status tool.
func (h *Handlers) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[StatusRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	view, err := h.svc.Status(ctx, ops.StatusInput{RequestID: args.RequestID, UserID: args.UserID})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(view)
}

// HandleClearHistory handles the assist_clear_history tool.
func (h *Handlers) HandleClearHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := decode[ClearHistoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.svc.ClearHistory(ctx, ops.ClearHistoryInput{UserID: args.UserID}); err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"cleared": true, "user_id": args.UserID})
}

// errorResult creates an MCP error result from an error.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if aErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    aErr.Code,
			"message": aErr.Message,
			"status":  aErr.Status,
		}
		// Internal errors can carry file paths or SQL text.
		if aErr.Code == errors.ErrInternal {
			errorObj["message"] = "an internal error occurred"
		} else if aErr.Details != nil {
			errorObj["details"] = aErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
