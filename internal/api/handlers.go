package api

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ops"
	"github.com/pentanotes/assist/internal/revert"
)

// Handlers contains the HTTP route handlers.
type Handlers struct {
	svc     *ops.Service
	logger  *zap.Logger
	version string
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": h.version})
}

// HandleChat handles POST /mcp: one message through the assistant.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	body, fields := decodeBody(w, r)
	message := stringField(body, "message", "Message must be a string", &fields)
	userID := intField(body, "userId", "User ID", true, &fields)
	grounding := stringField(body, "context", "Context must be a string", nil)
	if len(fields) > 0 {
		renderValidation(w, fields)
		return
	}

	out, err := h.svc.Chat(r.Context(), ops.ChatInput{
		Message:   message,
		UserID:    userID,
		Token:     extractBearerToken(r),
		Grounding: grounding,
	})
	if err != nil {
		h.renderError(w, "Failed to process AI request", err)
		return
	}

	renderJSON(w, http.StatusOK, Response{
		Status:    "success",
		Message:   "AI processed the request successfully.",
		Data:      out.Reply,
		HTML:      string(renderMarkdown(out.Reply)),
		Changed:   out.Changed,
		RequestID: out.RequestID,
		Degraded:  out.Degraded,
	})
}

// HandleRevert handles POST /revert. It undoes a request, or the latest one when
// requestId is omitted.
func (h *Handlers) HandleRevert(w http.ResponseWriter, r *http.Request) {
	body, fields := decodeBody(w, r)
	requestID := ""
	if _, present := body["requestId"]; present {
		requestID = stringField(body, "requestId", "Request ID must be a string", &fields)
	}
	userID := intField(body, "userId", "User ID", true, &fields)
	if len(fields) > 0 {
		renderValidation(w, fields)
		return
	}

	res, err := h.svc.Revert(r.Context(), ops.RevertInput{
		RequestID: requestID,
		UserID:    userID,
		Token:     extractBearerToken(r),
	})
	if err != nil {
		h.renderError(w, "Failed to revert request", err)
		return
	}

	data := map[string]any{
		"requestId":          res.RequestID,
		"operationsReverted": res.OperationsReverted,
		"skipped":            res.Skipped,
	}
	switch res.Outcome {
	case revert.OutcomeReverted:
		renderJSON(w, http.StatusOK, Response{
			Status:   "success",
			Message:  res.Message,
			Data:     data,
			Degraded: res.Degraded,
		})
	case revert.OutcomePartial:
		renderJSON(w, http.StatusMultiStatus, Response{
			Status:   "partial",
			Message:  res.Message,
			Data:     data,
			Code:     string(errors.ErrRevertPartialFailure),
			Errors:   res.Errors,
			Degraded: res.Degraded,
		})
	default:
		renderJSON(w, http.StatusBadGateway, Response{
			Status:   "error",
			Message:  res.Message,
			Data:     data,
			Code:     string(errors.ErrRevertTotalFailure),
			Errors:   res.Errors,
			Degraded: res.Degraded,
		})
	}
}

// HandleStatus handles GET /status/{requestId}?userId=N.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var fields []ops.FieldError
	userID := queryUserID(r, &fields)
	if len(fields) > 0 {
		renderValidation(w, fields)
		return
	}

	view, err := h.svc.Status(r.Context(), ops.StatusInput{
		RequestID: r.PathValue("requestId"),
		UserID:    userID,
	})
	if err != nil {
		h.renderError(w, "Failed to get request status", err)
		return
	}
	renderJSON(w, http.StatusOK, view)
}

// HandleClearHistory handles DELETE /history?userId=N.
func (h *Handlers) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	var fields []ops.FieldError
	userID := queryUserID(r, &fields)
	if len(fields) > 0 {
		renderValidation(w, fields)
		return
	}

	if err := h.svc.ClearHistory(r.Context(), ops.ClearHistoryInput{UserID: userID}); err != nil {
		h.renderError(w, "Failed to clear conversation history", err)
		return
	}
	renderJSON(w, http.StatusOK, Response{Status: "success", Message: "Conversation history cleared"})
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when absent.
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func renderValidation(w http.ResponseWriter, fields []ops.FieldError) {
	renderJSON(w, http.StatusBadRequest, Response{
		Status:  "error",
		Message: "Validation failed",
		Errors:  fields,
	})
}

// decodeBody reads a JSON object body. A malformed body yields a single
// field error on "body".
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, []ops.FieldError) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return map[string]any{}, []ops.FieldError{{Field: "body", Message: "Request body too large or unreadable"}}
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		return map[string]any{}, []ops.FieldError{{Field: "body", Message: "Request body must be a JSON object"}}
	}
	return body, nil
}

// stringField reads body[key] as a string. When fields is nil the key is
// optional and a wrong type is ignored.
func stringField(body map[string]any, key, typeMsg string, fields *[]ops.FieldError) string {
	raw, present := body[key]
	if !present || raw == nil {
		if fields != nil {
			*fields = append(*fields, ops.FieldError{Field: key, Message: typeMsg})
		}
		return ""
	}
	s, ok := raw.(string)
	if !ok && fields != nil {
		*fields = append(*fields, ops.FieldError{Field: key, Message: typeMsg})
	}
	return s
}

func intField(body map[string]any, key, label string, required bool, fields *[]ops.FieldError) int64 {
	raw, present := body[key]
	if !present || raw == nil {
		if required {
			*fields = append(*fields, ops.FieldError{Field: key, Message: label + " must be a number"})
		}
		return 0
	}
	n, ok := raw.(float64)
	if !ok {
		*fields = append(*fields, ops.FieldError{Field: key, Message: label + " must be a number"})
		return 0
	}
	if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
		*fields = append(*fields, ops.FieldError{Field: key, Message: label + " must be an integer"})
		return 0
	}
	return int64(n)
}

func queryUserID(r *http.Request, fields *[]ops.FieldError) int64 {
	s := r.URL.Query().Get("userId")
	if s == "" {
		*fields = append(*fields, ops.FieldError{Field: "userId", Message: "User ID is required"})
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*fields = append(*fields, ops.FieldError{Field: "userId", Message: "User ID must be an integer"})
		return 0
	}
	return v
}
