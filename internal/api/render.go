package api

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"
	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ops"
)

// Response is the envelope every route returns.
type Response struct {
	Status    string                   `json:"status"`
	Message   string                   `json:"message"`
	Data      any                      `json:"data,omitempty"`
	HTML      string                   `json:"html,omitempty"`
	Changed   []string                 `json:"changed,omitempty"`
	RequestID string                   `json:"requestId,omitempty"`
	Degraded  []capability.Degradation `json:"degraded,omitempty"`
	Code      string                   `json:"code,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Errors    any                      `json:"errors,omitempty"`
}

// renderJSON writes data as JSON with the given status code.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError maps err to a status code and an error envelope. Internal
// error text is never sent to the client.
func (h *Handlers) renderError(w http.ResponseWriter, message string, err error) {
	aErr, ok := errors.As(err)
	if !ok {
		aErr = errors.NewInternal(err)
	}

	if fields := ops.FieldErrors(err); fields != nil {
		renderJSON(w, http.StatusBadRequest, Response{
			Status:  "error",
			Message: "Validation failed",
			Errors:  fields,
		})
		return
	}

	resp := Response{
		Status:  "error",
		Message: message,
		Code:    string(aErr.Code),
		Error:   aErr.Message,
	}
	if aErr.Code == errors.ErrInternal {
		h.logger.Error(message, zap.Error(err))
		resp.Error = "internal error"
	}
	if failures, ok := aErr.Details["errors"].([]string); ok {
		resp.Errors = failures
	}
	renderJSON(w, aErr.Status, resp)
}

// renderMarkdown converts markdown text to HTML using goldmark. Raw HTML in
// the source is dropped.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}
