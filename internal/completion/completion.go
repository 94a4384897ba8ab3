// Package completion is the port to the language-model completion service.
package completion

import (
	"context"

	"github.com/pentanotes/assist/internal/catalog"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Invocation is a capability call requested by the model.
type Invocation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// InvocationResult carries a capability's output back to the model.
type InvocationResult struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part holds exactly one of Text, Call, or Result.
type Part struct {
	Text   string            `json:"text,omitempty"`
	Call   *Invocation       `json:"call,omitempty"`
	Result *InvocationResult `json:"result,omitempty"`
}

// Turn is one entry of the transcript.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText builds a plain user turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// ModelText builds a plain model turn.
func ModelText(text string) Turn {
	return Turn{Role: RoleModel, Parts: []Part{{Text: text}}}
}

// Request is one completion call.
type Request struct {
	Transcript []Turn
	Catalog    *catalog.Catalog
	System     string
}

// Response is either a set of capability calls or final text.
type Response struct {
	Calls []Invocation
	Text  string
}

// Client sends transcripts to the completion service.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
