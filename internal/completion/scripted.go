package completion

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a Client that replays canned responses in order. After the
// script runs out it returns Repeat if set, otherwise an error. Used for
// offline runs and tests.
type Scripted struct {
	mu        sync.Mutex
	responses []*Response
	Repeat    *Response
	Err       error
	requests  []Request
}

// NewScripted returns a client that answers with responses in order.
func NewScripted(responses ...*Response) *Scripted {
	return &Scripted{responses: responses}
}

// Calls returns a response holding one capability call.
func Calls(name string, args map[string]any) *Response {
	return &Response{Calls: []Invocation{{Name: name, Args: args}}}
}

// Text returns a final text response.
func Text(text string) *Response {
	return &Response{Text: text}
}

// Complete implements Client.
func (s *Scripted) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	transcript := append([]Turn(nil), req.Transcript...)
	req.Transcript = transcript
	s.requests = append(s.requests, req)

	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.responses) > 0 {
		next := s.responses[0]
		s.responses = s.responses[1:]
		return next, nil
	}
	if s.Repeat != nil {
		return s.Repeat, nil
	}
	return nil, fmt.Errorf("scripted completion exhausted after %d calls", len(s.requests))
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
