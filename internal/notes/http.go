package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pentanotes/assist/internal/errors"
)

// maxErrorBody caps how much of a failed response is copied into the error.
const maxErrorBody = 4 << 10

// HTTPBackend calls the notes REST API over HTTP with a bearer token.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend returns a backend rooted at baseURL (scheme, host, and port).
// A nil client gets a 30 second timeout.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Send implements Backend.
func (b *HTTPBackend) Send(ctx context.Context, r Request) (*Envelope, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	var body io.Reader
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("encode request body: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, b.baseURL+r.Path, body)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.NewBackend(0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, errors.NewBackend(resp.StatusCode, errorText(text))
	}

	env := &Envelope{}
	if err := json.NewDecoder(resp.Body).Decode(env); err != nil {
		if err == io.EOF {
			return &Envelope{Success: true}, nil
		}
		return nil, errors.NewBackend(resp.StatusCode, fmt.Sprintf("invalid response body: %v", err))
	}
	return env, nil
}

// errorText prefers the envelope message and falls back to the raw body.
func errorText(body []byte) string {
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response"
	}
	return text
}
