package completion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/pentanotes/assist/internal/errors"
)

// Gemini implements Client with the Google GenAI SDK.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGemini creates a Gemini client. timeout bounds each call; 0 disables it.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger.Named("completion"),
	}, nil
}

// Complete implements Client.
func (g *Gemini) Complete(ctx context.Context, req Request) (*Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Catalog != nil {
		cfg.Tools = req.Catalog.ToCompletionFormat()
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, ToContents(req.Transcript), cfg)
	if err != nil {
		g.logger.Warn("generate content failed", zap.String("model", g.model), zap.Error(err))
		return nil, errors.NewCompletion(err)
	}
	g.logger.Debug("generate content",
		zap.String("model", g.model),
		zap.Int("turns", len(req.Transcript)),
		zap.Duration("elapsed", time.Since(start)))

	return FromResponse(resp), nil
}

// ToContents converts a transcript to GenAI contents.
func ToContents(transcript []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(transcript))
	for _, turn := range transcript {
		parts := make([]*genai.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			switch {
			case p.Call != nil:
				parts = append(parts, genai.NewPartFromFunctionCall(p.Call.Name, p.Call.Args))
			case p.Result != nil:
				parts = append(parts, genai.NewPartFromFunctionResponse(p.Result.Name, p.Result.Response))
			default:
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.Role(turn.Role)))
	}
	return contents
}

// FromResponse extracts capability calls, or the text when there are none.
func FromResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}
	if resp == nil {
		return out
	}
	for _, fc := range resp.FunctionCalls() {
		if fc == nil {
			continue
		}
		out.Calls = append(out.Calls, Invocation{Name: fc.Name, Args: fc.Args})
	}
	if len(out.Calls) == 0 {
		out.Text = resp.Text()
	}
	return out
}
