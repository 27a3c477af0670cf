package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Response is the raw outcome of one successful underlying call.
type Response struct {
	Text         string
	InputTokens  int // provider-reported, 0 when unknown
	OutputTokens int // provider-reported, 0 when unknown
}

// Executor performs exactly one external call with the given key.
// Failures should be *CallError values; anything else is classified with Classify.
type Executor interface {
	Invoke(ctx context.Context, key string, p Payload) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, key string, p Payload) (*Response, error)

func (f ExecutorFunc) Invoke(ctx context.Context, key string, p Payload) (*Response, error) {
	return f(ctx, key, p)
}

// GenAIExecutor calls Gemini through google.golang.org/genai. Every call gets a
// fresh client bound to its key, so a rotated-away key never leaks into a later call.
type GenAIExecutor struct {
	cfg generateConfig
	log *slog.Logger
}

// NewGenAIExecutor returns an executor that logs with log (nil → slog.Default()).
func NewGenAIExecutor(log *slog.Logger, opts ...GenerateOption) *GenAIExecutor {
	if log == nil {
		log = slog.Default()
	}
	cfg := defaultGenerateConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &GenAIExecutor{cfg: cfg, log: log}
}

// Model returns the configured model name.
func (g *GenAIExecutor) Model() string { return g.cfg.ModelName }

func (g *GenAIExecutor) newSession(ctx context.Context, key string) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	}
	if g.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.BaseURL}
	}
	return genai.NewClient(ctx, cc)
}

// Invoke implements Executor.
func (g *GenAIExecutor) Invoke(ctx context.Context, key string, p Payload) (*Response, error) {
	contents, err := toContents(p)
	if err != nil {
		return nil, classified(Rejected, err)
	}

	client, err := g.newSession(ctx, key)
	if err != nil {
		return nil, classified(Rejected, fmt.Errorf("%w: create session: %v", ErrConfiguration, err))
	}

	config := &genai.GenerateContentConfig{
		CandidateCount:  1,
		MaxOutputTokens: int32(g.cfg.MaxOutputTokens),
		Temperature:     g.cfg.Temperature,
	}

	g.log.Debug("Generating content", "model", g.cfg.ModelName, "key", Prefix(key), "parts", len(p.Parts))
	resp, err := client.Models.GenerateContent(ctx, g.cfg.ModelName, contents, config)
	if err != nil {
		class := Classify(err)
		g.log.Debug("Generate failed", "key", Prefix(key), "class", class, "error", err)
		return nil, classified(class, err)
	}

	text := responseText(resp)
	if text == "" {
		return nil, classified(Empty, ErrNoContent)
	}

	out := &Response{Text: text}
	if um := resp.UsageMetadata; um != nil {
		out.InputTokens = int(um.PromptTokenCount)
		out.OutputTokens = int(um.CandidatesTokenCount)
	}
	g.log.Debug("Generated content successfully", "key", Prefix(key), "response_length", len(text))
	return out, nil
}

// toContents converts a payload into a single user turn.
func toContents(p Payload) ([]*genai.Content, error) {
	var parts []*genai.Part
	for _, part := range p.Parts {
		if part == nil {
			continue
		}
		switch part.Type {
		case PartText:
			if part.Text != "" {
				parts = append(parts, genai.NewPartFromText(part.Text))
			}
		case PartImage:
			if len(part.Data) == 0 {
				continue
			}
			mime := part.MimeType
			if mime == "" {
				mime = detectMIME(part.Data)
			}
			parts = append(parts, genai.NewPartFromBytes(part.Data, mime))
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrConfiguration)
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
