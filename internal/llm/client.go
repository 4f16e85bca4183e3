package llm

import (
	"context"
	"time"
)

// Client defines the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Request is one structured completion request.
type Request struct {
	// System overrides the provider's default system prompt.
	System string
	Prompt string
	// Schema is a JSON example of the object the model must return.
	Schema    string
	MaxTokens int
}

// Response contains the raw completion text with any markdown wrapper removed.
type Response struct {
	Content string
	Cached  bool
}

// Config holds configuration for the LLM clients.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	MaxRetries  int
	RetryDelay  time.Duration
	CallTimeout time.Duration
	CacheTTL    time.Duration
	RateLimit   int
	Temperature float64
	MaxTokens   int
}

const defaultSystemPrompt = "You are a customs and tax classification assistant. You MUST respond with ONLY a valid JSON object. Do not include any explanatory text, markdown formatting, or commentary before or after the JSON. Start your response directly with { and end with }."

func systemPrompt(req Request) string {
	if req.System != "" {
		return req.System
	}
	return defaultSystemPrompt
}

func userPrompt(req Request) string {
	if req.Schema == "" {
		return req.Prompt
	}
	return req.Prompt + "\n\nRespond with JSON matching this shape:\n" + req.Schema
}
