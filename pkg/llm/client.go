// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/resilience"
)

// ErrNotConfigured is returned by NewClient when the inference endpoint is missing.
var ErrNotConfigured = errors.New("llm: base_url and model must be configured")

// Client defines the interface for an LLM client.
type Client interface {
	// Complete sends a single user prompt and returns the full completion text.
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

type deepseekClient struct {
	cfg    config.LLMConfig
	client *http.Client
	policy resilience.Policy
}

// NewClient creates a new LLM client, or ErrNotConfigured.
func NewClient(cfg config.LLMConfig) (Client, error) {
	if cfg.BaseURL == "" || cfg.Model == "" {
		return nil, ErrNotConfigured
	}
	return &deepseekClient{
		cfg:    cfg,
		client: &http.Client{},
		policy: resilience.InferencePolicy,
	}, nil
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete calls the chat completions API with the inference timeout and retry policy.
func (c *deepseekClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: []Message{{Role: "user", Content: prompt}},
		Stream:   false,
	}
	if maxTokens <= 0 {
		maxTokens = c.cfg.Generation.MaxTokens
	}
	if maxTokens > 0 {
		reqBody.MaxTokens = &maxTokens
	}
	if temperature >= 0 {
		reqBody.Temperature = &temperature
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	return resilience.Call(ctx, c.policy, "llm.complete", func(ctx context.Context) (string, error) {
		return c.do(ctx, reqBytes)
	})
}

func (c *deepseekClient) do(ctx context.Context, reqBytes []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errs.Transient("llm.complete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", errs.Transient("llm.complete", cause)
		}
		return "", errs.Validation("llm.complete", cause.Error())
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errs.Transient("llm.complete", fmt.Errorf("failed to decode chat response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", errs.Internal("llm.complete", errors.New("chat api returned no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// StripCodeFence removes a surrounding ``` or ```json fence that models often
// wrap around JSON output, and trims anything outside the outermost braces.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			first := strings.TrimSpace(s[:nl])
			if first == "" || !strings.ContainsAny(first, "{[") {
				s = s[nl+1:]
			}
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.TrimSpace(s)

	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return s
	}
	closer := byte('}')
	if s[open] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < open {
		return s
	}
	return s[open : end+1]
}
