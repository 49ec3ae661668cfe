// Copyright 2025 CouncilFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openrouter implements llm.Gateway over the OpenAI-compatible
// chat completions API exposed by OpenRouter.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"councilflow/platform/orchestrator/llm"
)

const (
	// DefaultBaseURL is the default OpenRouter API endpoint
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultMaxTokens is used when the request does not set one
	DefaultMaxTokens = 4096

	providerName = "openrouter"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the OpenRouter provider
type Config struct {
	APIKey  string // Required: OpenRouter API key
	BaseURL string // Optional: API base URL (default: https://openrouter.ai/api/v1)
	Referer string // Optional: HTTP-Referer attribution header
	Title   string // Optional: X-Title attribution header
	Client  HTTPClient
}

// Provider streams chat completions from OpenRouter.
type Provider struct {
	apiKey  string
	baseURL string
	referer string
	title   string
	client  HTTPClient
}

// NewProvider creates a new OpenRouter provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Client == nil {
		// Deadlines come from the request context.
		cfg.Client = &http.Client{}
	}

	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		referer: cfg.Referer,
		title:   cfg.Title,
		client:  cfg.Client,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Usage         *usageOptions  `json:"usage,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type streamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		Cost             *float64 `json:"cost"`
	} `json:"usage"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// Query implements llm.Gateway by streaming /chat/completions.
func (p *Provider) Query(ctx context.Context, req llm.Request, handler llm.StreamHandler) (*llm.Result, error) {
	start := time.Now()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := req.Temperature

	body, err := json.Marshal(chatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   &temperature,
		MaxTokens:     maxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Usage:         &usageOptions{Include: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.ProviderError{
			Provider:  providerName,
			Code:      llm.ErrCodeUnavailable,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	result, err := processStream(ctx, resp.Body, handler, req.Model)
	if err != nil {
		return nil, err
	}
	result.Latency = time.Since(start)
	return result, nil
}

// processStream consumes the SSE body until [DONE] or EOF.
func processStream(ctx context.Context, body io.Reader, handler llm.StreamHandler, model string) (*llm.Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var content strings.Builder
	result := &llm.Result{Model: model}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := scanner.Text()
		// Blank lines separate events; lines starting with ':' are keep-alive comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		if event.Error != nil {
			return nil, &llm.ProviderError{
				Provider:  providerName,
				Code:      llm.ErrCodeStream,
				Message:   event.Error.Message,
				Retryable: true,
			}
		}
		if event.Model != "" {
			result.Model = event.Model
		}

		for _, choice := range event.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if handler != nil {
					if err := handler(llm.StreamChunk{Type: llm.ChunkToken, Content: choice.Delta.Content}); err != nil {
						return nil, fmt.Errorf("handler error: %w", err)
					}
				}
			}
			if choice.FinishReason != nil {
				result.FinishReason = *choice.FinishReason
			}
		}

		if event.Usage != nil {
			result.Usage = llm.Usage{
				InputTokens:  event.Usage.PromptTokens,
				OutputTokens: event.Usage.CompletionTokens,
			}
			if event.Usage.Cost != nil {
				result.Cost = *event.Usage.Cost
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.ProviderError{
			Provider:  providerName,
			Code:      llm.ErrCodeStream,
			Message:   "stream read error: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Content = content.String()
	return result, nil
}

// setHeaders sets the required headers for OpenRouter API requests
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.referer != "" {
		req.Header.Set("HTTP-Referer", p.referer)
	}
	if p.title != "" {
		req.Header.Set("X-Title", p.title)
	}
}

// parseAPIError parses an API error response
func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error apiError `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return llm.NewHTTPError(providerName, statusCode, message)
}
