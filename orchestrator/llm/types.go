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

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat transcript sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request encapsulates all parameters for a single model query.
type Request struct {
	// Model is the model identifier resolved by the gateway
	// (e.g. "openai/gpt-4o", "bedrock/anthropic.claude-3-haiku-20240307-v1:0").
	Model string `json:"model"`

	// Messages is the chat transcript, system message first when present.
	Messages []Message `json:"messages"`

	// Temperature controls randomness (0.0 = deterministic, 1.0 = creative).
	Temperature float64 `json:"temperature"`

	// MaxTokens limits the completion length. 0 uses the backend default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Timeout bounds the call. 0 uses the gateway default.
	Timeout time.Duration `json:"-"`
}

// Usage tracks token usage reported by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Result is the terminal "done" event of a query.
type Result struct {
	// Content is the full generated text (concatenation of all chunks).
	Content string `json:"content"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage Usage `json:"usage"`

	// Cost is the provider-reported cost in USD. Zero when the backend
	// does not report one; callers then price the usage themselves.
	Cost float64 `json:"cost"`

	// Latency is the wall time of the call.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason,omitempty"`
}

// Chunk types emitted to a StreamHandler.
const (
	ChunkToken = "token"
)

// StreamChunk is a single streamed piece of content.
type StreamChunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// StreamHandler is called for each chunk in the order the provider produced
// them. Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// ProviderError represents a failure returned by a model backend.
type ProviderError struct {
	// Provider is the name of the backend that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeContextLength  = "context_length_exceeded"
	ErrCodeContentFilter  = "content_filter"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeStream         = "stream_error"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// NewHTTPError maps an HTTP status to a ProviderError.
func NewHTTPError(provider string, statusCode int, message string) *ProviderError {
	e := NewProviderError(provider, CodeForStatus(statusCode), message)
	e.StatusCode = statusCode
	return e
}

// CodeForStatus classifies an HTTP status code.
func CodeForStatus(statusCode int) string {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrCodeAuth
	case statusCode == http.StatusNotFound:
		return ErrCodeModelNotFound
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case statusCode == http.StatusServiceUnavailable || statusCode == http.StatusBadGateway:
		return ErrCodeUnavailable
	case statusCode >= 500:
		return ErrCodeServerError
	default:
		return ErrCodeInvalidRequest
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a transient provider failure.
// Context cancellation is never retryable; a bare deadline is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}
