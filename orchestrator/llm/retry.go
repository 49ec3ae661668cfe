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
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first call.
	MaxRetries int

	// InitialBackoff is the initial wait time before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait time between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	BackoffFactor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// Timeout is applied to each attempt when the request carries none.
	Timeout time.Duration

	// RetryIf determines if an error should be retried.
	RetryIf func(err error) bool
}

// DefaultRetryConfig returns the default policy for council node calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		Timeout:        120 * time.Second,
		RetryIf:        IsRetryable,
	}
}

// RetryingGateway wraps a Gateway with per-attempt timeouts and bounded
// retries. An attempt that already forwarded a chunk is never retried.
type RetryingGateway struct {
	next   Gateway
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingGateway wraps next with the given policy.
func NewRetryingGateway(next Gateway, config RetryConfig) *RetryingGateway {
	if config.RetryIf == nil {
		config.RetryIf = IsRetryable
	}
	if config.BackoffFactor <= 0 {
		config.BackoffFactor = 2.0
	}
	return &RetryingGateway{next: next, config: config, sleep: sleepContext}
}

// Query implements Gateway.
func (g *RetryingGateway) Query(ctx context.Context, req Request, handler StreamHandler) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		streamed := false
		wrapped := handler
		if handler != nil {
			wrapped = func(chunk StreamChunk) error {
				streamed = true
				return handler(chunk)
			}
		}

		result, err := g.attempt(ctx, req, wrapped)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if streamed || !g.config.RetryIf(err) {
			return nil, err
		}
		if attempt >= g.config.MaxRetries {
			break
		}

		if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("model %s failed after %d attempts: %w", req.Model, g.config.MaxRetries+1, lastErr)
}

func (g *RetryingGateway) attempt(ctx context.Context, req Request, handler StreamHandler) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.config.Timeout
	}
	if timeout <= 0 {
		return g.next.Query(ctx, req, handler)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := g.next.Query(callCtx, req, handler)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &ProviderError{
			Provider:  "gateway",
			Code:      ErrCodeTimeout,
			Message:   fmt.Sprintf("model %s did not finish within %s", req.Model, timeout),
			Retryable: true,
			Cause:     err,
		}
	}
	return result, err
}

func (g *RetryingGateway) backoff(attempt int) time.Duration {
	backoff := g.config.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * g.config.BackoffFactor)
	}
	if g.config.MaxBackoff > 0 && backoff > g.config.MaxBackoff {
		backoff = g.config.MaxBackoff
	}

	if g.config.Jitter > 0 {
		jitterDelta := float64(backoff) * g.config.Jitter
		jitter := (rand.Float64() * 2 * jitterDelta) - jitterDelta
		backoff = time.Duration(float64(backoff) + jitter)
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
