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
	"strings"
	"sync"
	"time"
)

// StaticGateway is a deterministic, offline Gateway. Replies are scripted
// per model; Respond, when set, takes precedence and sees the whole request.
// It is used by councilctl --offline and throughout the tests.
type StaticGateway struct {
	// Replies maps model id to the reply text.
	Replies map[string]string

	// Failures maps model id to the error returned for it.
	Failures map[string]error

	// Respond computes a reply from the request.
	Respond func(req Request) (string, error)

	// Default is used for models without a scripted reply.
	Default string

	// Delay is waited before streaming; it honours cancellation.
	Delay time.Duration

	// CostPerCall, when non-zero, is reported as the provider cost.
	CostPerCall float64

	mu       sync.Mutex
	requests []Request
}

// NewStaticGateway creates a gateway with scripted replies.
func NewStaticGateway(replies map[string]string) *StaticGateway {
	return &StaticGateway{Replies: replies, Failures: map[string]error{}}
}

// Query implements Gateway. The reply is streamed word by word.
func (g *StaticGateway) Query(ctx context.Context, req Request, handler StreamHandler) (*Result, error) {
	start := time.Now()

	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	if g.Delay > 0 {
		if err := sleepContext(ctx, g.Delay); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply, err := g.reply(req)
	if err != nil {
		return nil, err
	}

	if handler != nil {
		for _, piece := range splitKeepSpace(reply) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := handler(StreamChunk{Type: ChunkToken, Content: piece}); err != nil {
				return nil, err
			}
		}
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content)
	}

	return &Result{
		Content: reply,
		Model:   req.Model,
		Usage: Usage{
			InputTokens:  (prompt + 3) / 4,
			OutputTokens: (len(reply) + 3) / 4,
		},
		Cost:         g.CostPerCall,
		Latency:      time.Since(start),
		FinishReason: "stop",
	}, nil
}

func (g *StaticGateway) reply(req Request) (string, error) {
	if err, ok := g.Failures[req.Model]; ok && err != nil {
		return "", err
	}
	if g.Respond != nil {
		return g.Respond(req)
	}
	if reply, ok := g.Replies[req.Model]; ok {
		return reply, nil
	}
	if g.Default != "" {
		return g.Default, nil
	}
	return "", NewProviderError("static", ErrCodeModelNotFound, "no scripted reply for model "+req.Model)
}

// Requests returns a copy of every request received so far.
func (g *StaticGateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, len(g.requests))
	copy(out, g.requests)
	return out
}

// Calls returns how many requests were made for model.
func (g *StaticGateway) Calls(model string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.requests {
		if r.Model == model {
			n++
		}
	}
	return n
}

// splitKeepSpace splits s into words, each keeping its trailing whitespace,
// so concatenating the pieces yields s again.
func splitKeepSpace(s string) []string {
	var pieces []string
	for len(s) > 0 {
		i := strings.IndexAny(s, " \n\t")
		if i < 0 {
			pieces = append(pieces, s)
			break
		}
		j := i
		for j < len(s) && strings.ContainsRune(" \n\t", rune(s[j])) {
			j++
		}
		pieces = append(pieces, s[:j])
		s = s[j:]
	}
	return pieces
}

// UserText returns the content of the last user message of req.
func UserText(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
