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

package council

import (
	"context"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventStageStarted       EventType = "stage_started"
	EventStageSkipped       EventType = "stage_skipped"
	EventNodeStarted        EventType = "node_started"
	EventNodeToken          EventType = "node_token"
	EventNodeCompleted      EventType = "node_completed"
	EventNodeFailed         EventType = "node_failed"
	EventNodeSkipped        EventType = "node_skipped"
	EventRankingReceived    EventType = "ranking_received"
	EventGraphFallback      EventType = "graph_fallback"
	EventFinalAnswer        EventType = "final_answer"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionAborted   EventType = "execution_aborted"
)

// Event is one progress notification. Only the fields relevant to Type
// are set.
type Event struct {
	Type           EventType `json:"type"`
	ExecutionID    string    `json:"execution_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Stage          Stage     `json:"stage,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	Content        string    `json:"content,omitempty"`
	Ranking        []string  `json:"ranking,omitempty"`
	Order          []string  `json:"order,omitempty"`
	InputTokens    int       `json:"input_tokens,omitempty"`
	OutputTokens   int       `json:"output_tokens,omitempty"`
	CostUSD        float64   `json:"cost_usd,omitempty"`
	TotalCostUSD   float64   `json:"total_cost_usd,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Outcome        Outcome   `json:"outcome,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventSink receives progress events. Emit is called from concurrently
// running node goroutines and must be safe for concurrent use. Events of
// one node arrive in order; events of different nodes interleave.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// FuncSink adapts a function to EventSink. The function must be safe for
// concurrent use.
type FuncSink func(Event)

// Emit implements EventSink.
func (f FuncSink) Emit(_ context.Context, event Event) {
	f(event)
}

// ChannelSink forwards events to a channel. A send blocks until the
// consumer reads it or ctx is done, in which case the event is dropped.
type ChannelSink struct {
	ch chan<- Event
}

// NewChannelSink wraps ch.
func NewChannelSink(ch chan<- Event) *ChannelSink {
	return &ChannelSink{ch: ch}
}

// Emit implements EventSink.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.ch <- event:
	case <-ctx.Done():
	}
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}
