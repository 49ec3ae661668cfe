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
	"time"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/review"
)

// ParticipantNode is one LLM seat in the council. The executor never
// mutates it.
type ParticipantNode struct {
	ID            string  `json:"id" yaml:"id"`
	Model         string  `json:"model" yaml:"model"`
	DisplayName   string  `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Role          string  `json:"role,omitempty" yaml:"role,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature   float64 `json:"temperature" yaml:"temperature"`
	SpeakingOrder int     `json:"speaking_order" yaml:"speaking_order"`
	IsChairman    bool    `json:"is_chairman,omitempty" yaml:"is_chairman,omitempty"`
}

// Name returns the display name, or the id when none is set.
func (n ParticipantNode) Name() string {
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.ID
}

// ParticipantEdge is a directed dependency: Target's prompt includes
// Source's Stage 1 output.
type ParticipantEdge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Spec is everything needed to run one council query.
type Spec struct {
	Nodes []ParticipantNode `json:"nodes" yaml:"nodes"`
	Edges []ParticipantEdge `json:"edges,omitempty" yaml:"edges,omitempty"`
	Query string            `json:"query" yaml:"query"`

	// BudgetUSD caps the execution's spend. 0 uses the executor default.
	BudgetUSD float64 `json:"budget_usd,omitempty" yaml:"budget_usd,omitempty"`

	// ClientID selects the daily spend bucket. Empty disables the daily
	// ceiling for this execution.
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`

	// ConversationID groups executions; one is generated when empty.
	ConversationID string `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
}

// Stage is a council phase.
type Stage int

const (
	StageResponses Stage = 1
	StageReview    Stage = 2
	StageSynthesis Stage = 3
)

func (s Stage) String() string {
	switch s {
	case StageResponses:
		return "responses"
	case StageReview:
		return "review"
	case StageSynthesis:
		return "synthesis"
	default:
		return "unknown"
	}
}

// State is the executor state machine position.
type State string

const (
	StatePending       State = "pending"
	StateStage1Running State = "stage1_running"
	StateStage2Running State = "stage2_running"
	StateStage3Running State = "stage3_running"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Outcome classifies how an execution ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeDegraded        Outcome = "degraded"
	OutcomeBudgetTruncated Outcome = "budget_truncated"
	OutcomeAborted         Outcome = "aborted"
)

// NodeStatus is the result of a single node call.
type NodeStatus string

const (
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// NodeResponse is a node's Stage 1 answer.
type NodeResponse struct {
	NodeID       string        `json:"node_id"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Latency      time.Duration `json:"latency_ns"`
	Status       NodeStatus    `json:"status"`
}

// NodeRanking is a node's Stage 2 review. Ranking holds node ids, best
// first; it is empty when the reply could not be parsed.
type NodeRanking struct {
	NodeID       string   `json:"node_id"`
	Ranking      []string `json:"ranking"`
	Labels       []string `json:"labels"`
	Reasoning    string   `json:"reasoning,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	CostUSD      float64  `json:"cost_usd"`
}

// Snapshot is a self-consistent, serialisable copy of an execution.
type Snapshot struct {
	ExecutionID       string                 `json:"execution_id"`
	ConversationID    string                 `json:"conversation_id"`
	ClientID          string                 `json:"client_id,omitempty"`
	Title             string                 `json:"title,omitempty"`
	Query             string                 `json:"query"`
	ExecutionOrder    []string               `json:"execution_order"`
	UsedFallbackOrder bool                   `json:"used_fallback_order"`
	State             State                  `json:"state"`
	CurrentStage      Stage                  `json:"current_stage"`
	Outcome           Outcome                `json:"outcome,omitempty"`
	Stage1Responses   []NodeResponse         `json:"stage1_responses"`
	Stage2Rankings    []NodeRanking          `json:"stage2_rankings"`
	AggregateRanking  []review.AggregateRank `json:"aggregate_ranking,omitempty"`
	FailedNodes       map[string]string      `json:"failed_nodes"`
	SkippedNodes      map[string]string      `json:"skipped_nodes,omitempty"`
	ReviewFailures    map[string]string      `json:"review_failures,omitempty"`
	ChairmanID        string                 `json:"chairman_id,omitempty"`
	FinalAnswer       *string                `json:"final_answer"`
	FinalCostUSD      float64                `json:"final_cost_usd,omitempty"`
	Degraded          bool                   `json:"degraded"`
	BudgetTruncated   bool                   `json:"budget_truncated"`
	Totals            cost.Totals            `json:"totals"`
	Error             string                 `json:"error,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       time.Time              `json:"completed_at,omitempty"`
}

// TotalTokens returns input plus output tokens across every call.
func (s Snapshot) TotalTokens() int {
	return s.Totals.TotalTokens()
}

// TotalCost returns the execution's spend in USD.
func (s Snapshot) TotalCost() float64 {
	return s.Totals.CostUSD
}

// Result is returned by Execute. Snapshot carries the full record.
type Result struct {
	ExecutionID    string  `json:"execution_id"`
	ConversationID string  `json:"conversation_id"`
	Title          string  `json:"title,omitempty"`
	State          State   `json:"state"`
	Outcome        Outcome `json:"outcome"`
	FinalAnswer    string  `json:"final_answer"`
	ChairmanID     string  `json:"chairman_id,omitempty"`
	Degraded       bool    `json:"degraded"`
	TotalTokens    int     `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`

	Snapshot Snapshot `json:"snapshot"`
}

func newResult(s Snapshot) *Result {
	r := &Result{
		ExecutionID:    s.ExecutionID,
		ConversationID: s.ConversationID,
		Title:          s.Title,
		State:          s.State,
		Outcome:        s.Outcome,
		ChairmanID:     s.ChairmanID,
		Degraded:       s.Degraded,
		TotalTokens:    s.TotalTokens(),
		TotalCostUSD:   s.TotalCost(),
		Snapshot:       s,
	}
	if s.FinalAnswer != nil {
		r.FinalAnswer = *s.FinalAnswer
	}
	return r
}
