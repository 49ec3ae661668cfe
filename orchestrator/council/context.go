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
	"sync"
	"time"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/review"
)

// ExecutionContext is the mutable state of one execution. Node goroutines
// write to it concurrently; every access goes through mu, and the ledger
// is only updated together with the response it pays for.
type ExecutionContext struct {
	mu sync.Mutex

	executionID    string
	conversationID string
	clientID       string
	query          string
	order          []string
	inOrder        map[string]bool
	usedFallback   bool

	state State
	stage Stage

	stage1         map[string]NodeResponse
	stage2         map[string]NodeRanking
	failed         map[string]string
	skipped        map[string]string
	reviewFailures map[string]string
	aggregate      []review.AggregateRank

	chairmanID  string
	finalAnswer *string
	finalCost   float64
	degraded    bool

	truncated   bool
	truncateErr error

	ledger   *cost.Ledger
	reserved float64

	outcome     Outcome
	errMsg      string
	title       string
	startedAt   time.Time
	completedAt time.Time
}

func newExecutionContext(executionID, conversationID string, spec Spec, order []string, usedFallback bool, now time.Time) *ExecutionContext {
	inOrder := make(map[string]bool, len(order))
	for _, id := range order {
		inOrder[id] = true
	}
	return &ExecutionContext{
		executionID:    executionID,
		conversationID: conversationID,
		clientID:       spec.ClientID,
		query:          spec.Query,
		order:          append([]string(nil), order...),
		inOrder:        inOrder,
		usedFallback:   usedFallback,
		state:          StatePending,
		stage1:         make(map[string]NodeResponse),
		stage2:         make(map[string]NodeRanking),
		failed:         make(map[string]string),
		skipped:        make(map[string]string),
		reviewFailures: make(map[string]string),
		ledger:         cost.NewLedger(),
		startedAt:      now,
	}
}

// ExecutionID returns the generated execution id.
func (c *ExecutionContext) ExecutionID() string {
	return c.executionID
}

// ConversationID returns the conversation the execution belongs to.
func (c *ExecutionContext) ConversationID() string {
	return c.conversationID
}

func (c *ExecutionContext) setState(state State, stage Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.stage = stage
}

// reserve runs check against the spend so far, including estimates of
// calls still in flight, and on success holds estimate until the call is
// recorded or released.
func (c *ExecutionContext) reserve(estimate float64, check func(spent float64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := check(c.ledger.Spent() + c.reserved); err != nil {
		return err
	}
	c.reserved += estimate
	return nil
}

func (c *ExecutionContext) releaseLocked(reservation float64) {
	c.reserved -= reservation
	if c.reserved < 0 {
		c.reserved = 0
	}
}

func (c *ExecutionContext) release(reservation float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(reservation)
}

// markTruncated flags the execution as budget-truncated. It returns true
// for the first caller only.
func (c *ExecutionContext) markTruncated(cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return false
	}
	c.truncated = true
	c.truncateErr = cause
	return true
}

func (c *ExecutionContext) isTruncated() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated, c.truncateErr
}

// recordResponse stores a Stage 1 answer and charges it to the ledger.
func (c *ExecutionContext) recordResponse(resp NodeResponse, reservation float64) cost.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(reservation)
	if !c.inOrder[resp.NodeID] {
		return c.ledger.Snapshot()
	}
	resp.Status = NodeSucceeded
	c.stage1[resp.NodeID] = resp
	return c.ledger.Add(resp.InputTokens, resp.OutputTokens, resp.CostUSD)
}

func (c *ExecutionContext) recordFailure(nodeID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[nodeID] = reason
}

func (c *ExecutionContext) recordSkip(nodeID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped[nodeID] = reason
}

func (c *ExecutionContext) recordReviewFailure(nodeID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reviewFailures[nodeID] = reason
}

// recordRanking stores a Stage 2 review. Reviews from nodes without a
// Stage 1 answer are charged but not kept.
func (c *ExecutionContext) recordRanking(r NodeRanking, reservation float64) cost.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(reservation)
	totals := c.ledger.Add(r.InputTokens, r.OutputTokens, r.CostUSD)
	if _, ok := c.stage1[r.NodeID]; ok {
		c.stage2[r.NodeID] = r
	}
	return totals
}

// recordCall charges a call that is not attached to a node response.
func (c *ExecutionContext) recordCall(inputTokens, outputTokens int, costUSD, reservation float64) cost.Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(reservation)
	return c.ledger.Add(inputTokens, outputTokens, costUSD)
}

// setFinalAnswer stores the answer unless one is already set.
func (c *ExecutionContext) setFinalAnswer(answer, chairmanID string, costUSD float64, degraded bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalAnswer != nil {
		return false
	}
	c.finalAnswer = &answer
	c.chairmanID = chairmanID
	c.finalCost = costUSD
	c.degraded = degraded
	return true
}

// successes returns the Stage 1 answers in execution order.
func (c *ExecutionContext) successes() []NodeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeResponse, 0, len(c.stage1))
	for _, id := range c.order {
		if r, ok := c.stage1[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// responses returns the Stage 1 answers of ids, in execution order.
func (c *ExecutionContext) responses(ids []string) []NodeResponse {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []NodeResponse
	for _, id := range c.order {
		if r, ok := c.stage1[id]; ok && want[id] {
			out = append(out, r)
		}
	}
	return out
}

// rankings returns the Stage 2 reviews in execution order.
func (c *ExecutionContext) rankings() []NodeRanking {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NodeRanking, 0, len(c.stage2))
	for _, id := range c.order {
		if r, ok := c.stage2[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// aggregateRankings computes and stores the aggregate peer ranking.
func (c *ExecutionContext) aggregateRankings() []review.AggregateRank {
	c.mu.Lock()
	defer c.mu.Unlock()
	attributed := make(map[string][]string, len(c.stage2))
	for id, r := range c.stage2 {
		attributed[id] = r.Ranking
	}
	c.aggregate = review.AggregateRankings(attributed)
	return append([]review.AggregateRank(nil), c.aggregate...)
}

func (c *ExecutionContext) spent() float64 {
	return c.ledger.Spent()
}

func (c *ExecutionContext) finish(state State, outcome Outcome, errMsg, title string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.outcome = outcome
	c.errMsg = errMsg
	c.title = title
	c.completedAt = now
}

// Snapshot returns a consistent copy of the execution state.
func (c *ExecutionContext) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ExecutionID:       c.executionID,
		ConversationID:    c.conversationID,
		ClientID:          c.clientID,
		Title:             c.title,
		Query:             c.query,
		ExecutionOrder:    append([]string(nil), c.order...),
		UsedFallbackOrder: c.usedFallback,
		State:             c.state,
		CurrentStage:      c.stage,
		Outcome:           c.outcome,
		Stage1Responses:   make([]NodeResponse, 0, len(c.stage1)),
		Stage2Rankings:    make([]NodeRanking, 0, len(c.stage2)),
		AggregateRanking:  append([]review.AggregateRank(nil), c.aggregate...),
		FailedNodes:       copyReasons(c.failed),
		SkippedNodes:      copyReasons(c.skipped),
		ReviewFailures:    copyReasons(c.reviewFailures),
		ChairmanID:        c.chairmanID,
		FinalCostUSD:      c.finalCost,
		Degraded:          c.degraded,
		BudgetTruncated:   c.truncated,
		Totals:            c.ledger.Snapshot(),
		Error:             c.errMsg,
		StartedAt:         c.startedAt,
		CompletedAt:       c.completedAt,
	}
	for _, id := range c.order {
		if r, ok := c.stage1[id]; ok {
			s.Stage1Responses = append(s.Stage1Responses, r)
		}
		if r, ok := c.stage2[id]; ok {
			r.Ranking = append([]string(nil), r.Ranking...)
			r.Labels = append([]string(nil), r.Labels...)
			s.Stage2Rankings = append(s.Stage2Rankings, r)
		}
	}
	if c.finalAnswer != nil {
		answer := *c.finalAnswer
		s.FinalAnswer = &answer
	}
	return s
}

func copyReasons(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
