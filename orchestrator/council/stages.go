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

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/orchestrator/review"
)

// runResponses is Stage 1. Nodes are dispatched as soon as every upstream
// node has a recorded result, at most MaxConcurrency at a time. Execution
// order is also the scheduling order: a free slot always goes to the
// earliest ready node in that order. It returns when every dispatched node
// has finished.
func (r *run) runResponses(ctx context.Context) {
	order := r.ec.order
	sem := semaphore.NewWeighted(int64(r.e.cfg.Limits.MaxConcurrency))
	done := make(chan string, len(order))
	started := make(map[string]bool, len(order))
	resolved := make(map[string]bool, len(order))
	inFlight := 0

	ready := func(id string) bool {
		for _, up := range r.upstream[id] {
			if !resolved[up] {
				return false
			}
		}
		return true
	}

	for len(resolved) < len(order) {
		if ctx.Err() == nil {
			// Rescanned after every completion so a freed slot is not
			// claimed by a node that was merely scanned first.
			for _, id := range order {
				if started[id] || !ready(id) {
					continue
				}
				if !sem.TryAcquire(1) {
					break
				}
				started[id] = true
				inFlight++
				node := r.nodes[id]
				go func() {
					defer func() {
						sem.Release(1)
						done <- node.ID
					}()
					r.respond(ctx, node)
				}()
			}
		}
		if inFlight == 0 {
			break
		}
		id := <-done
		inFlight--
		resolved[id] = true
	}

	for _, id := range order {
		if !started[id] {
			r.ec.recordSkip(id, "execution cancelled")
		}
	}
}

// respond runs one node's Stage 1 call. Upstream results are read only
// here, after the scheduler has seen all of them resolve.
func (r *run) respond(ctx context.Context, node ParticipantNode) {
	var upstream []upstreamContext
	for _, u := range r.ec.responses(r.upstream[node.ID]) {
		upstream = append(upstream, upstreamContext{Name: r.nodes[u.NodeID].Name(), Content: u.Content})
	}
	messages := buildResponseMessages(node, r.spec.Query, upstream)

	call, status, reason := r.dispatch(ctx, StageResponses, node, messages)
	switch status {
	case NodeSucceeded:
		resp := NodeResponse{
			NodeID:       node.ID,
			Model:        node.Model,
			Content:      call.res.Content,
			InputTokens:  call.inputTokens,
			OutputTokens: call.outputTokens,
			CostUSD:      call.costUSD,
			Latency:      call.res.Latency,
		}
		totals := r.ec.recordResponse(resp, call.reservation)
		r.emit(ctx, Event{
			Type:         EventNodeCompleted,
			Stage:        StageResponses,
			NodeID:       node.ID,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      resp.CostUSD,
			TotalCostUSD: totals.CostUSD,
		})

	case NodeFailed:
		r.ec.recordFailure(node.ID, reason)
		r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Council node failed", map[string]interface{}{
			"node_id": node.ID,
			"model":   node.Model,
			"stage":   int(StageResponses),
			"error":   reason,
		})
		r.emit(ctx, Event{Type: EventNodeFailed, Stage: StageResponses, NodeID: node.ID, Reason: reason})

	case NodeSkipped:
		r.ec.recordSkip(node.ID, reason)
		r.emit(ctx, Event{Type: EventNodeSkipped, Stage: StageResponses, NodeID: node.ID, Reason: reason})
	}
}

// runReview is Stage 2: every successful node reviews all other
// successful responses, anonymised.
func (r *run) runReview(ctx context.Context, successes []NodeResponse) {
	g := new(errgroup.Group)
	g.SetLimit(r.e.cfg.Limits.MaxConcurrency)
	for _, reviewer := range successes {
		g.Go(func() error {
			r.reviewOthers(ctx, reviewer, successes)
			return nil
		})
	}
	_ = g.Wait()

	agg := r.ec.aggregateRankings()
	if len(agg) > 0 {
		r.e.log.Info(r.ec.conversationID, r.ec.executionID, "Peer review aggregated", map[string]interface{}{
			"leader":       agg[0].NodeID,
			"average_rank": agg[0].AverageRank,
			"reviews":      len(r.ec.rankings()),
		})
	}
}

func (r *run) reviewOthers(ctx context.Context, reviewer NodeResponse, successes []NodeResponse) {
	node := r.nodes[reviewer.NodeID]

	candidates := make([]review.Candidate, 0, len(successes)-1)
	for _, s := range successes {
		if s.NodeID == reviewer.NodeID {
			continue
		}
		candidates = append(candidates, review.Candidate{NodeID: s.NodeID, Content: s.Content})
	}
	prompt, labels := review.BuildReviewPrompt(r.spec.Query, candidates)
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}

	call, status, reason := r.dispatch(ctx, StageReview, node, messages)
	switch status {
	case NodeFailed:
		r.ec.recordReviewFailure(node.ID, reason)
		r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Peer review failed", map[string]interface{}{
			"node_id": node.ID,
			"model":   node.Model,
			"error":   reason,
		})
		r.emit(ctx, Event{Type: EventNodeFailed, Stage: StageReview, NodeID: node.ID, Reason: reason})
		return
	case NodeSkipped:
		r.emit(ctx, Event{Type: EventNodeSkipped, Stage: StageReview, NodeID: node.ID, Reason: reason})
		return
	}

	raw := call.res.Content
	parsed := review.ParseRanking(raw)
	ranking := NodeRanking{
		NodeID:       node.ID,
		Ranking:      review.Attribute(parsed, labels),
		Labels:       parsed,
		Reasoning:    review.Reasoning(raw),
		InputTokens:  call.inputTokens,
		OutputTokens: call.outputTokens,
		CostUSD:      call.costUSD,
	}
	if len(parsed) == 0 {
		r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Review has no parsable ranking", map[string]interface{}{
			"node_id": node.ID,
		})
	}
	totals := r.ec.recordRanking(ranking, call.reservation)
	r.emit(ctx, Event{
		Type:         EventRankingReceived,
		Stage:        StageReview,
		NodeID:       node.ID,
		Ranking:      ranking.Ranking,
		InputTokens:  ranking.InputTokens,
		OutputTokens: ranking.OutputTokens,
		CostUSD:      ranking.CostUSD,
		TotalCostUSD: totals.CostUSD,
	})
}

// selectChairman returns the designated chairman when it answered in
// Stage 1, otherwise the successful node with the lowest speaking order
// (then id).
func selectChairman(nodes []ParticipantNode, successes []NodeResponse) ParticipantNode {
	ok := make(map[string]bool, len(successes))
	for _, s := range successes {
		ok[s.NodeID] = true
	}

	var best *ParticipantNode
	for i := range nodes {
		n := &nodes[i]
		if !ok[n.ID] {
			continue
		}
		if n.IsChairman {
			return *n
		}
		if best == nil || n.SpeakingOrder < best.SpeakingOrder ||
			(n.SpeakingOrder == best.SpeakingOrder && n.ID < best.ID) {
			best = n
		}
	}
	return *best
}

// runSynthesis is Stage 3. A failed chairman call degrades to the best
// Stage 1 response.
func (r *run) runSynthesis(ctx context.Context, successes []NodeResponse) {
	chair := selectChairman(r.spec.Nodes, successes)

	responses := make([]review.Candidate, 0, len(successes))
	for _, s := range successes {
		responses = append(responses, review.Candidate{NodeID: s.NodeID, Name: r.nodes[s.NodeID].Name(), Content: s.Content})
	}
	var reviews []review.Review
	for _, rk := range r.ec.rankings() {
		names := make([]string, 0, len(rk.Ranking))
		for _, id := range rk.Ranking {
			names = append(names, r.nodes[id].Name())
		}
		reviews = append(reviews, review.Review{
			Reviewer:  r.nodes[rk.NodeID].Name(),
			Ranking:   names,
			Reasoning: rk.Reasoning,
		})
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: review.BuildSynthesisPrompt(r.spec.Query, responses, reviews)},
	}
	if p := chair.SystemPrompt; p != "" {
		messages = append([]llm.Message{{Role: llm.RoleSystem, Content: p}}, messages...)
	}

	call, status, reason := r.dispatch(ctx, StageSynthesis, chair, messages)
	switch status {
	case NodeSucceeded:
		totals := r.ec.recordCall(call.inputTokens, call.outputTokens, call.costUSD, call.reservation)
		r.emit(ctx, Event{
			Type:         EventNodeCompleted,
			Stage:        StageSynthesis,
			NodeID:       chair.ID,
			InputTokens:  call.inputTokens,
			OutputTokens: call.outputTokens,
			CostUSD:      call.costUSD,
			TotalCostUSD: totals.CostUSD,
		})
		if r.ec.setFinalAnswer(call.res.Content, chair.ID, call.costUSD, false) {
			r.emit(ctx, Event{Type: EventFinalAnswer, Stage: StageSynthesis, NodeID: chair.ID, Content: call.res.Content})
		}

	case NodeFailed:
		if ctx.Err() != nil {
			return
		}
		r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Chairman synthesis failed", map[string]interface{}{
			"node_id": chair.ID,
			"model":   chair.Model,
			"error":   reason,
		})
		r.emit(ctx, Event{Type: EventNodeFailed, Stage: StageSynthesis, NodeID: chair.ID, Reason: reason})
		r.fallback(ctx, successes, "chairman failed: "+reason)

	case NodeSkipped:
		if ctx.Err() != nil {
			return
		}
		r.emit(ctx, Event{Type: EventNodeSkipped, Stage: StageSynthesis, NodeID: chair.ID, Reason: reason})
		r.fallback(ctx, successes, reason)
	}
}
