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
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/graph"
	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/shared/logger"
)

const (
	// DefaultNodeTimeout bounds a single model call.
	DefaultNodeTimeout = 120 * time.Second

	titleTimeout   = 30 * time.Second
	titleMaxTokens = 32
	persistTimeout = 10 * time.Second
)

// Config holds the executor policy. Zero values take defaults.
type Config struct {
	Limits Limits

	// NodeTimeout bounds each model call.
	NodeTimeout time.Duration

	// MaxTokens caps completions. 0 leaves it to the backend.
	MaxTokens int

	// DefaultBudgetUSD applies when a spec has no budget. 0 is unlimited.
	DefaultBudgetUSD float64

	// DailyBudgetUSD caps a client's spend per UTC day. 0 is unlimited.
	DailyBudgetUSD float64

	// ExpectedCompletionTokens sizes pre-dispatch estimates.
	ExpectedCompletionTokens int

	// TitleModel generates conversation titles. Empty uses the query.
	TitleModel string
}

// Recorder persists finished executions.
type Recorder interface {
	Save(ctx context.Context, snapshot Snapshot) error
}

// Options are the executor's collaborators. All are optional.
type Options struct {
	Pricing    *cost.PricingTable
	SpendStore cost.SpendStore
	History    Recorder
	Logger     *logger.Logger

	// CostLogger receives pricing and budget warnings.
	CostLogger *log.Logger
}

// Executor runs council queries. One Executor serves any number of
// concurrent executions; each gets its own ExecutionContext.
type Executor struct {
	gateway llm.Gateway
	cfg     Config
	pricing *cost.PricingTable
	spend   cost.SpendStore
	history Recorder
	log     *logger.Logger
	costLog *log.Logger
	now     func() time.Time
	newID   func() string
}

// NewExecutor creates an executor that calls models through gateway.
func NewExecutor(gateway llm.Gateway, cfg Config, opts Options) *Executor {
	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultNodeTimeout
	}
	if cfg.ExpectedCompletionTokens <= 0 {
		cfg.ExpectedCompletionTokens = cost.DefaultExpectedCompletionTokens
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("council")
	}
	if opts.CostLogger == nil {
		opts.CostLogger = log.Default()
	}
	if opts.Pricing == nil {
		opts.Pricing = cost.NewPricingTable(opts.CostLogger)
	}
	return &Executor{
		gateway: gateway,
		cfg:     cfg,
		pricing: opts.Pricing,
		spend:   opts.SpendStore,
		history: opts.History,
		log:     opts.Logger,
		costLog: opts.CostLogger,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Limits returns the effective limits.
func (e *Executor) Limits() Limits {
	return e.cfg.Limits
}

// Execute runs the three council stages for spec and streams progress to
// sink, which may be nil.
//
// A spec that fails validation returns a *ValidationError and no result.
// Otherwise a result is always returned. Its error is nil for completed and
// degraded runs, wraps ErrBudgetExceeded for budget-truncated runs, is a
// *FatalError when no node answered and is the context error when ctx was
// cancelled.
func (e *Executor) Execute(ctx context.Context, spec Spec, sink EventSink) (*Result, error) {
	if err := Validate(spec, e.cfg.Limits); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = discardSink{}
	}

	budget := spec.BudgetUSD
	if budget == 0 {
		budget = e.cfg.DefaultBudgetUSD
	}
	execAcct, err := cost.NewAccountant(e.pricing, cost.AccountantOptions{
		CeilingUSD:               budget,
		ExpectedCompletionTokens: e.cfg.ExpectedCompletionTokens,
		Logger:                   e.costLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution accountant: %w", err)
	}

	var dailyAcct *cost.Accountant
	if e.spend != nil && spec.ClientID != "" && e.cfg.DailyBudgetUSD > 0 {
		dailyAcct, err = cost.NewAccountant(e.pricing, cost.AccountantOptions{
			CeilingUSD:               e.cfg.DailyBudgetUSD,
			ExpectedCompletionTokens: e.cfg.ExpectedCompletionTokens,
			Logger:                   e.costLog,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create daily accountant: %w", err)
		}
	}

	r := newRun(e, spec, sink, execAcct, dailyAcct)
	return r.execute(ctx)
}

// run is the state of one Execute call.
type run struct {
	e         *Executor
	spec      Spec
	sink      EventSink
	nodes     map[string]ParticipantNode
	upstream  map[string][]string
	execAcct  *cost.Accountant
	dailyAcct *cost.Accountant
	dailyBase float64
	ec        *ExecutionContext
	started   time.Time
}

func newRun(e *Executor, spec Spec, sink EventSink, execAcct, dailyAcct *cost.Accountant) *run {
	nodes := make(map[string]ParticipantNode, len(spec.Nodes))
	for _, n := range spec.Nodes {
		nodes[n.ID] = n
	}
	return &run{
		e:         e,
		spec:      spec,
		sink:      sink,
		nodes:     nodes,
		execAcct:  execAcct,
		dailyAcct: dailyAcct,
		started:   e.now(),
	}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	ordered := r.order()

	conversationID := r.spec.ConversationID
	if conversationID == "" {
		conversationID = r.e.newID()
	}
	r.ec = newExecutionContext(r.e.newID(), conversationID, r.spec, ordered.Order, ordered.UsedFallback, r.started)
	r.upstream = effectiveUpstream(r.spec.Edges, ordered.Order)

	r.e.log.Info(conversationID, r.ec.executionID, "Council execution started", map[string]interface{}{
		"nodes":           len(r.spec.Nodes),
		"edges":           len(r.spec.Edges),
		"execution_order": ordered.Order,
	})

	if ordered.UsedFallback {
		promGraphFallbacks.Inc()
		r.e.log.Warn(conversationID, r.ec.executionID, "Participant graph contains a cycle, using declared order", map[string]interface{}{
			"cycle_nodes":     ordered.Residual,
			"execution_order": ordered.Order,
		})
		r.emit(ctx, Event{
			Type:   EventGraphFallback,
			Order:  ordered.Order,
			Reason: "cycle among " + strings.Join(ordered.Residual, ", "),
		})
	}

	r.loadDailySpend(ctx)

	// Stage 1
	r.ec.setState(StateStage1Running, StageResponses)
	r.emit(ctx, Event{Type: EventStageStarted, Stage: StageResponses, Order: ordered.Order})
	r.runResponses(ctx)
	if err := ctx.Err(); err != nil {
		return r.abort(ctx, err)
	}

	successes := r.ec.successes()
	if len(successes) == 0 {
		truncated, _ := r.ec.isTruncated()
		return r.abort(ctx, &FatalError{
			ExecutionID:     r.ec.executionID,
			Reason:          "no Stage 1 response succeeded",
			Err:             ErrNoCouncilMembers,
			BudgetTruncated: truncated,
		})
	}

	// Stage 2
	if truncated, _ := r.ec.isTruncated(); truncated {
		r.skipStage(ctx, StageReview, "budget exhausted")
	} else if len(successes) < 2 {
		r.skipStage(ctx, StageReview, "fewer than two successful responses")
	} else {
		r.ec.setState(StateStage2Running, StageReview)
		r.emit(ctx, Event{Type: EventStageStarted, Stage: StageReview})
		r.runReview(ctx, successes)
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}
	}

	// Stage 3
	if truncated, _ := r.ec.isTruncated(); truncated {
		r.skipStage(ctx, StageSynthesis, "budget exhausted")
		r.fallback(ctx, successes, "budget exhausted")
	} else {
		r.ec.setState(StateStage3Running, StageSynthesis)
		r.emit(ctx, Event{Type: EventStageStarted, Stage: StageSynthesis})
		r.runSynthesis(ctx, successes)
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, err)
		}
	}

	return r.complete(ctx)
}

func (r *run) order() graph.Result {
	return ExecutionOrder(r.spec)
}

// ExecutionOrder returns the Stage 1 order for spec without running it.
// spec must already have passed Validate.
func ExecutionOrder(spec Spec) graph.Result {
	nodes := make([]graph.Node, 0, len(spec.Nodes))
	declared := make([]string, 0, len(spec.Nodes))
	for _, n := range spec.Nodes {
		nodes = append(nodes, graph.Node{ID: n.ID, SpeakingOrder: n.SpeakingOrder})
		declared = append(declared, n.ID)
	}
	return graph.Order(nodes, toGraphEdges(spec.Edges), declared)
}

func toGraphEdges(edges []ParticipantEdge) []graph.Edge {
	out := make([]graph.Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, graph.Edge{Source: e.Source, Target: e.Target})
	}
	return out
}

// effectiveUpstream keeps the edges that point forward in order. For an
// acyclic graph that is every edge; after a cycle fallback the edges that
// point backwards are dropped so scheduling cannot deadlock.
func effectiveUpstream(edges []ParticipantEdge, order []string) map[string][]string {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	out := make(map[string][]string)
	for target, sources := range graph.Upstream(toGraphEdges(edges)) {
		for _, src := range sources {
			if pos[src] < pos[target] {
				out[target] = append(out[target], src)
			}
		}
	}
	return out
}

func (r *run) loadDailySpend(ctx context.Context) {
	if r.dailyAcct == nil {
		return
	}
	spent, err := r.e.spend.Spent(ctx, r.spec.ClientID, r.started)
	if err != nil {
		// The daily ceiling cannot be enforced without the store; the
		// execution ceiling still applies.
		r.e.log.ErrorWithErr(r.ec.conversationID, r.ec.executionID, "Failed to read daily spend", err, map[string]interface{}{
			"client_id": r.spec.ClientID,
		})
		r.dailyAcct = nil
		return
	}
	r.dailyBase = spent
}

// reserve checks the execution and daily ceilings for a call and holds its
// estimate while it runs.
func (r *run) reserve(model string, promptTokens int) (float64, error) {
	estimate := r.execAcct.Estimate(model, promptTokens)
	err := r.ec.reserve(estimate, func(spent float64) error {
		if d := r.execAcct.EstimateAndCheck(spent, model, promptTokens); !d.Allowed {
			return d.Err()
		}
		if r.dailyAcct != nil {
			if d := r.dailyAcct.EstimateAndCheck(r.dailyBase+spent, model, promptTokens); !d.Allowed {
				return fmt.Errorf("daily limit for client %s: %w", r.spec.ClientID, d.Err())
			}
		}
		return nil
	})
	return estimate, err
}

// callResult is a completed, priced model call.
type callResult struct {
	res          *llm.Result
	inputTokens  int
	outputTokens int
	costUSD      float64
	reservation  float64
}

// dispatch makes one budget-checked model call on behalf of node and
// forwards its chunks as node_token events from the calling goroutine.
// The reservation is released on failure; on success the caller records
// the call, which releases it.
func (r *run) dispatch(ctx context.Context, stage Stage, node ParticipantNode, messages []llm.Message) (*callResult, NodeStatus, string) {
	if ctx.Err() != nil {
		return nil, NodeSkipped, "execution cancelled"
	}
	if truncated, _ := r.ec.isTruncated(); truncated {
		return nil, NodeSkipped, "budget exhausted"
	}

	promptTokens := estimatePromptTokens(messages)
	reservation, err := r.reserve(node.Model, promptTokens)
	if err != nil {
		promBudgetRejections.Inc()
		if r.ec.markTruncated(err) {
			r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Budget ceiling reached, skipping remaining dispatches", map[string]interface{}{
				"node_id": node.ID,
				"stage":   int(stage),
				"spent":   r.ec.spent(),
				"reason":  err.Error(),
			})
		}
		return nil, NodeSkipped, err.Error()
	}

	r.emit(ctx, Event{Type: EventNodeStarted, Stage: stage, NodeID: node.ID})

	req := llm.Request{
		Model:       node.Model,
		Messages:    messages,
		Temperature: node.Temperature,
		MaxTokens:   r.e.cfg.MaxTokens,
		Timeout:     r.e.cfg.NodeTimeout,
	}
	res, err := r.e.gateway.Query(ctx, req, func(chunk llm.StreamChunk) error {
		if chunk.Type == llm.ChunkToken && chunk.Content != "" {
			r.emit(ctx, Event{Type: EventNodeToken, Stage: stage, NodeID: node.ID, Content: chunk.Content})
		}
		return nil
	})
	if err != nil {
		r.ec.release(reservation)
		promNodeCalls.WithLabelValues(stage.String(), string(NodeFailed)).Inc()
		return nil, NodeFailed, err.Error()
	}
	promNodeCalls.WithLabelValues(stage.String(), string(NodeSucceeded)).Inc()

	in, out := res.Usage.InputTokens, res.Usage.OutputTokens
	if in == 0 && out == 0 {
		// Some backends report no usage; estimate rather than record zero.
		in = promptTokens
		out = cost.EstimateTokens(res.Content)
	}
	callCost := res.Cost
	if callCost <= 0 {
		callCost = r.execAcct.RecordUsage(node.Model, in, out)
	}

	return &callResult{
		res:          res,
		inputTokens:  in,
		outputTokens: out,
		costUSD:      callCost,
		reservation:  reservation,
	}, NodeSucceeded, ""
}

func estimatePromptTokens(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		n += cost.EstimateTokens(m.Content)
	}
	return n
}

func (r *run) skipStage(ctx context.Context, stage Stage, reason string) {
	r.e.log.Info(r.ec.conversationID, r.ec.executionID, "Stage skipped", map[string]interface{}{
		"stage":  int(stage),
		"reason": reason,
	})
	r.emit(ctx, Event{Type: EventStageSkipped, Stage: stage, Reason: reason})
}

// fallback sets the best Stage 1 response as a degraded final answer: the
// best aggregate-ranked one, else the first in execution order.
func (r *run) fallback(ctx context.Context, successes []NodeResponse, reason string) {
	best := successes[0]
	if agg := r.ec.aggregateRankings(); len(agg) > 0 {
		for _, s := range successes {
			if s.NodeID == agg[0].NodeID {
				best = s
				break
			}
		}
	}

	if !r.ec.setFinalAnswer(best.Content, "", 0, true) {
		return
	}
	r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Using Stage 1 response as degraded final answer", map[string]interface{}{
		"node_id": best.NodeID,
		"reason":  reason,
	})
	r.emit(ctx, Event{
		Type:     EventFinalAnswer,
		Stage:    StageSynthesis,
		NodeID:   best.NodeID,
		Content:  best.Content,
		Degraded: true,
		Reason:   reason,
	})
}

func (r *run) complete(ctx context.Context) (*Result, error) {
	outcome := OutcomeCompleted
	var err error
	truncated, cause := r.ec.isTruncated()
	snap := r.ec.Snapshot()
	switch {
	case truncated:
		outcome = OutcomeBudgetTruncated
		err = fmt.Errorf("execution %s truncated: %w", r.ec.executionID, cause)
	case snap.Degraded:
		outcome = OutcomeDegraded
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	title := r.generateTitle(ctx)
	r.ec.finish(StateCompleted, outcome, errMsg, title, r.e.now())
	snap = r.ec.Snapshot()

	r.emitTerminal(ctx, Event{
		Type:         EventExecutionCompleted,
		Outcome:      outcome,
		Degraded:     snap.Degraded,
		TotalCostUSD: snap.TotalCost(),
		InputTokens:  snap.Totals.InputTokens,
		OutputTokens: snap.Totals.OutputTokens,
	})
	r.finalize(ctx, snap)

	r.e.log.InfoWithDuration(snap.ConversationID, snap.ExecutionID, "Council execution completed", snap.CompletedAt.Sub(snap.StartedAt), map[string]interface{}{
		"outcome":      string(outcome),
		"degraded":     snap.Degraded,
		"failed_nodes": len(snap.FailedNodes),
		"total_tokens": snap.TotalTokens(),
		"total_cost":   snap.TotalCost(),
	})
	return newResult(snap), err
}

func (r *run) abort(ctx context.Context, cause error) (*Result, error) {
	r.ec.finish(StateAborted, OutcomeAborted, cause.Error(), "", r.e.now())
	snap := r.ec.Snapshot()

	r.emitTerminal(ctx, Event{
		Type:         EventExecutionAborted,
		Outcome:      OutcomeAborted,
		Reason:       cause.Error(),
		TotalCostUSD: snap.TotalCost(),
	})
	r.finalize(ctx, snap)

	r.e.log.ErrorWithErr(snap.ConversationID, snap.ExecutionID, "Council execution aborted", cause, map[string]interface{}{
		"failed_nodes": len(snap.FailedNodes),
		"total_cost":   snap.TotalCost(),
	})
	return newResult(snap), cause
}

// finalize records metrics, daily spend and history. It runs after
// cancellation too, so it does not inherit ctx's cancellation.
func (r *run) finalize(ctx context.Context, snap Snapshot) {
	promExecutions.WithLabelValues(string(snap.Outcome)).Inc()
	promExecutionDuration.WithLabelValues(string(snap.Outcome)).Observe(snap.CompletedAt.Sub(snap.StartedAt).Seconds())
	promCost.Add(snap.TotalCost())

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if r.e.spend != nil && r.spec.ClientID != "" && snap.TotalCost() > 0 {
		if _, err := r.e.spend.Add(pctx, r.spec.ClientID, r.started, snap.TotalCost()); err != nil {
			r.e.log.ErrorWithErr(snap.ConversationID, snap.ExecutionID, "Failed to record daily spend", err, map[string]interface{}{
				"client_id": r.spec.ClientID,
			})
		}
	}

	if r.e.history != nil {
		if err := r.e.history.Save(pctx, snap); err != nil {
			r.e.log.ErrorWithErr(snap.ConversationID, snap.ExecutionID, "Failed to save execution history", err, nil)
		}
	}
}

// generateTitle asks the title model for a short conversation title and
// falls back to the query.
func (r *run) generateTitle(ctx context.Context) string {
	fallback := fallbackTitle(r.spec.Query)
	model := r.e.cfg.TitleModel
	if model == "" || ctx.Err() != nil {
		return fallback
	}
	if truncated, _ := r.ec.isTruncated(); truncated {
		return fallback
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: buildTitlePrompt(r.spec.Query)}}
	promptTokens := estimatePromptTokens(messages)
	reservation, err := r.reserve(model, promptTokens)
	if err != nil {
		return fallback
	}

	tctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()
	res, err := r.e.gateway.Query(tctx, llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: 0.2,
		MaxTokens:   titleMaxTokens,
		Timeout:     titleTimeout,
	}, nil)
	if err != nil {
		r.ec.release(reservation)
		r.e.log.Warn(r.ec.conversationID, r.ec.executionID, "Title generation failed", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return fallback
	}

	in, out := res.Usage.InputTokens, res.Usage.OutputTokens
	if in == 0 && out == 0 {
		in, out = promptTokens, cost.EstimateTokens(res.Content)
	}
	callCost := res.Cost
	if callCost <= 0 {
		callCost = r.execAcct.RecordUsage(model, in, out)
	}
	r.ec.recordCall(in, out, callCost, reservation)

	if title := cleanTitle(res.Content); title != "" {
		return title
	}
	return fallback
}

func (r *run) emit(ctx context.Context, event Event) {
	event.ExecutionID = r.ec.executionID
	event.ConversationID = r.ec.conversationID
	event.Timestamp = r.e.now()
	r.sink.Emit(ctx, event)
}

// emitTerminal delivers the closing event even when ctx is already
// cancelled, waiting at most a second for the consumer.
func (r *run) emitTerminal(ctx context.Context, event Event) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	r.emit(tctx, event)
}
