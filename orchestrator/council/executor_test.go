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
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/shared/logger"
)

const (
	parisQuery     = "What is the capital of France?"
	reviewReply    = "All answers are reasonable.\n\nFINAL RANKING:\n1. Response B\n2. Response A"
	synthesisReply = "The council agrees: the capital of France is Paris."
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) ofType(t EventType) []Event {
	var out []Event
	for _, e := range s.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type memoryRecorder struct {
	mu    sync.Mutex
	saved []Snapshot
}

func (m *memoryRecorder) Save(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

func newTestExecutor(gw llm.Gateway, cfg Config, opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = logger.Discard("council")
	}
	if opts.CostLogger == nil {
		opts.CostLogger = log.New(io.Discard, "", 0)
	}
	return NewExecutor(gw, cfg, opts)
}

// councilGateway answers Stage 1 from replies (keyed by model), reviews
// with reviewReply and synthesis with synthesisReply.
func councilGateway(replies map[string]string) *llm.StaticGateway {
	gw := llm.NewStaticGateway(nil)
	gw.Respond = func(req llm.Request) (string, error) {
		text := llm.UserText(req)
		switch {
		case strings.Contains(text, "Write a short title"):
			return "\"Capital of France\"", nil
		case strings.Contains(text, "You are the Chairman"):
			return synthesisReply, nil
		case strings.Contains(text, "You are evaluating"):
			return reviewReply, nil
		}
		if r, ok := replies[req.Model]; ok {
			return r, nil
		}
		return "The capital of France is Paris.", nil
	}
	return gw
}

func requestsContaining(gw *llm.StaticGateway, substr string) []llm.Request {
	var out []llm.Request
	for _, r := range gw.Requests() {
		if strings.Contains(llm.UserText(r), substr) {
			out = append(out, r)
		}
	}
	return out
}

func parisSpec() Spec {
	return Spec{
		Query: parisQuery,
		Nodes: []ParticipantNode{
			{ID: "n-gpt", Model: "openai/gpt-4o", DisplayName: "GPT-4o", Role: "responder", Temperature: 0.7, SpeakingOrder: 1},
			{ID: "n-claude", Model: "anthropic/claude-3.5-sonnet", DisplayName: "Claude", Role: "responder", Temperature: 0.7, SpeakingOrder: 2},
			{ID: "n-llama", Model: "meta-llama/llama-3.1-70b-instruct", DisplayName: "Llama", Role: "critic", Temperature: 0.5, SpeakingOrder: 3},
			{ID: "n-chair", Model: "google/gemini-pro-1.5", DisplayName: "Gemini", Role: "synthesizer", Temperature: 0.3, SpeakingOrder: 4, IsChairman: true},
		},
	}
}

func simpleSpec(ids ...string) Spec {
	spec := Spec{Query: parisQuery}
	for i, id := range ids {
		spec.Nodes = append(spec.Nodes, ParticipantNode{ID: id, Model: "test/" + id, Temperature: 0.5, SpeakingOrder: i + 1})
	}
	return spec
}

func TestExecute_EndToEnd(t *testing.T) {
	gw := councilGateway(nil)
	gw.CostPerCall = 0.01
	history := &memoryRecorder{}
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{History: history})

	res, err := exec.Execute(context.Background(), parisSpec(), sink)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.False(t, res.Degraded)
	assert.Contains(t, res.FinalAnswer, "Paris")
	assert.Equal(t, "n-chair", res.ChairmanID)

	snap := res.Snapshot
	assert.Equal(t, []string{"n-gpt", "n-claude", "n-llama", "n-chair"}, snap.ExecutionOrder)
	assert.Len(t, snap.Stage1Responses, 4)
	assert.Len(t, snap.Stage2Rankings, 4)
	assert.Empty(t, snap.FailedNodes)

	// 4 responses, 4 reviews and 1 synthesis.
	require.Len(t, gw.Requests(), 9)
	sum := snap.FinalCostUSD
	for _, r := range snap.Stage1Responses {
		sum += r.CostUSD
	}
	for _, r := range snap.Stage2Rankings {
		sum += r.CostUSD
	}
	assert.InDelta(t, sum, res.TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.09, res.TotalCostUSD, 1e-9)
	assert.Equal(t, 9, snap.Totals.Calls)
	assert.Equal(t, snap.Totals.TotalTokens(), res.TotalTokens)

	for _, rk := range snap.Stage2Rankings {
		assert.Len(t, rk.Ranking, 2)
		assert.NotContains(t, rk.Ranking, rk.NodeID, "a reviewer never ranks itself")
		assert.Equal(t, "All answers are reasonable.", rk.Reasoning)
	}

	require.Len(t, history.saved, 1)
	assert.Equal(t, res.ExecutionID, history.saved[0].ExecutionID)
	require.NotNil(t, history.saved[0].FinalAnswer)

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventExecutionCompleted, events[len(events)-1].Type)
	assert.Len(t, sink.ofType(EventFinalAnswer), 1)
	assert.Len(t, sink.ofType(EventRankingReceived), 4)
	assert.Len(t, sink.ofType(EventStageStarted), 3)
}

func TestExecute_PerNodeEventOrder(t *testing.T) {
	gw := councilGateway(nil)
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{})

	_, err := exec.Execute(context.Background(), parisSpec(), sink)
	require.NoError(t, err)

	var stage1 []Event
	var streamed strings.Builder
	for _, e := range sink.all() {
		if e.NodeID == "n-claude" && e.Stage == StageResponses {
			stage1 = append(stage1, e)
			if e.Type == EventNodeToken {
				streamed.WriteString(e.Content)
			}
		}
	}
	require.GreaterOrEqual(t, len(stage1), 3)
	assert.Equal(t, EventNodeStarted, stage1[0].Type)
	assert.Equal(t, EventNodeCompleted, stage1[len(stage1)-1].Type)
	for _, e := range stage1[1 : len(stage1)-1] {
		assert.Equal(t, EventNodeToken, e.Type)
	}
	assert.Equal(t, "The capital of France is Paris.", streamed.String())
}

func TestExecute_ReviewPromptsAreAnonymised(t *testing.T) {
	gw := councilGateway(nil)
	exec := newTestExecutor(gw, Config{}, Options{})
	spec := parisSpec()

	_, err := exec.Execute(context.Background(), spec, nil)
	require.NoError(t, err)

	reviews := requestsContaining(gw, "You are evaluating")
	require.Len(t, reviews, 4)
	for _, req := range reviews {
		text := llm.UserText(req)
		for _, n := range spec.Nodes {
			assert.NotContains(t, text, n.ID)
			assert.NotContains(t, text, n.Model)
			assert.NotContains(t, text, n.DisplayName)
		}
		assert.Contains(t, text, "Response C")
		assert.NotContains(t, text, "Response D")
	}
}

func TestExecute_OneOfFiveFails(t *testing.T) {
	gw := councilGateway(map[string]string{
		"test/a": "Paris, answer A.",
		"test/b": "Paris, answer B.",
		"test/c": "Lyon, answer C.",
		"test/d": "Paris, answer D.",
		"test/e": "Paris, answer E.",
	})
	gw.Failures["test/c"] = llm.NewProviderError("static", llm.ErrCodeServerError, "upstream exploded")
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{})

	res, err := exec.Execute(context.Background(), simpleSpec("a", "b", "c", "d", "e"), sink)
	require.NoError(t, err)

	snap := res.Snapshot
	assert.Equal(t, StateCompleted, snap.State)
	assert.Len(t, snap.Stage1Responses, 4)
	require.Len(t, snap.FailedNodes, 1)
	assert.Contains(t, snap.FailedNodes["c"], "upstream exploded")
	assert.Len(t, snap.Stage2Rankings, 4)
	for _, rk := range snap.Stage2Rankings {
		assert.NotEqual(t, "c", rk.NodeID)
		assert.NotContains(t, rk.Ranking, "c")
	}

	for _, req := range requestsContaining(gw, "You are evaluating") {
		assert.NotContains(t, llm.UserText(req), "Lyon", "failed node must not be reviewed")
	}
	synth := requestsContaining(gw, "You are the Chairman")
	require.Len(t, synth, 1)
	assert.NotContains(t, llm.UserText(synth[0]), "Lyon")

	failed := sink.ofType(EventNodeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "c", failed[0].NodeID)
}

func TestExecute_AllNodesFail(t *testing.T) {
	gw := councilGateway(nil)
	for _, id := range []string{"a", "b", "c"} {
		gw.Failures["test/"+id] = llm.NewProviderError("static", llm.ErrCodeUnavailable, "down")
	}
	history := &memoryRecorder{}
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{History: history})

	res, err := exec.Execute(context.Background(), simpleSpec("a", "b", "c"), sink)
	require.Error(t, err)

	var fatal *FatalError
	require.True(t, errors.As(err, &fatal), "expected *FatalError, got %T", err)
	assert.True(t, errors.Is(err, ErrNoCouncilMembers))
	assert.False(t, errors.Is(err, ErrBudgetExceeded))

	require.NotNil(t, res)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Empty(t, res.FinalAnswer)
	assert.Nil(t, res.Snapshot.FinalAnswer)
	assert.Len(t, res.Snapshot.FailedNodes, 3)
	assert.Len(t, gw.Requests(), 3, "no review or synthesis calls after total failure")

	require.Len(t, history.saved, 1)
	assert.Equal(t, StateAborted, history.saved[0].State)
	assert.Len(t, sink.ofType(EventExecutionAborted), 1)
}

func TestExecute_SingleSuccessSkipsReview(t *testing.T) {
	gw := councilGateway(map[string]string{"test/b": "Only B knows: Paris."})
	gw.Failures["test/a"] = llm.NewProviderError("static", llm.ErrCodeTimeout, "slow")
	gw.Failures["test/c"] = llm.NewProviderError("static", llm.ErrCodeRateLimit, "busy")
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{})

	spec := simpleSpec("a", "b", "c")
	spec.Nodes[0].IsChairman = true

	res, err := exec.Execute(context.Background(), spec, sink)
	require.NoError(t, err)

	assert.Empty(t, requestsContaining(gw, "You are evaluating"), "no review calls with one response")
	skipped := sink.ofType(EventStageSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, StageReview, skipped[0].Stage)

	synth := requestsContaining(gw, "You are the Chairman")
	require.Len(t, synth, 1)
	assert.Equal(t, "test/b", synth[0].Model, "failed designated chairman is replaced by the lone success")
	assert.Contains(t, llm.UserText(synth[0]), "Only B knows: Paris.")

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, synthesisReply, res.FinalAnswer)
	assert.Equal(t, "b", res.ChairmanID)
}

func TestExecute_ChairmanFailureDegrades(t *testing.T) {
	replies := map[string]string{
		"test/a": "Answer from A.",
		"test/b": "Answer from B.",
		"test/c": "Answer from C.",
	}
	gw := councilGateway(replies)
	base := gw.Respond
	gw.Respond = func(req llm.Request) (string, error) {
		if strings.Contains(llm.UserText(req), "You are the Chairman") {
			return "", llm.NewProviderError("static", llm.ErrCodeServerError, "chairman crashed")
		}
		return base(req)
	}
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{})

	res, err := exec.Execute(context.Background(), simpleSpec("a", "b", "c"), sink)
	require.NoError(t, err, "a failed synthesis never aborts the execution")

	// Every reviewer puts its second slot first: a ranks [c b], b ranks
	// [c a], c ranks [b a], so c leads the aggregate.
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.True(t, res.Degraded)
	assert.Equal(t, "Answer from C.", res.FinalAnswer)
	require.NotEmpty(t, res.Snapshot.AggregateRanking)
	assert.Equal(t, "c", res.Snapshot.AggregateRanking[0].NodeID)

	finals := sink.ofType(EventFinalAnswer)
	require.Len(t, finals, 1)
	assert.True(t, finals[0].Degraded)
}

func TestExecute_BudgetTruncation(t *testing.T) {
	pricing := cost.NewPricingTable(log.New(io.Discard, "", 0))
	for _, id := range []string{"a", "b", "c"} {
		pricing.SetModelPricing("test/"+id, cost.ModelPricing{InputPer1K: 0, OutputPer1K: 0.1})
	}
	gw := councilGateway(map[string]string{"test/a": "Answer from A.", "test/b": "Answer from B."})
	gw.CostPerCall = 0.1
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{
		Limits:                   Limits{MaxConcurrency: 1},
		ExpectedCompletionTokens: 1000,
	}, Options{Pricing: pricing})

	spec := simpleSpec("a", "b", "c")
	spec.BudgetUSD = 0.25

	res, err := exec.Execute(context.Background(), spec, sink)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExceeded))

	require.NotNil(t, res)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, OutcomeBudgetTruncated, res.Outcome)
	assert.True(t, res.Snapshot.BudgetTruncated)
	assert.Equal(t, "Answer from A.", res.FinalAnswer, "best partial answer is returned")
	assert.InDelta(t, 0.2, res.TotalCostUSD, 1e-9)
	assert.Contains(t, res.Snapshot.SkippedNodes, "c")

	assert.Len(t, gw.Requests(), 2, "no call is made once the ceiling would be crossed")
	assert.Len(t, sink.ofType(EventStageSkipped), 2)
}

func TestExecute_DailyBudgetExhausted(t *testing.T) {
	store := cost.NewMemorySpendStore()
	exec := newTestExecutor(councilGateway(nil), Config{DailyBudgetUSD: 1.0}, Options{SpendStore: store})
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	_, err := store.Add(context.Background(), "acme", now, 0.999)
	require.NoError(t, err)

	spec := simpleSpec("a", "b")
	spec.ClientID = "acme"

	res, err := exec.Execute(context.Background(), spec, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCouncilMembers))
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
	assert.Equal(t, StateAborted, res.State)
	assert.Len(t, res.Snapshot.SkippedNodes, 2)
}

func TestExecute_RecordsDailySpend(t *testing.T) {
	store := cost.NewMemorySpendStore()
	gw := councilGateway(nil)
	gw.CostPerCall = 0.02
	exec := newTestExecutor(gw, Config{DailyBudgetUSD: 5}, Options{SpendStore: store})

	spec := simpleSpec("a", "b")
	spec.ClientID = "acme"

	res, err := exec.Execute(context.Background(), spec, nil)
	require.NoError(t, err)

	spent, err := store.Spent(context.Background(), "acme", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, res.TotalCostUSD, spent, 1e-9)
	assert.InDelta(t, 0.1, spent, 1e-9) // 2 responses, 2 reviews, 1 synthesis
}

func TestExecute_Cancellation(t *testing.T) {
	gw := councilGateway(nil)
	gw.Delay = 5 * time.Second
	gw.CostPerCall = 0.5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recordingSink{}
	sink := FuncSink(func(e Event) {
		rec.Emit(context.Background(), e)
		if e.Type == EventNodeStarted {
			cancel()
		}
	})
	exec := newTestExecutor(gw, Config{}, Options{})

	start := time.Now()
	res, err := exec.Execute(ctx, simpleSpec("a", "b", "c"), sink)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 2*time.Second, "in-flight calls must be cancelled")

	require.NotNil(t, res)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Zero(t, res.TotalCostUSD, "cancelled calls are never charged")
	assert.Empty(t, res.Snapshot.Stage1Responses)
	assert.Nil(t, res.Snapshot.FinalAnswer)
	assert.Len(t, rec.ofType(EventExecutionAborted), 1)
}

func TestExecute_UpstreamContext(t *testing.T) {
	gw := councilGateway(map[string]string{
		"test/a": "Alpha says Paris.",
		"test/b": "Beta says Paris too.",
		"test/c": "Gamma agrees.",
	})
	gw.Failures["test/b"] = llm.NewProviderError("static", llm.ErrCodeServerError, "b is down")
	exec := newTestExecutor(gw, Config{}, Options{})

	spec := simpleSpec("a", "b", "c")
	// c speaks first but depends on a and b.
	spec.Nodes[2].SpeakingOrder = 0
	spec.Edges = []ParticipantEdge{{Source: "a", Target: "c"}, {Source: "b", Target: "c"}}

	res, err := exec.Execute(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Snapshot.ExecutionOrder)

	var cReq *llm.Request
	for _, r := range gw.Requests() {
		if r.Model == "test/c" && !strings.Contains(llm.UserText(r), "You are evaluating") &&
			!strings.Contains(llm.UserText(r), "You are the Chairman") {
			r := r
			cReq = &r
			break
		}
	}
	require.NotNil(t, cReq)
	text := llm.UserText(*cReq)
	assert.True(t, strings.HasPrefix(text, parisQuery))
	assert.Contains(t, text, "Alpha says Paris.")
	assert.NotContains(t, text, "Beta says", "failed upstream contributes nothing")
	assert.Equal(t, llm.RoleSystem, cReq.Messages[0].Role)
}

// fanOutGateway tracks concurrent Stage 1 calls and when each model's call
// started and returned. Review and synthesis calls are answered at once.
type fanOutGateway struct {
	delay map[string]time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
	started  map[string]time.Time
	returned map[string]time.Time
}

func newFanOutGateway(delay map[string]time.Duration) *fanOutGateway {
	return &fanOutGateway{
		delay:    delay,
		started:  make(map[string]time.Time),
		returned: make(map[string]time.Time),
	}
}

func (g *fanOutGateway) query(ctx context.Context, req llm.Request, _ llm.StreamHandler) (*llm.Result, error) {
	text := llm.UserText(req)
	switch {
	case strings.Contains(text, "You are the Chairman"):
		return &llm.Result{Content: synthesisReply, Model: req.Model}, nil
	case strings.Contains(text, "You are evaluating"):
		return &llm.Result{Content: reviewReply, Model: req.Model}, nil
	}

	g.mu.Lock()
	g.started[req.Model] = time.Now()
	g.inFlight++
	if g.inFlight > g.peak {
		g.peak = g.inFlight
	}
	g.mu.Unlock()

	delay := 30 * time.Millisecond
	if d, ok := g.delay[req.Model]; ok {
		delay = d
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.inFlight--
	g.returned[req.Model] = time.Now()
	g.mu.Unlock()
	return &llm.Result{Content: "Paris.", Model: req.Model}, ctx.Err()
}

func TestExecute_BoundedFanOut(t *testing.T) {
	gw := newFanOutGateway(map[string]time.Duration{"test/a": 80 * time.Millisecond})
	exec := newTestExecutor(llm.GatewayFunc(gw.query), Config{Limits: Limits{MaxConcurrency: 3}}, Options{})

	spec := simpleSpec("a", "b", "c", "d", "e", "f")
	spec.Edges = []ParticipantEdge{{Source: "a", Target: "f"}}

	res, err := exec.Execute(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Len(t, res.Snapshot.Stage1Responses, 6)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Greater(t, gw.peak, 1, "independent nodes run concurrently")
	assert.LessOrEqual(t, gw.peak, 3, "concurrency never exceeds the cap")

	require.Contains(t, gw.returned, "test/a")
	require.Contains(t, gw.started, "test/f")
	assert.False(t, gw.started["test/f"].Before(gw.returned["test/a"]),
		"a downstream node starts only after its upstream returned")
}

func TestExecute_SchedulesInExecutionOrder(t *testing.T) {
	gw := councilGateway(nil)
	exec := newTestExecutor(gw, Config{Limits: Limits{MaxConcurrency: 1}}, Options{})

	spec := simpleSpec("a", "b", "c")
	spec.Edges = []ParticipantEdge{{Source: "a", Target: "b"}}

	res, err := exec.Execute(context.Background(), spec, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, res.Snapshot.ExecutionOrder)

	requests := gw.Requests()
	require.GreaterOrEqual(t, len(requests), 3)
	var dispatched []string
	for _, r := range requests[:3] {
		dispatched = append(dispatched, r.Model)
	}
	assert.Equal(t, []string{"test/a", "test/b", "test/c"}, dispatched,
		"a freed slot goes to the earliest ready node")
}

func TestExecute_CycleFallsBack(t *testing.T) {
	gw := councilGateway(nil)
	sink := &recordingSink{}
	exec := newTestExecutor(gw, Config{}, Options{})

	spec := simpleSpec("a", "b", "c")
	spec.Edges = []ParticipantEdge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}}

	res, err := exec.Execute(context.Background(), spec, sink)
	require.NoError(t, err)
	assert.True(t, res.Snapshot.UsedFallbackOrder)
	assert.Equal(t, []string{"a", "b", "c"}, res.Snapshot.ExecutionOrder)
	assert.Len(t, res.Snapshot.Stage1Responses, 3)

	fallback := sink.ofType(EventGraphFallback)
	require.Len(t, fallback, 1)
	assert.Contains(t, fallback[0].Reason, "a")
}

func TestExecute_InvalidSpecMakesNoCalls(t *testing.T) {
	gw := councilGateway(nil)
	exec := newTestExecutor(gw, Config{}, Options{})

	spec := simpleSpec("a", "b")
	spec.Query = strings.Repeat("x", 9000)

	res, err := exec.Execute(context.Background(), spec, nil)
	assert.Nil(t, res)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, errors.Is(err, ErrInvalidSpec))
	assert.Empty(t, gw.Requests())
}

func TestExecute_Title(t *testing.T) {
	gw := councilGateway(nil)
	exec := newTestExecutor(gw, Config{TitleModel: "test/title"}, Options{})

	res, err := exec.Execute(context.Background(), simpleSpec("a", "b"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Capital of France", res.Title)
	assert.Equal(t, 1, gw.Calls("test/title"))

	untitled := newTestExecutor(councilGateway(nil), Config{}, Options{})
	res, err = untitled.Execute(context.Background(), simpleSpec("a", "b"), nil)
	require.NoError(t, err)
	assert.Equal(t, parisQuery, res.Title)
}

func TestExecute_UnknownModelIsCharged(t *testing.T) {
	exec := newTestExecutor(councilGateway(nil), Config{}, Options{})

	res, err := exec.Execute(context.Background(), simpleSpec("a", "b"), nil)
	require.NoError(t, err)
	assert.Greater(t, res.TotalCostUSD, 0.0, "unpriced models fall back to the default rate")
}

func TestSelectChairman(t *testing.T) {
	nodes := []ParticipantNode{
		{ID: "x", SpeakingOrder: 2},
		{ID: "y", SpeakingOrder: 1},
		{ID: "z", SpeakingOrder: 1},
		{ID: "boss", SpeakingOrder: 9, IsChairman: true},
	}
	ok := func(ids ...string) []NodeResponse {
		var out []NodeResponse
		for _, id := range ids {
			out = append(out, NodeResponse{NodeID: id})
		}
		return out
	}

	assert.Equal(t, "boss", selectChairman(nodes, ok("x", "y", "boss")).ID)
	assert.Equal(t, "y", selectChairman(nodes, ok("x", "z", "y")).ID)
	assert.Equal(t, "x", selectChairman(nodes, ok("x")).ID)
}

func TestEffectiveUpstream_DropsBackEdges(t *testing.T) {
	edges := []ParticipantEdge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}, {Source: "a", Target: "c"}}
	got := effectiveUpstream(edges, []string{"a", "b", "c"})
	assert.Equal(t, []string{"a"}, got["b"])
	assert.Equal(t, []string{"a"}, got["c"])
	assert.Empty(t, got["a"])
}

func TestChannelSink(t *testing.T) {
	ch := make(chan Event, 1)
	sink := NewChannelSink(ch)
	sink.Emit(context.Background(), Event{Type: EventStageStarted})
	assert.Equal(t, EventStageStarted, (<-ch).Type)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := NewChannelSink(make(chan Event))
	done := make(chan struct{})
	go func() {
		blocked.Emit(ctx, Event{Type: EventNodeToken})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit must not block once the context is done")
	}
}

func TestExecutionOrder(t *testing.T) {
	spec := simpleSpec("a", "b", "c")
	spec.Edges = []ParticipantEdge{{Source: "c", Target: "a"}}
	got := ExecutionOrder(spec)
	assert.False(t, got.UsedFallback)
	assert.Equal(t, []string{"b", "c", "a"}, got.Order)
}
