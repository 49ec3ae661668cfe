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

package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/council"
	"councilflow/platform/orchestrator/history"
	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/shared/logger"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "COUNCIL_MAX_NODES", "COUNCIL_NODE_TIMEOUT", "COUNCIL_MAX_RETRIES", "COUNCIL_DAILY_BUDGET_USD"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, council.DefaultLimits().MaxNodes, cfg.Council.Limits.MaxNodes)
	assert.Equal(t, council.DefaultNodeTimeout, cfg.Council.NodeTimeout)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Zero(t, cfg.Council.DailyBudgetUSD)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("COUNCIL_MAX_NODES", "5")
	t.Setenv("COUNCIL_NODE_TIMEOUT", "45")
	t.Setenv("COUNCIL_MAX_RETRIES", "4")
	t.Setenv("COUNCIL_DEFAULT_BUDGET_USD", "0.5")
	t.Setenv("COUNCIL_DAILY_BUDGET_USD", "20")
	t.Setenv("COUNCIL_TITLE_MODEL", "openai/gpt-4o-mini")
	t.Setenv("HISTORY_S3_BUCKET", "council-history")
	t.Setenv("HISTORY_S3_FORCE_PATH_STYLE", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 5, cfg.Council.Limits.MaxNodes)
	assert.Equal(t, 45*time.Second, cfg.Council.NodeTimeout)
	assert.Equal(t, 45*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, 0.5, cfg.Council.DefaultBudgetUSD)
	assert.Equal(t, 20.0, cfg.Council.DailyBudgetUSD)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.Council.TitleModel)
	assert.Equal(t, "council-history", cfg.HistoryS3.Bucket)
	assert.True(t, cfg.HistoryS3.ForcePathStyle)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("COUNCIL_MAX_NODES", "many")
	t.Setenv("COUNCIL_NODE_TIMEOUT", "soon")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COUNCIL_MAX_NODES")
	assert.Contains(t, err.Error(), "COUNCIL_NODE_TIMEOUT")

	t.Setenv("COUNCIL_MAX_NODES", "")
	t.Setenv("COUNCIL_NODE_TIMEOUT", "")
	t.Setenv("COUNCIL_DAILY_BUDGET_USD", "-1")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestEnvParser_Duration(t *testing.T) {
	p := envParser{}
	t.Setenv("X_TIMEOUT", "1m30s")
	assert.Equal(t, 90*time.Second, p.duration("X_TIMEOUT", time.Second))
	t.Setenv("X_TIMEOUT", "")
	assert.Equal(t, time.Second, p.duration("X_TIMEOUT", time.Second))
	assert.Empty(t, p.errs)
}

func TestBuildGateway_NoBackend(t *testing.T) {
	_, err := buildGateway(context.Background(), Config{Retry: llm.DefaultRetryConfig()}, logger.Discard("test"))
	assert.True(t, errors.Is(err, ErrNoBackend))
}

func TestBuildGateway_OpenRouter(t *testing.T) {
	gw, err := buildGateway(context.Background(), Config{
		OpenRouterAPIKey: "sk-or-test",
		Retry:            llm.DefaultRetryConfig(),
	}, logger.Discard("test"))
	require.NoError(t, err)
	assert.IsType(t, &llm.RetryingGateway{}, gw)
}

func TestBuildSpendStore(t *testing.T) {
	ctx := context.Background()

	store, err := buildSpendStore(ctx, Config{}, logger.Discard("test"))
	require.NoError(t, err)
	assert.IsType(t, &cost.MemorySpendStore{}, store)

	mr := miniredis.RunT(t)
	store, err = buildSpendStore(ctx, Config{RedisURL: "redis://" + mr.Addr() + "/0"}, logger.Discard("test"))
	require.NoError(t, err)
	require.IsType(t, &cost.RedisSpendStore{}, store)

	total, err := store.Add(ctx, "acme", time.Now(), 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, total, 1e-9)
	assert.NoError(t, store.(*cost.RedisSpendStore).Close())

	_, err = buildSpendStore(ctx, Config{RedisURL: "not a url"}, logger.Discard("test"))
	assert.Error(t, err)
}

func TestBuildHistory_InMemoryByDefault(t *testing.T) {
	c := &components{}
	store, err := buildHistory(context.Background(), Config{}, logger.Discard("test"), c)
	require.NoError(t, err)
	assert.IsType(t, &history.MemoryStore{}, store)
	assert.Empty(t, c.closers)
}
