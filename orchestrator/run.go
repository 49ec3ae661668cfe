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
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"councilflow/platform/orchestrator/cost"
	"councilflow/platform/orchestrator/council"
	"councilflow/platform/orchestrator/history"
	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/orchestrator/llm/bedrock"
	"councilflow/platform/orchestrator/llm/openrouter"
	"councilflow/platform/shared/logger"
)

// ErrNoBackend is returned when neither OpenRouter nor Bedrock is configured.
var ErrNoBackend = errors.New("no model backend configured: set OPENROUTER_API_KEY, OPENROUTER_API_KEY_SECRET_ARN or BEDROCK_REGION")

// Run is the exported entry point for the orchestrator service.
//
// It loads the configuration from the environment, connects the model
// backends and stores, and serves HTTP until SIGINT or SIGTERM.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8081)
//   - OPENROUTER_API_KEY or OPENROUTER_API_KEY_SECRET_ARN: OpenRouter access
//   - BEDROCK_REGION: serves "bedrock/" models through AWS Bedrock
//   - DATABASE_URL: PostgreSQL history store (optional)
//   - REDIS_URL: shared daily spend store (optional)
//   - HISTORY_S3_BUCKET: S3 archive of finished executions (optional)
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := RunContext(ctx); err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
}

// RunContext runs the service until ctx is done.
func RunContext(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	appLog := logger.New("orchestrator")
	appLog.SetLevel(logger.ParseLevel(cfg.LogLevel))
	appLog.Info("", "", "starting council orchestrator", map[string]interface{}{
		"instance_id": cfg.InstanceID,
		"port":        cfg.Port,
	})

	c, err := initializeComponents(ctx, cfg, appLog)
	if err != nil {
		return err
	}
	defer c.close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("", "", "listening", map[string]interface{}{"addr": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	appLog.Info("", "", "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// components are the long-lived collaborators built at startup.
type components struct {
	server  *Server
	closers []func() error
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Printf("Error closing component: %v", err)
		}
	}
}

func initializeComponents(ctx context.Context, cfg Config, appLog *logger.Logger) (*components, error) {
	c := &components{}
	costLog := log.New(os.Stdout, "[Cost] ", log.LstdFlags)

	gateway, err := buildGateway(ctx, cfg, appLog)
	if err != nil {
		return nil, err
	}

	pricing, err := cost.LoadPricing(cfg.PricingConfig, costLog)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}

	spend, err := buildSpendStore(ctx, cfg, appLog)
	if err != nil {
		return nil, err
	}
	if closer, ok := spend.(interface{ Close() error }); ok {
		c.closers = append(c.closers, closer.Close)
	}

	store, err := buildHistory(ctx, cfg, appLog, c)
	if err != nil {
		c.close()
		return nil, err
	}

	executor := council.NewExecutor(gateway, cfg.Council, council.Options{
		Pricing:    pricing,
		SpendStore: spend,
		History:    store,
		Logger:     logger.New("council"),
		CostLogger: costLog,
	})

	c.server = NewServer(ServerOptions{
		Executor:       executor,
		Store:          store,
		Pricing:        pricing,
		SpendStore:     spend,
		DailyBudgetUSD: cfg.Council.DailyBudgetUSD,
		Logger:         appLog,
		HistoryLogger:  log.New(os.Stdout, "[History] ", log.LstdFlags),
		InstanceID:     cfg.InstanceID,
	})
	return c, nil
}

// buildGateway routes "bedrock/" models to Bedrock and everything else to
// OpenRouter, behind the retry policy.
func buildGateway(ctx context.Context, cfg Config, appLog *logger.Logger) (llm.Gateway, error) {
	var fallback llm.Gateway
	if cfg.OpenRouterAPIKey != "" || cfg.OpenRouterSecretARN != "" {
		var secrets llm.SecretsClient
		if cfg.OpenRouterAPIKey == "" {
			client, err := llm.NewSecretsClient(ctx, cfg.AWSRegion)
			if err != nil {
				return nil, err
			}
			secrets = client
		}
		key, err := llm.ResolveAPIKey(ctx, cfg.OpenRouterAPIKey, cfg.OpenRouterSecretARN, secrets)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve OpenRouter key: %w", err)
		}
		provider, err := openrouter.NewProvider(openrouter.Config{
			APIKey:  key,
			BaseURL: cfg.OpenRouterBaseURL,
			Referer: cfg.OpenRouterReferer,
			Title:   "CouncilFlow",
		})
		if err != nil {
			return nil, err
		}
		fallback = provider
		appLog.Info("", "", "openrouter backend enabled", nil)
	}

	router := llm.NewRouter(fallback)
	if cfg.BedrockRegion != "" {
		provider, err := bedrock.NewProvider(ctx, cfg.BedrockRegion)
		if err != nil {
			return nil, err
		}
		router.Handle(bedrock.ModelPrefix, provider)
		appLog.Info("", "", "bedrock backend enabled", map[string]interface{}{"region": cfg.BedrockRegion})
	}

	if fallback == nil && cfg.BedrockRegion == "" {
		return nil, ErrNoBackend
	}
	return llm.NewRetryingGateway(router, cfg.Retry), nil
}

func buildSpendStore(ctx context.Context, cfg Config, appLog *logger.Logger) (cost.SpendStore, error) {
	if cfg.RedisURL == "" {
		if cfg.Council.DailyBudgetUSD > 0 {
			appLog.Warn("", "", "daily budget is tracked in memory; set REDIS_URL to share it across instances", nil)
		}
		return cost.NewMemorySpendStore(), nil
	}
	store, err := cost.ConnectRedisSpendStore(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	appLog.Info("", "", "redis spend store connected", nil)
	return store, nil
}

func buildHistory(ctx context.Context, cfg Config, appLog *logger.Logger, c *components) (history.Store, error) {
	var store history.Store = history.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := history.OpenPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, pg.Close)
		store = pg
		appLog.Info("", "", "postgres history store connected", nil)
	} else {
		appLog.Warn("", "", "DATABASE_URL not set; history is kept in memory", nil)
	}

	if cfg.HistoryS3.Bucket != "" {
		archive, err := history.NewS3Archive(ctx, cfg.HistoryS3)
		if err != nil {
			return nil, err
		}
		store = history.Tee(store, archive)
		appLog.Info("", "", "s3 history archive enabled", map[string]interface{}{"bucket": cfg.HistoryS3.Bucket})
	}
	return store, nil
}
