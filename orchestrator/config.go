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
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"councilflow/platform/orchestrator/council"
	"councilflow/platform/orchestrator/history"
	"councilflow/platform/orchestrator/llm"
)

// Config is the service configuration, read from the environment.
type Config struct {
	Port       string
	InstanceID string
	LogLevel   string

	OpenRouterAPIKey    string
	OpenRouterSecretARN string
	OpenRouterBaseURL   string
	OpenRouterReferer   string
	AWSRegion           string
	BedrockRegion       string

	DatabaseURL   string
	RedisURL      string
	HistoryS3     history.S3Config
	PricingConfig string

	Council council.Config
	Retry   llm.RetryConfig
}

// LoadConfig reads the configuration from environment variables. Unset
// variables take their defaults; malformed numbers are reported together.
func LoadConfig() (Config, error) {
	p := envParser{}

	cfg := Config{
		Port:       getEnv("PORT", "8081"),
		InstanceID: getEnv("INSTANCE_ID", hostname()),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		OpenRouterAPIKey:    os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterSecretARN: os.Getenv("OPENROUTER_API_KEY_SECRET_ARN"),
		OpenRouterBaseURL:   os.Getenv("OPENROUTER_BASE_URL"),
		OpenRouterReferer:   os.Getenv("OPENROUTER_REFERER"),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		BedrockRegion:       os.Getenv("BEDROCK_REGION"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		HistoryS3: history.S3Config{
			Bucket:          os.Getenv("HISTORY_S3_BUCKET"),
			Prefix:          os.Getenv("HISTORY_S3_PREFIX"),
			Region:          getEnv("HISTORY_S3_REGION", getEnv("AWS_REGION", "us-east-1")),
			Endpoint:        os.Getenv("HISTORY_S3_ENDPOINT"),
			ForcePathStyle:  p.bool("HISTORY_S3_FORCE_PATH_STYLE", false),
			AccessKeyID:     os.Getenv("HISTORY_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("HISTORY_S3_SECRET_ACCESS_KEY"),
		},
		PricingConfig: os.Getenv("COUNCIL_PRICING_CONFIG"),
	}

	limits := council.DefaultLimits()
	limits.MaxNodes = p.int("COUNCIL_MAX_NODES", limits.MaxNodes)
	limits.MaxQueryLength = p.int("COUNCIL_MAX_QUERY_LENGTH", limits.MaxQueryLength)
	limits.MaxConcurrency = p.int("COUNCIL_MAX_CONCURRENCY", limits.MaxConcurrency)

	cfg.Council = council.Config{
		Limits:                   limits,
		NodeTimeout:              p.duration("COUNCIL_NODE_TIMEOUT", council.DefaultNodeTimeout),
		MaxTokens:                p.int("COUNCIL_MAX_TOKENS", 0),
		DefaultBudgetUSD:         p.float("COUNCIL_DEFAULT_BUDGET_USD", 0),
		DailyBudgetUSD:           p.float("COUNCIL_DAILY_BUDGET_USD", 0),
		ExpectedCompletionTokens: p.int("COUNCIL_EXPECTED_COMPLETION_TOKENS", 0),
		TitleModel:               os.Getenv("COUNCIL_TITLE_MODEL"),
	}

	cfg.Retry = llm.DefaultRetryConfig()
	cfg.Retry.MaxRetries = p.int("COUNCIL_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.InitialBackoff = p.duration("COUNCIL_RETRY_BACKOFF", cfg.Retry.InitialBackoff)
	cfg.Retry.Timeout = cfg.Council.NodeTimeout

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if cfg.Council.DefaultBudgetUSD < 0 || cfg.Council.DailyBudgetUSD < 0 {
		return Config{}, fmt.Errorf("budgets must not be negative")
	}
	if cfg.Retry.MaxRetries < 0 {
		return Config{}, fmt.Errorf("COUNCIL_MAX_RETRIES must not be negative")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "orchestrator"
	}
	return name
}

// envParser collects parse errors so every bad variable is reported.
type envParser struct {
	errs []error
}

func (p *envParser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *envParser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (p *envParser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func (p *envParser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return d
}
