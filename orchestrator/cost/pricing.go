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

package cost

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelPricing represents pricing for a specific model
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// Cost prices a call.
func (m ModelPricing) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000.0*m.InputPer1K + float64(tokensOut)/1000.0*m.OutputPer1K
}

// DefaultUnknownModelPricing is applied to models absent from the table.
// It is deliberately at the expensive end of the catalog.
var DefaultUnknownModelPricing = ModelPricing{InputPer1K: 0.015, OutputPer1K: 0.075}

// PricingConfig is the serialized form of a pricing table. Model ids are
// split at the first "/" into provider and model; "*" under a provider
// prices every model of that provider without an explicit entry.
type PricingConfig struct {
	Providers map[string]map[string]ModelPricing `json:"providers" yaml:"providers"`
	Default   *ModelPricing                      `json:"default,omitempty" yaml:"default,omitempty"`
}

// DefaultPricing covers the models councils commonly seat. Prices are per
// 1K tokens in USD.
var DefaultPricing = PricingConfig{
	Providers: map[string]map[string]ModelPricing{
		"openai": {
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-4.1":       {InputPer1K: 0.002, OutputPer1K: 0.008},
			"gpt-4.1-mini":  {InputPer1K: 0.0004, OutputPer1K: 0.0016},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
		},
		"anthropic": {
			"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3.5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3.5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		},
		"google": {
			"gemini-2.0-flash-001": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
			"gemini-1.5-pro":       {InputPer1K: 0.00125, OutputPer1K: 0.005},
			"gemini-1.5-flash":     {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		},
		"meta-llama": {
			"llama-3.1-70b-instruct": {InputPer1K: 0.00052, OutputPer1K: 0.00075},
			"llama-3.1-8b-instruct":  {InputPer1K: 0.00005, OutputPer1K: 0.00008},
		},
		"mistralai": {
			"mistral-large": {InputPer1K: 0.002, OutputPer1K: 0.006},
			"mistral-small": {InputPer1K: 0.0002, OutputPer1K: 0.0006},
		},
		"bedrock": {
			"anthropic.claude-3-sonnet-20240229-v1:0":   {InputPer1K: 0.003, OutputPer1K: 0.015},
			"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"amazon.titan-text-express-v1":              {InputPer1K: 0.0002, OutputPer1K: 0.0006},
			"meta.llama3-70b-instruct-v1:0":             {InputPer1K: 0.00265, OutputPer1K: 0.0035},
			"*":                                         {InputPer1K: 0.003, OutputPer1K: 0.015},
		},
	},
}

// PricingTable resolves model ids to prices. Unknown models are priced at
// the default rate and reported once each through the logger.
type PricingTable struct {
	mu        sync.RWMutex
	providers map[string]map[string]ModelPricing
	fallback  ModelPricing
	warned    map[string]bool
	logger    *log.Logger
}

// NewPricingTable creates a table from the built-in defaults.
func NewPricingTable(logger *log.Logger) *PricingTable {
	if logger == nil {
		logger = log.Default()
	}
	return &PricingTable{
		providers: copyProviders(DefaultPricing.Providers),
		fallback:  DefaultUnknownModelPricing,
		warned:    make(map[string]bool),
		logger:    logger,
	}
}

// LoadPricing builds the table from the defaults and merges the override
// found in value. value is either inline JSON or a path to a .json, .yaml
// or .yml file. An empty value yields the defaults.
func LoadPricing(value string, logger *log.Logger) (*PricingTable, error) {
	table := NewPricingTable(logger)
	value = strings.TrimSpace(value)
	if value == "" {
		return table, nil
	}

	var custom PricingConfig
	if strings.HasPrefix(value, "{") {
		if err := json.Unmarshal([]byte(value), &custom); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
		}
	} else {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read pricing file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(value)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &custom)
		default:
			err = json.Unmarshal(data, &custom)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
		}
	}

	table.Merge(custom)
	return table, nil
}

// Merge overlays cfg onto the table.
func (p *PricingTable) Merge(cfg PricingConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for provider, models := range cfg.Providers {
		provider = strings.ToLower(provider)
		if p.providers[provider] == nil {
			p.providers[provider] = make(map[string]ModelPricing)
		}
		for model, pricing := range models {
			p.providers[provider][model] = pricing
		}
	}
	if cfg.Default != nil {
		p.fallback = *cfg.Default
	}
}

// splitModelID splits "provider/model" ids. Ids without a provider part
// are looked up under the "" provider.
func splitModelID(modelID string) (string, string) {
	if i := strings.Index(modelID, "/"); i > 0 {
		return strings.ToLower(modelID[:i]), modelID[i+1:]
	}
	return "", modelID
}

// Lookup returns the pricing for modelID and whether it was found in the
// table (exact entry or provider wildcard).
func (p *PricingTable) Lookup(modelID string) (ModelPricing, bool) {
	provider, model := splitModelID(modelID)

	p.mu.RLock()
	defer p.mu.RUnlock()

	models, ok := p.providers[provider]
	if !ok {
		return p.fallback, false
	}
	if pricing, ok := models[model]; ok {
		return pricing, true
	}
	if pricing, ok := models[strings.ToLower(model)]; ok {
		return pricing, true
	}
	if pricing, ok := models["*"]; ok {
		return pricing, true
	}
	return p.fallback, false
}

// Price returns the pricing used for modelID, logging the first time an
// unknown model falls back to the default rate.
func (p *PricingTable) Price(modelID string) ModelPricing {
	pricing, known := p.Lookup(modelID)
	if known {
		return pricing
	}

	p.mu.Lock()
	first := !p.warned[modelID]
	p.warned[modelID] = true
	p.mu.Unlock()

	if first {
		p.logger.Printf("[Cost] WARNING: no pricing for model %q, applying default rate ($%.4f in / $%.4f out per 1K tokens)",
			modelID, pricing.InputPer1K, pricing.OutputPer1K)
	}
	return pricing
}

// CalculateCost prices tokensIn and tokensOut for modelID.
func (p *PricingTable) CalculateCost(modelID string, tokensIn, tokensOut int) float64 {
	return p.Price(modelID).Cost(tokensIn, tokensOut)
}

// SetModelPricing sets pricing for a full model id.
func (p *PricingTable) SetModelPricing(modelID string, pricing ModelPricing) {
	provider, model := splitModelID(modelID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.providers[provider] == nil {
		p.providers[provider] = make(map[string]ModelPricing)
	}
	p.providers[provider][model] = pricing
}

// ListModels returns every priced model id, sorted.
func (p *PricingTable) ListModels() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ids []string
	for provider, models := range p.providers {
		for model := range models {
			if model == "*" {
				continue
			}
			if provider == "" {
				ids = append(ids, model)
			} else {
				ids = append(ids, provider+"/"+model)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func copyProviders(src map[string]map[string]ModelPricing) map[string]map[string]ModelPricing {
	dst := make(map[string]map[string]ModelPricing)
	for provider, models := range src {
		dst[provider] = make(map[string]ModelPricing)
		for model, pricing := range models {
			dst[provider][model] = pricing
		}
	}
	return dst
}
