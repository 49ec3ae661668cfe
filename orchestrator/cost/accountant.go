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
	"fmt"
	"log"
)

// DefaultExpectedCompletionTokens is the completion size assumed when
// estimating a call before it is made.
const DefaultExpectedCompletionTokens = 1024

// AccountantOptions configures an Accountant.
type AccountantOptions struct {
	// CeilingUSD rejects calls that would push spend past it. 0 disables it.
	CeilingUSD float64

	// ExpectedCompletionTokens sizes the output side of an estimate.
	ExpectedCompletionTokens int

	Logger *log.Logger
}

// Accountant prices model calls and enforces a spend ceiling.
// It holds no running state; the caller passes prior spend in, which lets
// one pricing table serve per-execution and per-client ceilings alike.
type Accountant struct {
	pricing  *PricingTable
	ceiling  float64
	expected int
	logger   *log.Logger
}

// NewAccountant creates an accountant. A nil pricing table uses defaults.
func NewAccountant(pricing *PricingTable, opts AccountantOptions) (*Accountant, error) {
	if opts.CeilingUSD < 0 {
		return nil, ErrInvalidCeiling
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if pricing == nil {
		pricing = NewPricingTable(opts.Logger)
	}
	if opts.ExpectedCompletionTokens <= 0 {
		opts.ExpectedCompletionTokens = DefaultExpectedCompletionTokens
	}
	return &Accountant{
		pricing:  pricing,
		ceiling:  opts.CeilingUSD,
		expected: opts.ExpectedCompletionTokens,
		logger:   opts.Logger,
	}, nil
}

// Ceiling returns the configured ceiling (0 = unlimited).
func (a *Accountant) Ceiling() float64 {
	return a.ceiling
}

// Estimate prices a call of promptTokens before it is made.
func (a *Accountant) Estimate(model string, promptTokens int) float64 {
	return a.pricing.CalculateCost(model, promptTokens, a.expected)
}

// EstimateAndCheck decides whether a call to model with promptTokens may be
// dispatched given priorSpend. The call is rejected when priorSpend plus
// its estimate exceeds the ceiling.
func (a *Accountant) EstimateAndCheck(priorSpend float64, model string, promptTokens int) Decision {
	estimate := a.Estimate(model, promptTokens)
	d := Decision{
		Allowed:    true,
		Model:      model,
		Estimate:   estimate,
		PriorSpend: priorSpend,
		Ceiling:    a.ceiling,
	}
	if a.ceiling > 0 && priorSpend+estimate > a.ceiling {
		d.Allowed = false
		d.Reason = fmt.Sprintf("estimated $%.4f for %s on top of $%.4f spent exceeds ceiling $%.4f",
			estimate, model, priorSpend, a.ceiling)
		a.logger.Printf("[Cost] Rejecting call: %s", d.Reason)
	}
	return d
}

// RecordUsage prices a completed call and returns the cost delta.
func (a *Accountant) RecordUsage(model string, inputTokens, outputTokens int) float64 {
	return a.pricing.CalculateCost(model, inputTokens, outputTokens)
}
