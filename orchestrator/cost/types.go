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

import "fmt"

// Decision is the result of a pre-dispatch budget check.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Model      string  `json:"model"`
	Estimate   float64 `json:"estimate_usd"`
	PriorSpend float64 `json:"prior_spend_usd"`
	Ceiling    float64 `json:"ceiling_usd"`
	Reason     string  `json:"reason,omitempty"`
}

// Err returns nil for an allowed decision, otherwise an error wrapping
// ErrBudgetExceeded.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBudgetExceeded, d.Reason)
}

// Totals are the additive counters of a ledger.
type Totals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Calls        int     `json:"calls"`
}

// TotalTokens returns input plus output tokens.
func (t Totals) TotalTokens() int {
	return t.InputTokens + t.OutputTokens
}
