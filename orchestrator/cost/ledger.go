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
	"sync"
	"unicode/utf8"
)

// Ledger accumulates the token and cost totals of one execution.
// Counters only grow.
type Ledger struct {
	mu     sync.Mutex
	totals Totals
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Add records one completed call and returns the new totals.
func (l *Ledger) Add(inputTokens, outputTokens int, costUSD float64) Totals {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	if costUSD < 0 {
		costUSD = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.totals.InputTokens += inputTokens
	l.totals.OutputTokens += outputTokens
	l.totals.CostUSD += costUSD
	l.totals.Calls++
	return l.totals
}

// Spent returns the cost so far.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals.CostUSD
}

// Snapshot returns a consistent copy of the totals.
func (l *Ledger) Snapshot() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// EstimateTokens approximates the token count of text at four characters
// per token, rounding up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
