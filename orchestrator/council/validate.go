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
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits bound the size of a council. Zero fields take the defaults.
type Limits struct {
	// MaxQueryLength is the longest accepted query, in characters.
	MaxQueryLength int `json:"max_query_length"`

	// MaxNodes caps the participant count and so the Stage 1 fan-out.
	MaxNodes int `json:"max_nodes"`

	// MaxEdges caps the edge count. 0 allows a complete DAG over MaxNodes.
	MaxEdges int `json:"max_edges"`

	// MaxConcurrency bounds concurrent model calls within one stage.
	MaxConcurrency int `json:"max_concurrency"`
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxQueryLength: 8000,
		MaxNodes:       20,
		MaxConcurrency: 8,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxQueryLength <= 0 {
		l.MaxQueryLength = d.MaxQueryLength
	}
	if l.MaxNodes <= 0 {
		l.MaxNodes = d.MaxNodes
	}
	if l.MaxEdges <= 0 {
		l.MaxEdges = l.MaxNodes * (l.MaxNodes - 1) / 2
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = d.MaxConcurrency
	}
	return l
}

// Validate checks spec against limits and returns a *ValidationError
// listing every problem, or nil. Cycles are not validation errors; the
// executor falls back to the declared order for them.
func Validate(spec Spec, limits Limits) error {
	limits = limits.withDefaults()
	verr := &ValidationError{}

	query := strings.TrimSpace(spec.Query)
	switch {
	case query == "":
		verr.add("query", "must not be empty")
	case utf8.RuneCountInString(spec.Query) > limits.MaxQueryLength:
		verr.add("query", "exceeds %d characters", limits.MaxQueryLength)
	}

	if spec.BudgetUSD < 0 {
		verr.add("budget_usd", "must not be negative")
	}

	switch {
	case len(spec.Nodes) == 0:
		verr.add("nodes", "at least one participant is required")
	case len(spec.Nodes) > limits.MaxNodes:
		verr.add("nodes", "%d participants exceed the limit of %d", len(spec.Nodes), limits.MaxNodes)
	}
	if len(spec.Edges) > limits.MaxEdges {
		verr.add("edges", "%d edges exceed the limit of %d", len(spec.Edges), limits.MaxEdges)
	}

	ids := make(map[string]bool, len(spec.Nodes))
	chairmen := 0
	for i, n := range spec.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		// Ids are matched verbatim by edges and the scheduler.
		switch {
		case strings.TrimSpace(n.ID) == "":
			verr.add(field+".id", "must not be empty")
		case strings.TrimSpace(n.ID) != n.ID:
			verr.add(field+".id", "%q must not have surrounding whitespace", n.ID)
		case ids[n.ID]:
			verr.add(field+".id", "duplicate id %q", n.ID)
		}
		if n.ID != "" {
			ids[n.ID] = true
		}

		if strings.TrimSpace(n.Model) == "" {
			verr.add(field+".model", "must not be empty")
		}
		if n.Temperature < 0 || n.Temperature > 1 {
			verr.add(field+".temperature", "%.2f is outside [0, 1]", n.Temperature)
		}
		if n.IsChairman {
			chairmen++
		}
	}
	if chairmen > 1 {
		verr.add("nodes", "%d nodes are marked chairman, at most one is allowed", chairmen)
	}

	for i, e := range spec.Edges {
		field := fmt.Sprintf("edges[%d]", i)
		if !ids[e.Source] {
			verr.add(field+".source", "unknown node %q", e.Source)
		}
		if !ids[e.Target] {
			verr.add(field+".target", "unknown node %q", e.Target)
		}
		if e.Source == e.Target {
			verr.add(field, "self-loop on %q", e.Source)
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}
