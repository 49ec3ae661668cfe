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

// Package graph computes the execution order of a council participant graph.
//
// Order runs Kahn's algorithm over the participant DAG. Whenever several
// nodes are eligible at once, the one with the lowest speaking order wins,
// with the node id as the final tie-break, so identical inputs always give
// identical orders. A cycle is not an error: the declared order sorted by
// speaking order is returned instead and the result is flagged so callers
// can report the anomaly.
package graph

import (
	"sort"
)

// Node is the part of a participant the orderer needs.
type Node struct {
	ID            string
	SpeakingOrder int
}

// Edge is a directed dependency: Target may read Source's output.
type Edge struct {
	Source string
	Target string
}

// Result is the outcome of Order.
type Result struct {
	// Order is the execution order of node ids.
	Order []string `json:"order"`

	// UsedFallback is true when a cycle forced the declared order.
	UsedFallback bool `json:"used_fallback"`

	// Residual lists the nodes that could not be ordered topologically.
	Residual []string `json:"residual,omitempty"`
}

// less orders nodes by speaking order, then id.
func less(a, b Node) bool {
	if a.SpeakingOrder != b.SpeakingOrder {
		return a.SpeakingOrder < b.SpeakingOrder
	}
	return a.ID < b.ID
}

// Order returns a topological execution order of nodes. Edges that mention
// unknown nodes or loop onto themselves are ignored here; duplicates count
// once. declared is the fallback order used when the graph has a cycle; when
// empty, the nodes slice order is used.
func Order(nodes []Node, edges []Edge, declared []string) Result {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] = 0
	}
	downstream := make(map[string][]string, len(nodes))
	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		if seen[e] || e.Source == e.Target {
			continue
		}
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		seen[e] = true
		downstream[e.Source] = append(downstream[e.Source], e.Target)
		inDegree[e.Target]++
	}

	eligible := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n.ID] == 0 {
			eligible = append(eligible, n)
		}
	}

	order := make([]string, 0, len(nodes))
	for iter := 0; iter < len(byID) && len(eligible) > 0; iter++ {
		// Re-sort on every extraction: newly freed nodes may outrank older ones.
		sort.SliceStable(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })

		next := eligible[0]
		eligible = eligible[1:]
		order = append(order, next.ID)

		for _, target := range downstream[next.ID] {
			inDegree[target]--
			if inDegree[target] == 0 {
				eligible = append(eligible, byID[target])
			}
		}
	}

	if len(order) == len(byID) {
		return Result{Order: order}
	}

	residual := make([]Node, 0, len(byID)-len(order))
	for _, n := range byID {
		if inDegree[n.ID] > 0 {
			residual = append(residual, n)
		}
	}
	sort.Slice(residual, func(i, j int) bool { return less(residual[i], residual[j]) })
	residualIDs := make([]string, len(residual))
	for i, n := range residual {
		residualIDs[i] = n.ID
	}

	return Result{
		Order:        fallbackOrder(nodes, byID, declared),
		UsedFallback: true,
		Residual:     residualIDs,
	}
}

// fallbackOrder sorts the declared ids purely by speaking order, keeping
// declared position as the tie-break.
func fallbackOrder(nodes []Node, byID map[string]Node, declared []string) []string {
	var picked []Node
	dup := make(map[string]bool, len(declared))
	for _, id := range declared {
		n, ok := byID[id]
		if !ok || dup[id] {
			continue
		}
		dup[id] = true
		picked = append(picked, n)
	}
	// Nodes missing from declared keep their slice position after it.
	for _, n := range nodes {
		if !dup[n.ID] {
			dup[n.ID] = true
			picked = append(picked, n)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].SpeakingOrder < picked[j].SpeakingOrder
	})

	out := make([]string, len(picked))
	for i, n := range picked {
		out[i] = n.ID
	}
	return out
}

// Upstream maps each target node id to its sorted, de-duplicated source ids.
func Upstream(edges []Edge) map[string][]string {
	sets := make(map[string]map[string]bool)
	for _, e := range edges {
		if e.Source == e.Target {
			continue
		}
		if sets[e.Target] == nil {
			sets[e.Target] = make(map[string]bool)
		}
		sets[e.Target][e.Source] = true
	}

	out := make(map[string][]string, len(sets))
	for target, sources := range sets {
		ids := make([]string, 0, len(sources))
		for id := range sources {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[target] = ids
	}
	return out
}
