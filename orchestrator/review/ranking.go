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

package review

import (
	"regexp"
	"sort"
	"strings"
)

var (
	markerPattern   = regexp.MustCompile(`(?i)final\s+ranking\s*:`)
	numberedPattern = regexp.MustCompile(`\d+\s*[.)]\s*[*_]*\s*(Response [A-Z]+)\b`)
	labelPattern    = regexp.MustCompile(`Response [A-Z]+\b`)
)

// ParseRanking extracts slot labels, best first, from a free-text review.
// Only text after the first ranking marker is considered. Numbered entries
// are preferred; otherwise every label mention counts in order of
// appearance. Repeated labels keep their first position. Text without a
// marker or without labels yields an empty slice.
func ParseRanking(raw string) []string {
	ranking := []string{}

	loc := markerPattern.FindStringIndex(raw)
	if loc == nil {
		return ranking
	}
	section := raw[loc[1]:]

	var found []string
	if matches := numberedPattern.FindAllStringSubmatch(section, -1); len(matches) > 0 {
		for _, m := range matches {
			found = append(found, m[1])
		}
	} else {
		found = labelPattern.FindAllString(section, -1)
	}

	seen := make(map[string]bool, len(found))
	for _, label := range found {
		if seen[label] {
			continue
		}
		seen[label] = true
		ranking = append(ranking, label)
	}
	return ranking
}

// Reasoning returns the evaluation text that precedes the ranking marker,
// or the whole reply when there is no marker.
func Reasoning(raw string) string {
	if loc := markerPattern.FindStringIndex(raw); loc != nil {
		raw = raw[:loc[0]]
	}
	return strings.TrimSpace(raw)
}

// Attribute maps parsed slot labels to node ids. Labels the reviewer was
// never shown are dropped.
func Attribute(ranking []string, labels map[string]string) []string {
	out := make([]string, 0, len(ranking))
	for _, label := range ranking {
		if id, ok := labels[label]; ok {
			out = append(out, id)
		}
	}
	return out
}

// AggregateRank is a node's average position across all peer rankings.
type AggregateRank struct {
	NodeID        string  `json:"node_id"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// AggregateRankings averages each node's 1-based position over every
// reviewer ranking that mentions it. rankings maps reviewer id to an
// attributed ranking. Lower is better; ties break by node id.
func AggregateRankings(rankings map[string][]string) []AggregateRank {
	reviewers := make([]string, 0, len(rankings))
	for id := range rankings {
		reviewers = append(reviewers, id)
	}
	sort.Strings(reviewers)

	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, reviewer := range reviewers {
		for pos, nodeID := range rankings[reviewer] {
			sums[nodeID] += pos + 1
			counts[nodeID]++
		}
	}

	out := make([]AggregateRank, 0, len(counts))
	for nodeID, n := range counts {
		out = append(out, AggregateRank{
			NodeID:        nodeID,
			AverageRank:   float64(sums[nodeID]) / float64(n),
			RankingsCount: n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageRank != out[j].AverageRank {
			return out[i].AverageRank < out[j].AverageRank
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}
