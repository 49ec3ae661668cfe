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
	"fmt"
	"strings"
)

// RankingMarker introduces the machine-readable part of a review.
const RankingMarker = "FINAL RANKING:"

// Candidate is a Stage 1 response offered for review or synthesis.
type Candidate struct {
	// NodeID identifies the participant; it never reaches a review prompt.
	NodeID string

	// Name is shown to the chairman only.
	Name string

	// Content is the response text.
	Content string
}

// Review is one reviewer's attributed ranking, handed to the chairman.
type Review struct {
	Reviewer  string
	Ranking   []string
	Reasoning string
}

// SlotLabel returns the anonymous label of the i-th candidate:
// "Response A" ... "Response Z", then "Response AA", "Response AB", ...
func SlotLabel(i int) string {
	letters := ""
	for n := i; ; n = n/26 - 1 {
		letters = string(rune('A'+n%26)) + letters
		if n < 26 {
			break
		}
	}
	return "Response " + letters
}

// BuildReviewPrompt presents candidates as anonymous slots in the order
// given and asks for an evaluation ending in a FINAL RANKING section. The
// returned map resolves slot labels to node ids; it stays with the caller.
func BuildReviewPrompt(query string, candidates []Candidate) (string, map[string]string) {
	labels := make(map[string]string, len(candidates))

	var b strings.Builder
	b.WriteString("You are evaluating different responses to the following question:\n\n")
	b.WriteString(fmt.Sprintf("Question: %s\n\n", query))
	b.WriteString("Here are the responses (anonymized):\n\n")

	for i, c := range candidates {
		label := SlotLabel(i)
		labels[label] = c.NodeID
		b.WriteString(fmt.Sprintf("%s:\n%s\n\n", label, strings.TrimSpace(c.Content)))
	}

	b.WriteString("Your task:\n")
	b.WriteString("1. Evaluate each response individually: what it does well and what it does poorly.\n")
	b.WriteString("2. At the very end of your reply, provide a final ranking.\n\n")
	b.WriteString("IMPORTANT: the final ranking MUST be formatted exactly as follows:\n")
	b.WriteString(fmt.Sprintf("- Start with the line %q (all caps, with colon)\n", RankingMarker))
	b.WriteString("- Then list the responses from best to worst as a numbered list\n")
	b.WriteString("- Each line is: number, period, space, then ONLY the response label (e.g. \"1. Response A\")\n")
	b.WriteString("- Do not add any other text after the ranking\n\n")
	b.WriteString("Example of the required format:\n\n")
	b.WriteString("Response A is thorough but misses one point...\n")
	b.WriteString("Response B is accurate but brief...\n\n")
	b.WriteString(RankingMarker + "\n")
	b.WriteString("1. Response B\n")
	b.WriteString("2. Response A\n\n")
	b.WriteString("Now provide your evaluation and ranking:")

	return b.String(), labels
}

// BuildSynthesisPrompt gives the chairman the query, every Stage 1
// response and the peer reviews.
func BuildSynthesisPrompt(query string, responses []Candidate, reviews []Review) string {
	var b strings.Builder
	b.WriteString("You are the Chairman of a council of AI models. Several models answered a user's question ")
	b.WriteString("and then ranked each other's answers.\n\n")
	b.WriteString(fmt.Sprintf("Original Question: %s\n\n", query))

	b.WriteString("STAGE 1 - Individual Responses:\n\n")
	for _, r := range responses {
		b.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", r.Name, strings.TrimSpace(r.Content)))
	}

	if len(reviews) > 0 {
		b.WriteString("STAGE 2 - Peer Rankings:\n\n")
		for _, rv := range reviews {
			b.WriteString(fmt.Sprintf("Reviewer: %s\n", rv.Reviewer))
			if len(rv.Ranking) > 0 {
				b.WriteString(fmt.Sprintf("Ranking (best first): %s\n", strings.Join(rv.Ranking, ", ")))
			} else {
				b.WriteString("Ranking: none given\n")
			}
			if reasoning := strings.TrimSpace(rv.Reasoning); reasoning != "" {
				b.WriteString(fmt.Sprintf("Reasoning: %s\n", reasoning))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("Your task as Chairman is to synthesize all of this into a single, accurate answer to the ")
	b.WriteString("original question. Consider the individual responses, the peer rankings and any points ")
	b.WriteString("of agreement or disagreement. Where the responses conflict, resolve the conflict or say so.\n\n")
	b.WriteString("Provide the council's final answer:")
	return b.String()
}
