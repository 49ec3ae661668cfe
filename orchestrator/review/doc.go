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

/*
Package review builds the peer review and synthesis prompts of a council
run and turns free-text reviews back into structured rankings.

# Anonymization

Reviewers never see participant ids or model names. BuildReviewPrompt
labels responses "Response A", "Response B", ... in the order the caller
passes them and returns the label to node id map, which the caller keeps:

	prompt, labels := review.BuildReviewPrompt(query, others)
	// ... query the reviewer ...
	ranked := review.Attribute(review.ParseRanking(reply), labels)

# Parsing

ParseRanking is a pure, best-effort parser. It reads only the text after
the "FINAL RANKING:" marker and returns an empty slice when nothing
usable is found; it never fails.

# Aggregation

AggregateRankings averages each node's position over all reviews. The
chairman fallback uses the best aggregate rank.
*/
package review
