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

// Package council runs multi-model council deliberation.
//
// A council is a graph of participant nodes, each bound to a model. An
// execution has three stages:
//
//  1. Responses: every node answers the query. Nodes run concurrently as
//     soon as their upstream nodes have a result; upstream answers are
//     added to their prompt.
//  2. Review: every node that answered ranks the other answers, which it
//     sees anonymised as "Response A", "Response B", ...
//  3. Synthesis: the chairman combines answers and reviews into the final
//     answer.
//
// Failures are absorbed where the result is still useful. A failed node is
// left out of later stages, a failed chairman degrades to the best Stage 1
// answer, and a budget ceiling stops further calls but keeps what was
// already bought. Only a run in which no node answers is fatal.
//
// Progress is streamed to an EventSink; the finished execution is handed
// to a Recorder as a Snapshot.
//
// Example:
//
//	exec := council.NewExecutor(gateway, council.Config{NodeTimeout: time.Minute}, council.Options{})
//	result, err := exec.Execute(ctx, spec, council.FuncSink(func(e council.Event) {
//	    fmt.Println(e.Type, e.NodeID)
//	}))
package council
