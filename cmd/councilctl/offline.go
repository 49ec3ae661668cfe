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

package main

import (
	"fmt"
	"strings"

	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/orchestrator/review"
)

// offlineGateway answers every stage without a model so a council's shape
// can be exercised end to end. Reviews rank the responses in the order
// they were presented.
func offlineGateway() *llm.StaticGateway {
	gw := llm.NewStaticGateway(nil)
	gw.Respond = func(req llm.Request) (string, error) {
		text := llm.UserText(req)
		switch {
		case strings.HasPrefix(text, "Write a short title"):
			return "Offline council run", nil
		case strings.Contains(text, "You are the Chairman"):
			return fmt.Sprintf("[%s] Offline synthesis of the council's answers.", req.Model), nil
		case strings.Contains(text, review.RankingMarker):
			return offlineReview(text), nil
		}
		return fmt.Sprintf("[%s] Offline answer.", req.Model), nil
	}
	return gw
}

func offlineReview(prompt string) string {
	var b strings.Builder
	b.WriteString("Every response was produced offline.\n\n")
	b.WriteString(review.RankingMarker + "\n")
	for i := 0; strings.Contains(prompt, review.SlotLabel(i)+":"); i++ {
		fmt.Fprintf(&b, "%d. %s\n", i+1, review.SlotLabel(i))
	}
	return b.String()
}
