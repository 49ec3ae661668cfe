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

	"councilflow/platform/orchestrator/llm"
)

const councilPreamble = "You are a member of a council of AI models that answer a user's question together. "

var rolePrompts = map[string]string{
	"responder": councilPreamble +
		"Answer the question accurately and completely.",
	"critic": councilPreamble +
		"Answer the question, and point out weaknesses, risks and mistaken assumptions in any council answers you are shown.",
	"synthesizer": councilPreamble +
		"Combine the strongest points of the council answers you are shown with your own into one answer.",
	"expert": councilPreamble +
		"Answer as a domain expert. Be precise and state the limits of what is known.",
	"devils_advocate": councilPreamble +
		"Argue the strongest case against the obvious answer before giving your own conclusion.",
}

// SystemPromptFor returns the node's own system prompt, or the default for
// its role. Unknown roles get the responder prompt.
func SystemPromptFor(node ParticipantNode) string {
	if p := strings.TrimSpace(node.SystemPrompt); p != "" {
		return p
	}
	role := strings.ToLower(strings.TrimSpace(node.Role))
	role = strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(role)
	if p, ok := rolePrompts[role]; ok {
		return p
	}
	return rolePrompts["responder"]
}

// upstreamContext is one resolved upstream answer shown to a Stage 1 node.
type upstreamContext struct {
	Name    string
	Content string
}

func buildResponseMessages(node ParticipantNode, query string, upstream []upstreamContext) []llm.Message {
	user := query
	if len(upstream) > 0 {
		var b strings.Builder
		b.WriteString(query)
		b.WriteString("\n\nAnswers from other council members that you may build on:\n")
		for _, u := range upstream {
			b.WriteString(fmt.Sprintf("\n--- %s ---\n%s\n", u.Name, strings.TrimSpace(u.Content)))
		}
		user = b.String()
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: SystemPromptFor(node)},
		{Role: llm.RoleUser, Content: user},
	}
}

func buildTitlePrompt(query string) string {
	return "Write a short title, three to five words, that summarizes the following question. " +
		"Reply with the title only, without quotes or trailing punctuation.\n\n" +
		"Question: " + query + "\n\nTitle:"
}

const (
	maxTitleLength   = 60
	fallbackTitleLen = 50
)

// cleanTitle keeps the first line of a model reply and strips quoting.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), "\"'`*.")
	title = strings.TrimSpace(title)
	return truncateRunes(title, maxTitleLength)
}

// fallbackTitle derives a title from the query itself.
func fallbackTitle(query string) string {
	return truncateRunes(strings.Join(strings.Fields(query), " "), fallbackTitleLen)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-3])) + "..."
}
