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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"councilflow/platform/orchestrator/council"
)

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// runRemote sends spec to an orchestrator and follows its event stream.
func runRemote(ctx context.Context, server string, spec council.Spec, onEvent func(council.Event)) (*council.Result, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode council: %w", err)
	}

	url := strings.TrimRight(server, "/") + "/api/v1/council/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach orchestrator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var rerr remoteError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &rerr) == nil && rerr.Message != "" {
			return nil, fmt.Errorf("orchestrator returned %d %s: %s", resp.StatusCode, rerr.Code, rerr.Message)
		}
		return nil, fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return readEventStream(resp.Body, onEvent)
}

// readEventStream decodes server-sent events until the terminal "result"
// or "error" event.
func readEventStream(r io.Reader, onEvent func(council.Event)) (*council.Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var name string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			payload := []byte(data.String())
			switch name {
			case "result":
				var result council.Result
				if err := json.Unmarshal(payload, &result); err != nil {
					return nil, fmt.Errorf("failed to decode result: %w", err)
				}
				return &result, nil
			case "error":
				var rerr remoteError
				if err := json.Unmarshal(payload, &rerr); err != nil {
					return nil, fmt.Errorf("failed to decode error: %w", err)
				}
				return nil, fmt.Errorf("%s: %s", rerr.Code, rerr.Message)
			default:
				var event council.Event
				if err := json.Unmarshal(payload, &event); err == nil {
					onEvent(event)
				}
			}
			name = ""
			data.Reset()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("event stream interrupted: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a result")
}
