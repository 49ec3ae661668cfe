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
Package logger provides structured JSON logging for CouncilFlow components.

# Overview

Every entry is a single JSON line carrying:
  - Timestamp (RFC3339Nano)
  - Level (DEBUG, INFO, WARN, ERROR)
  - Component name (council, cost, gateway, ...)
  - Instance ID and container name
  - Conversation ID and execution ID of the council run, when known
  - Custom fields

# Usage

	log := logger.New("council")

	log.Info(conversationID, executionID, "Stage 1 started", map[string]interface{}{
	    "nodes": 4,
	})

	log.ErrorWithErr(conversationID, executionID, "Chairman call failed", err, nil)

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration(conversationID, executionID, "Execution completed", time.Since(start), nil)

# Output Format

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"council","instance_id":"i-abc123","container":"council-xyz",
	 "conversation_id":"c-1","execution_id":"exec-1",
	 "message":"Stage 1 started","fields":{"nodes":4}}

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - LOG_LEVEL: Minimum level written (default INFO)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
