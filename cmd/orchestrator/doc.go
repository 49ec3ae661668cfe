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
Command orchestrator runs the CouncilFlow orchestrator service.

# Usage

	orchestrator

# Environment Variables

At least one model backend is required:
  - OPENROUTER_API_KEY: OpenRouter API key
  - OPENROUTER_API_KEY_SECRET_ARN: Secrets Manager ARN holding the key
  - BEDROCK_REGION: serve "bedrock/" models through AWS Bedrock

Optional:
  - PORT: HTTP server port (default: 8081)
  - DATABASE_URL: PostgreSQL history store (default: in memory)
  - REDIS_URL: shared daily spend store (default: in memory)
  - HISTORY_S3_BUCKET, HISTORY_S3_PREFIX, HISTORY_S3_ENDPOINT: S3 archive
  - COUNCIL_PRICING_CONFIG: pricing override, inline JSON or a file path
  - COUNCIL_DEFAULT_BUDGET_USD, COUNCIL_DAILY_BUDGET_USD: spend ceilings
  - COUNCIL_MAX_NODES, COUNCIL_MAX_CONCURRENCY, COUNCIL_NODE_TIMEOUT
  - COUNCIL_MAX_RETRIES, COUNCIL_RETRY_BACKOFF: model call retry policy
  - COUNCIL_TITLE_MODEL: model used to title conversations
  - LOG_LEVEL: debug, info, warn or error

# Example

	export OPENROUTER_API_KEY="sk-or-..."
	export COUNCIL_DAILY_BUDGET_USD=25
	./orchestrator
*/
package main
