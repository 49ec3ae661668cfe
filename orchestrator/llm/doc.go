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
Package llm defines the model gateway used by the council orchestrator.

# Overview

A Gateway issues one model query: given a model id and chat messages it
streams content chunks to a StreamHandler and returns the final Result
(content, token usage, provider cost) or a typed *ProviderError.

	type Gateway interface {
		Query(ctx context.Context, req Request, handler StreamHandler) (*Result, error)
	}

# Backends

  - openrouter: OpenAI-compatible chat completions over SSE
  - bedrock: AWS Bedrock InvokeModel (reply delivered as one chunk)
  - StaticGateway: scripted replies for offline runs and tests

A Router picks the backend from the model id prefix:

	router := llm.NewRouter(openrouterProvider).
		Handle("bedrock/", bedrockProvider)

# Retries and Timeouts

RetryingGateway applies a per-attempt timeout and retries transient
failures (rate limit, 5xx, timeout) with exponential backoff and jitter.
An attempt that already forwarded a chunk to the handler is not retried.

	gw := llm.NewRetryingGateway(router, llm.DefaultRetryConfig())

# Cancellation

Cancelling ctx aborts the underlying request and stops chunk delivery.
Backends return ctx.Err() in that case and report no usage.
*/
package llm
