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

// Package bedrock implements llm.Gateway on top of AWS Bedrock InvokeModel.
// Council model ids carry a "bedrock/" prefix which is stripped before the
// call, e.g. "bedrock/anthropic.claude-3-haiku-20240307-v1:0".
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"councilflow/platform/orchestrator/llm"
)

const (
	// ModelPrefix routes council model ids to this backend.
	ModelPrefix = "bedrock/"

	// DefaultRegion is used when none is configured
	DefaultRegion = "us-east-1"

	// DefaultMaxTokens is used when the request does not set one
	DefaultMaxTokens = 2048

	providerName = "bedrock"
)

// InvokeClient is the subset of the Bedrock runtime API used by Provider.
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider queries Bedrock models. Replies are not streamed by the
// backend; the whole completion is delivered as a single chunk.
type Provider struct {
	client InvokeClient
	region string
	logger *log.Logger
}

// NewProvider creates a provider from the default AWS credential chain.
func NewProvider(ctx context.Context, region string) (*Provider, error) {
	if region == "" {
		region = DefaultRegion
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	return NewProviderWithClient(bedrockruntime.NewFromConfig(awsCfg), region, nil), nil
}

// NewProviderWithClient wraps an existing client.
func NewProviderWithClient(client InvokeClient, region string, logger *log.Logger) *Provider {
	if logger == nil {
		logger = log.New(os.Stdout, "[Bedrock] ", log.LstdFlags)
	}
	return &Provider{client: client, region: region, logger: logger}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// Query implements llm.Gateway.
func (p *Provider) Query(ctx context.Context, req llm.Request, handler llm.StreamHandler) (*llm.Result, error) {
	start := time.Now()
	modelID := strings.TrimPrefix(req.Model, ModelPrefix)

	body, err := buildRequestBody(modelID, req)
	if err != nil {
		return nil, llm.NewProviderError(providerName, llm.ErrCodeInvalidRequest, err.Error())
	}

	requestJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Printf("API call failed for %s (region: %s): %v", modelID, p.region, err)
		return nil, classifyError(err)
	}

	result, err := parseResponseBody(modelID, output.Body)
	if err != nil {
		return nil, llm.NewProviderError(providerName, llm.ErrCodeServerError, "failed to parse response: "+err.Error())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if handler != nil && result.Content != "" {
		if err := handler(llm.StreamChunk{Type: llm.ChunkToken, Content: result.Content}); err != nil {
			return nil, fmt.Errorf("handler error: %w", err)
		}
	}

	result.Model = req.Model
	result.Latency = time.Since(start)
	return result, nil
}

// classifyError maps Bedrock exceptions onto gateway error codes.
func classifyError(err error) error {
	code := llm.ErrCodeServerError
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceQuotaExceededException":
			code = llm.ErrCodeRateLimit
		case "ModelTimeoutException":
			code = llm.ErrCodeTimeout
		case "ServiceUnavailableException", "ModelNotReadyException":
			code = llm.ErrCodeUnavailable
		case "AccessDeniedException":
			code = llm.ErrCodeAuth
		case "ResourceNotFoundException":
			code = llm.ErrCodeModelNotFound
		case "ValidationException":
			code = llm.ErrCodeInvalidRequest
		}
	}
	e := llm.NewProviderError(providerName, code, err.Error())
	e.Cause = err
	return e
}

// detectModelFamily returns the vendor segment of a Bedrock model id,
// skipping regional inference profile prefixes.
func detectModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}
	family := segments[0]
	switch family {
	case "eu", "us", "apac", "global":
		family = segments[1]
	}
	switch family {
	case "anthropic", "amazon", "meta", "mistral":
		return family
	}
	return ""
}

// flatten renders the transcript as a single prompt for families that do
// not accept chat messages.
func flatten(messages []llm.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func buildRequestBody(modelID string, req llm.Request) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	switch detectModelFamily(modelID) {
	case "anthropic":
		var system []string
		messages := make([]map[string]string, 0, len(req.Messages))
		for _, m := range req.Messages {
			if m.Role == llm.RoleSystem {
				system = append(system, m.Content)
				continue
			}
			messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
		}
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages":          messages,
		}
		if len(system) > 0 {
			body["system"] = strings.Join(system, "\n\n")
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": flatten(req.Messages),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      flatten(req.Messages),
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      flatten(req.Messages),
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", modelID)
	}
}

func parseResponseBody(modelID string, body []byte) (*llm.Result, error) {
	switch detectModelFamily(modelID) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		var content strings.Builder
		for _, c := range resp.Content {
			content.WriteString(c.Text)
		}
		return &llm.Result{
			Content:      content.String(),
			Usage:        llm.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
			FinishReason: resp.StopReason,
		}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int    `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		result := &llm.Result{Usage: llm.Usage{InputTokens: resp.InputTextTokenCount}}
		if len(resp.Results) > 0 {
			result.Content = resp.Results[0].OutputText
			result.Usage.OutputTokens = resp.Results[0].TokenCount
			result.FinishReason = resp.Results[0].CompletionReason
		}
		return result, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
			StopReason       string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return &llm.Result{
			Content:      resp.Generation,
			Usage:        llm.Usage{InputTokens: resp.PromptTokenCount, OutputTokens: resp.GenTokenCount},
			FinishReason: resp.StopReason,
		}, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		result := &llm.Result{}
		if len(resp.Outputs) > 0 {
			result.Content = resp.Outputs[0].Text
			result.FinishReason = resp.Outputs[0].StopReason
		}
		// Mistral does not report token counts.
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", modelID)
	}
}
