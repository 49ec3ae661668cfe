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

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ErrNoAPIKey is returned when neither a key nor a secret ARN is configured.
var ErrNoAPIKey = errors.New("no API key configured")

// SecretsClient is the subset of the Secrets Manager API used to resolve keys.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient builds a Secrets Manager client from the default AWS
// credential chain.
func NewSecretsClient(ctx context.Context, region string) (SecretsClient, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// ResolveAPIKey returns key when set. Otherwise it fetches secretARN. The
// secret may hold the bare key or a JSON object with an "api_key" field.
func ResolveAPIKey(ctx context.Context, key, secretARN string, client SecretsClient) (string, error) {
	if key != "" {
		return key, nil
	}
	if secretARN == "" {
		return "", ErrNoAPIKey
	}
	if client == nil {
		return "", fmt.Errorf("secret %s configured without a secrets client", maskARN(secretARN))
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}
	if out.SecretString == nil || strings.TrimSpace(*out.SecretString) == "" {
		return "", fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	raw := strings.TrimSpace(*out.SecretString)
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		if v := fields["api_key"]; v != "" {
			return v, nil
		}
		return "", fmt.Errorf("secret %s has no api_key field", maskARN(secretARN))
	}
	return raw, nil
}

// maskARN keeps the resource name and hides the account part.
func maskARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 {
		return "***"
	}
	return "arn:aws:secretsmanager:***:" + parts[len(parts)-1]
}
