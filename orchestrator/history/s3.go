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

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"councilflow/platform/orchestrator/council"
)

// objectAPI is the part of the S3 client the archive uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3Archive. Endpoint and ForcePathStyle are for
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Archive writes each execution snapshot to an S3 object
// {prefix}/executions/{execution_id}.json.
type S3Archive struct {
	client objectAPI
	bucket string
	prefix string
}

var _ Archive = (*S3Archive)(nil)

// NewS3Archive builds an archive from the default AWS credential chain,
// or from static keys when both are set.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidInput)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Archive(s3.NewFromConfig(awsCfg, s3Options...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Archive(client objectAPI, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key for an execution.
func (a *S3Archive) Key(executionID string) string {
	return path.Join(a.prefix, "executions", executionID+".json")
}

// Save implements Archive.
func (a *S3Archive) Save(ctx context.Context, snapshot council.Snapshot) error {
	if snapshot.ExecutionID == "" {
		return ErrInvalidInput
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := a.Key(snapshot.ExecutionID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"conversation-id": snapshot.ConversationID,
			"outcome":         string(snapshot.Outcome),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive execution %s to s3://%s/%s: %w", snapshot.ExecutionID, a.bucket, key, err)
	}
	return nil
}

// Load reads an archived execution back.
func (a *S3Archive) Load(ctx context.Context, executionID string) (*council.Snapshot, error) {
	key := a.Key(executionID)
	output, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archived execution %s: %w", executionID, err)
	}
	defer output.Body.Close()

	body, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived execution %s: %w", executionID, err)
	}

	var snapshot council.Snapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived execution %s: %w", executionID, err)
	}
	return &snapshot, nil
}
