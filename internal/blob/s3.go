// Copyright (c) 2026 John Earle
//
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

package blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 client.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from the default AWS chain. A custom
// endpoint (MinIO, R2) switches to path-style addressing.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Store uploads objects to a bucket.
type S3Store struct {
	client        S3API
	bucket        string
	publicBaseURL string
}

// NewS3Store creates an S3Store. publicBaseURL prefixes object keys in the
// returned URL; when empty the virtual-hosted bucket URL is used.
func NewS3Store(client S3API, bucket, region, publicBaseURL string) *S3Store {
	if publicBaseURL == "" {
		if region == "" {
			publicBaseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
		} else {
			publicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
		}
	}
	return &S3Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Upload stores in.Body under an organisation-scoped key.
func (s *S3Store) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	key, err := ObjectKey(in.OrgKey, in.FileName)
	if err != nil {
		return UploadResult{}, err
	}

	contentType := in.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(in.Body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(in.Body))),
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("s3 put %s: %w", key, err)
	}

	slog.Debug("object uploaded", "bucket", s.bucket, "key", key, "size", len(in.Body))

	return UploadResult{
		URL:  s.publicBaseURL + "/" + escapeKey(key),
		Key:  key,
		Size: int64(len(in.Body)),
	}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
