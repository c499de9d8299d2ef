// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Startline Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	cfg "github.com/nishisan-dev/startline-relay/internal/config"
)

// Archiver sobe packs finalizados para um bucket S3 (ou compatível).
type Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewArchiver monta o client S3 a partir da configuração de archive.
// Retorna nil quando o archive está desabilitado.
func NewArchiver(ctx context.Context, ac cfg.ArchiveInfo, logger *slog.Logger) (*Archiver, error) {
	if !ac.Enabled {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ac.Region),
	}
	if ac.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKey, ac.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading archive credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
		o.UsePathStyle = ac.PathStyle
	})

	return &Archiver{
		client: client,
		bucket: ac.Bucket,
		prefix: ac.Prefix,
		logger: logger.With("bucket", ac.Bucket),
	}, nil
}

// Upload sobe um pack para {prefix}{filename}. O pack local permanece; a
// retenção cuida da remoção.
func (a *Archiver) Upload(ctx context.Context, info PackInfo) error {
	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("opening pack for upload: %w", err)
	}
	defer f.Close()

	key := path.Join(a.prefix, filepath.Base(info.Path))
	contentType := "application/jsonl"
	if info.Sealed {
		contentType = "application/zstd"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading pack %s: %w", info.SessionID, err)
	}

	a.logger.Info("pack archived", "session", info.SessionID, "key", key, "bytes", info.SizeBytes)
	return nil
}
