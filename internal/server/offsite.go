// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the MySQLBak License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/mysqlbak/internal/config"
)

// mirrorTimeout limita o upload de um artefato para o bucket.
const mirrorTimeout = 30 * time.Minute

// S3Mirror replica artefatos finalizados para um bucket S3 (ou compatível)
// após o commit local. Falha de espelhamento é logada, nunca propaga para a
// transferência.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Mirror monta o client S3 a partir da configuração. Credenciais
// estáticas vazias caem na chain default do SDK.
func NewS3Mirror(ctx context.Context, cfg config.OffsiteMirrorInfo, logger *slog.Logger) (*S3Mirror, error) {
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
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With("component", "s3_mirror"),
	}, nil
}

// Mirror envia o artefato local para o bucket sob prefix/<clientId>/<name>.
func (m *S3Mirror) Mirror(ctx context.Context, localPath, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening artifact for mirror: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating artifact for mirror: %w", err)
	}

	key := path.Join(m.prefix, clientID, path.Base(localPath))
	start := time.Now()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", localPath, m.bucket, key, err)
	}

	m.logger.Info("artifact mirrored",
		"bucket", m.bucket,
		"key", key,
		"size", info.Size(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
