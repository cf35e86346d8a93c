package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/bulk-import-client/pkg/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// PutObjectAPI is the part of the S3 client the mirror needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror copies artifacts to an S3 bucket so retry packages survive the
// host that produced them.
type S3Mirror struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Mirror loads the default AWS configuration for region (and profile,
// when set) and returns a mirror writing under s3://bucket/prefix/.
func NewS3Mirror(ctx context.Context, bucket, prefix, region, profile string) (*S3Mirror, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewS3MirrorWithClient(s3.NewFromConfig(cfg), bucket, prefix, nil), nil
}

// NewS3MirrorWithClient builds a mirror around an existing client.
func NewS3MirrorWithClient(client PutObjectAPI, bucket, prefix string, logger *zerolog.Logger) *S3Mirror {
	return &S3Mirror{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.Component(logger, "s3-mirror"),
	}
}

// Key returns the object key for a file relative to base.
func (m *S3Mirror) Key(base, file string) (string, error) {
	rel, err := filepath.Rel(base, file)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", file, base)
	}
	if m.prefix == "" {
		return rel, nil
	}
	return path.Join(m.prefix, rel), nil
}

// UploadFile uploads one file, keyed relative to base.
func (m *S3Mirror) UploadFile(ctx context.Context, base, file string) error {
	key, err := m.Key(base, file)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	contentType := "application/json"
	if strings.HasSuffix(file, ".md") {
		contentType = "text/markdown"
	}
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		MirroredObjects.WithLabelValues("error").Inc()
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	MirroredObjects.WithLabelValues("success").Inc()
	return nil
}

// UploadDir uploads every regular file below dir and returns how many were
// uploaded. It stops at the first failure.
func (m *S3Mirror) UploadDir(ctx context.Context, base, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		if err := m.UploadFile(ctx, base, p); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	m.logger.Info().Str("bucket", m.bucket).Str("directory", dir).Int("files", n).Msg("Artifacts mirrored")
	return n, nil
}
