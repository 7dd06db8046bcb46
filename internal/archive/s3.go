// Package archive optionally uploads completed task logs to S3-compatible
// object storage.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads a completed task's log file and returns a URI for it.
// Failure is always non-fatal to the task it describes.
type Archiver interface {
	Archive(ctx context.Context, taskID, logPath string) (string, error)
}

// NoopArchiver is used when no archive destination is configured.
type NoopArchiver struct{}

func (NoopArchiver) Archive(ctx context.Context, taskID, logPath string) (string, error) {
	return "", nil
}

// S3Config configures the archiver.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3Archiver uploads task logs to AWS S3 (or an S3-compatible endpoint).
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads AWS config once and prepares a shared client reused
// across every task's archive upload.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Archive uploads the log file for taskID and returns a s3:// URI.
func (a *S3Archiver) Archive(ctx context.Context, taskID, logPath string) (string, error) {
	key := a.objectKey("tasks", taskID, "log.txt")

	file, err := os.Open(logPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        file,
		ContentType: ptr("text/plain"),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *S3Archiver) objectKey(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func ptr[T any](v T) *T {
	return &v
}
