package registry

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backup uploads registry snapshots to an S3 bucket after each persist.
// Each upload overwrites a stable key and also writes a timestamped copy so
// an operator can recover the registry as of any reconciliation pass.
type S3Backup struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backup builds an uploader using the default AWS credential chain.
func NewS3Backup(ctx context.Context, bucket, prefix string) (*S3Backup, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Backup{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Upload ships one registry snapshot.
func (b *S3Backup) Upload(ctx context.Context, data []byte) error {
	keys := []string{
		b.prefix + "/registry.json",
		fmt.Sprintf("%s/registry-%s.json", b.prefix, time.Now().UTC().Format("20060102T150405Z")),
	}

	for _, key := range keys {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}
	return nil
}
