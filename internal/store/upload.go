package store

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the narrow interface the core depends on for the
// (out-of-scope) cloud tier. It mirrors services/downloader/s3.go's
// S3Uploader shape in the teacher, kept intentionally small so the core
// never needs to know about buckets, regions, or credentials beyond
// this.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
}

// S3Uploader uploads artifacts to S3. Nothing in this repository calls
// it: the core only records an upload_intents row per stored artifact
// (see the catalog gateways' RecordSuccess), and this type is for the
// downstream uploader component that drains those rows.
type S3Uploader struct {
	client *s3.Client
}

// NewS3Uploader creates an S3Uploader using the default AWS credential
// chain for the given region.
func NewS3Uploader(ctx context.Context, region string) (*S3Uploader, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg)}, nil
}

// Upload puts body at bucket/key.
func (u *S3Uploader) Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading to S3: %w", err)
	}
	return nil
}

// NullUploader is a no-op Uploader, used when no S3 bucket is
// configured (local-only deployments).
type NullUploader struct{}

// Upload does nothing.
func (NullUploader) Upload(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	return nil
}

// IntentKey builds the S3 key an artifact would use if the downstream
// uploader picks up its intent row.
func IntentKey(documentID int64, contentHash, ext string) string {
	return fmt.Sprintf("documents/%d/%s.%s", documentID, contentHash, ext)
}
