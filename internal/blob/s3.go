package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/KafClaw/membank/internal/config"
)

// S3 stores blobs in an S3-compatible bucket (AWS, MinIO, or anything
// speaking the protocol). Path-style addressing keeps MinIO happy.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func newS3(ctx context.Context, settings *config.Settings) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(settings.BlobRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			settings.BlobAccessKey, settings.BlobSecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrBlob, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(settings.BlobEndpointURL)
		o.UsePathStyle = true
	})

	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  settings.BlobBucket,
	}, nil
}

// Put uploads the blob under the given key.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrBlob, key, err)
	}
	return nil
}

// Get downloads the blob, or nil when the key does not exist.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrBlob, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBlob, key, err)
	}
	return data, nil
}

// Presign returns a time-limited GET URL for the blob.
func (s *S3) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", ErrBlob, key, err)
	}
	return req.URL, nil
}
