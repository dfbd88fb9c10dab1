package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used for bodies
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config locates the body bucket. Endpoint is set for S3-compatible
// stores and switches to path-style addressing.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3BodyStore keeps bodies as objects <prefix>YYYY/MM/DD/<id>.eml
type S3BodyStore struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewS3BodyStore loads the default AWS credential chain
func NewS3BodyStore(ctx context.Context, cfg S3Config) (*S3BodyStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("queue: s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BodyStoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3BodyStoreWithClient uses an existing client
func NewS3BodyStoreWithClient(client S3API, bucket, prefix string) *S3BodyStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3BodyStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: slog.Default().With("component", "queue-s3"),
		now:    time.Now,
	}
}

func (s *S3BodyStore) Put(ctx context.Context, id string, data []byte) (string, error) {
	key := s.prefix + s.now().UTC().Format("2006/01/02") + "/" + id + ".eml"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("message/rfc822"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload body %s: %w", key, err)
	}
	s.logger.Debug("Stored message body", "key", key, "size", len(data))
	return key, nil
}

func (s *S3BodyStore) Get(ctx context.Context, ref string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: body %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to download body %s: %w", ref, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body %s: %w", ref, err)
	}
	return data, nil
}

func (s *S3BodyStore) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("failed to delete body %s: %w", ref, err)
	}
	return nil
}
