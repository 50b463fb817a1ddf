package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// S3API is the subset of *s3.Client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds one bucket's connection settings. Endpoint is set for S3-compatible vendors
// (Wasabi, Backblaze B2, Supabase Storage), which also usually need PathStyle.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
	PathStyle       bool
	Multipart       MultipartConfig
}

// S3 stores objects in one bucket, switching to multipart uploads for large files.
type S3 struct {
	client    S3API
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	multipart MultipartConfig
	global    *semaphore.Weighted
	sleep     Sleeper
	logger    *zap.Logger
}

// S3Option customizes an S3 store.
type S3Option func(*S3)

// WithSleeper replaces the retry sleep, mostly for tests.
func WithSleeper(s Sleeper) S3Option {
	return func(st *S3) { st.sleep = s }
}

// NewS3 creates an S3 client from static credentials when given, else the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger, opts ...S3Option) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)))
		logger.Info("S3 client using static credentials",
			zap.String("region", cfg.Region),
			zap.String("bucket", cfg.Bucket),
			zap.String("endpoint", cfg.Endpoint),
		)
	} else {
		logger.Warn("S3 client using default credential chain", zap.String("bucket", cfg.Bucket))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		// Retries belong to the part retry loop below, not to the SDK.
		o.RetryMaxAttempts = 1
	})
	return NewS3WithClient(client, cfg, logger, opts...), nil
}

// NewS3WithClient wraps an existing client.
func NewS3WithClient(client S3API, cfg S3Config, logger *zap.Logger, opts ...S3Option) *S3 {
	if logger == nil {
		logger = zap.NewNop()
	}
	mp := cfg.Multipart.withDefaults()
	st := &S3{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.KeyPrefix,
		multipart: mp,
		global:    semaphore.NewWeighted(int64(mp.GlobalConcurrency)),
		sleep:     SleepContext,
		logger:    logger.With(zap.String("bucket", cfg.Bucket)),
	}
	st.uploader = manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = MinPartSize
	})
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Key applies the configured key prefix to name.
func (s *S3) Key(name string) string {
	return joinKey(s.prefix, name)
}

// PutBytes stores a small in-memory object and returns its key.
func (s *S3) PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", classify("put_bytes", key, err)
	}
	return key, nil
}

// Delete removes an object. A missing object yields a KindNotFound error.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("delete_object", key, err)
	}
	return nil
}
