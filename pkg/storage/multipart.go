package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/liverec/backend/internal/models"
)

// MultipartConfig controls when and how large files are split into parts.
type MultipartConfig struct {
	Enabled            bool
	ThresholdBytes     int64
	PartSizeBytes      int64
	PerFileConcurrency int
	GlobalConcurrency  int
	// MaxRetries is the number of retries after the first attempt of a part.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultMultipartConfig mirrors the VIDEO_STORAGE_MULTIPART_* defaults.
func DefaultMultipartConfig() MultipartConfig {
	return MultipartConfig{
		Enabled:            true,
		ThresholdBytes:     256 * MiB,
		PartSizeBytes:      128 * MiB,
		PerFileConcurrency: 4,
		GlobalConcurrency:  8,
		MaxRetries:         5,
		BackoffBase:        500 * time.Millisecond,
		BackoffMax:         15 * time.Second,
	}
}

func (c MultipartConfig) withDefaults() MultipartConfig {
	d := DefaultMultipartConfig()
	if c.ThresholdBytes <= 0 {
		c.ThresholdBytes = d.ThresholdBytes
	}
	if c.PartSizeBytes <= 0 {
		c.PartSizeBytes = d.PartSizeBytes
	}
	if c.PerFileConcurrency <= 0 {
		c.PerFileConcurrency = d.PerFileConcurrency
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = d.GlobalConcurrency
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}

// Upload stores the file at req.LocalPath under req.Key: a single PUT below the multipart threshold,
// otherwise a multipart upload with bounded concurrent parts.
func (s *S3) Upload(ctx context.Context, req UploadRequest) (models.UploadResult, error) {
	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return models.UploadResult{}, newError("stat", req.Key, KindPermanent, err)
	}
	if info.IsDir() {
		return models.UploadResult{}, newError("stat", req.Key, KindPermanent, fmt.Errorf("%s is a directory", req.LocalPath))
	}
	size := info.Size()
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	log := s.logger.With(zap.String("key", req.Key), zap.Int64("size_bytes", size))
	start := time.Now()
	if !s.multipart.Enabled || size < s.multipart.ThresholdBytes {
		err = s.putFile(ctx, req.LocalPath, req.Key, contentType, size)
	} else {
		err = s.uploadMultipart(ctx, req.LocalPath, req.Key, contentType, size)
	}
	if err != nil {
		log.Error("upload failed", zap.Error(err))
		return models.UploadResult{}, err
	}
	log.Info("upload completed", zap.Duration("elapsed", time.Since(start)))

	return models.UploadResult{RemoteKey: req.Key, SizeBytes: size, DurationSec: req.DurationSec}, nil
}

func (s *S3) putFile(ctx context.Context, localPath, key, contentType string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return newError("open", key, KindPermanent, err)
	}
	defer f.Close()

	return s.withRetry(ctx, "put_object", key, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(s.bucket),
			Key:                  aws.String(key),
			Body:                 io.NewSectionReader(f, 0, size),
			ContentLength:        aws.Int64(size),
			ContentType:          aws.String(contentType),
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		return err
	})
}

func (s *S3) uploadMultipart(ctx context.Context, localPath, key, contentType string, size int64) error {
	partSize, err := PartSize(size, s.multipart.PartSizeBytes)
	if err != nil {
		return newError("plan_parts", key, KindPermanent, err)
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return classify("create_multipart_upload", key, err)
	}
	uploadID := aws.ToString(created.UploadId)
	if uploadID == "" {
		return newError("create_multipart_upload", key, KindRetryable, errors.New("no upload id returned"))
	}

	log := s.logger.With(zap.String("key", key), zap.String("upload_id", uploadID))
	log.Info("multipart upload started",
		zap.Int64("size_bytes", size),
		zap.Int64("part_size", partSize),
		zap.Int("parts", PartCount(size, partSize)),
	)

	f, err := os.Open(localPath)
	if err != nil {
		s.abort(ctx, key, uploadID)
		return newError("open", key, KindPermanent, err)
	}
	defer f.Close()

	parts, err := s.uploadParts(ctx, f, key, uploadID, size, partSize)
	if err != nil {
		s.abort(ctx, key, uploadID)
		return err
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(ctx, key, uploadID)
		return classify("complete_multipart_upload", key, err)
	}
	return nil
}

// uploadParts reads the file in order and uploads each chunk in its own task. A chunk is read only after
// both the per-file and the global permit are held, so buffered bytes never exceed those limits.
func (s *S3) uploadParts(ctx context.Context, f io.ReaderAt, key, uploadID string, size, partSize int64) ([]types.CompletedPart, error) {
	perFile := semaphore.NewWeighted(int64(s.multipart.PerFileConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	var (
		mu      sync.Mutex
		parts   = make([]types.CompletedPart, 0, PartCount(size, partSize))
		readErr error
	)

	partNumber := int32(0)
	for offset := int64(0); offset < size; offset += partSize {
		partNumber++
		n := min(partSize, size-offset)

		if err := perFile.Acquire(gctx, 1); err != nil {
			break
		}
		if err := s.global.Acquire(gctx, 1); err != nil {
			perFile.Release(1)
			break
		}

		buf := make([]byte, n)
		if read, err := f.ReadAt(buf, offset); int64(read) != n {
			s.global.Release(1)
			perFile.Release(1)
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			readErr = newError("read_part", key, KindPermanent, err)
			break
		}

		num := partNumber
		g.Go(func() error {
			defer perFile.Release(1)
			defer s.global.Release(1)

			etag, err := s.uploadPart(gctx, key, uploadID, num, buf)
			if err != nil {
				return err
			}
			mu.Lock()
			parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(num)})
			mu.Unlock()
			return nil
		})
	}

	waitErr := g.Wait()
	switch {
	case waitErr != nil:
		return nil, waitErr
	case readErr != nil:
		return nil, readErr
	case ctx.Err() != nil:
		return nil, classify("upload_part", key, ctx.Err())
	case len(parts) != int(partNumber):
		return nil, newError("upload_part", key, KindRetryable, fmt.Errorf("uploaded %d of %d parts", len(parts), partNumber))
	}
	return parts, nil
}

func (s *S3) uploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (*string, error) {
	var etag *string
	err := s.withRetry(ctx, "upload_part", key, func(ctx context.Context) error {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		if err != nil {
			return err
		}
		if out == nil || aws.ToString(out.ETag) == "" {
			return errMissingETag
		}
		etag = out.ETag
		return nil
	})
	if err != nil {
		return nil, err
	}
	return etag, nil
}

// withRetry runs op until it succeeds, fails permanently, or MaxRetries retries are spent.
func (s *S3) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		serr := classify(op, key, err)
		if !serr.Retryable() || attempt > s.multipart.MaxRetries || ctx.Err() != nil {
			return serr
		}
		delay := RetryDelay(s.multipart.BackoffBase, s.multipart.BackoffMax, attempt)
		s.logger.Warn("storage operation failed, retrying",
			zap.String("op", op),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return serr
		}
	}
}

// abort releases the multipart session. Its failure is only logged.
func (s *S3) abort(ctx context.Context, key, uploadID string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, err := s.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		s.logger.Warn("abort multipart upload failed",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("multipart upload aborted", zap.String("key", key), zap.String("upload_id", uploadID))
}
