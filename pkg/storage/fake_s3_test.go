package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func httpError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      fmt.Errorf("http %d", status),
		},
	}
}

type uploadedPart struct {
	number int32
	size   int64
}

// fakeS3 records calls and injects failures per part number.
type fakeS3 struct {
	mu sync.Mutex

	putErr      error
	createErr   error
	completeErr error
	abortErr    error
	deleteErr   error

	// partFailures[n] is how many times part n fails before succeeding; -1 fails forever.
	partFailures map[int32]int
	partErr      error
	noETag       map[int32]bool
	partDelay    time.Duration

	puts      []int64
	parts     []uploadedPart
	attempts  map[int32]int
	completed []int32
	aborted   int
	deleted   []string
	creates   int

	inFlight    int32
	maxInFlight int32
}

func newFakeS3() *fakeS3 {
	return &fakeS3{partFailures: map[int32]int{}, noETag: map[int32]bool{}, attempts: map[int32]int{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	n, _ := io.Copy(io.Discard, in.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts = append(f.puts, n)
	return &s3.PutObjectOutput{ETag: aws.String("put")}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&f.maxInFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxInFlight, prev, cur) {
			break
		}
	}
	if f.partDelay > 0 {
		time.Sleep(f.partDelay)
	}
	n, _ := io.Copy(io.Discard, in.Body)
	num := aws.ToInt32(in.PartNumber)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[num]++
	if left, ok := f.partFailures[num]; ok && left != 0 {
		if left > 0 {
			f.partFailures[num] = left - 1
		}
		err := f.partErr
		if err == nil {
			err = httpError(503)
		}
		return nil, err
	}
	if f.noETag[num] {
		return &s3.UploadPartOutput{}, nil
	}
	f.parts = append(f.parts, uploadedPart{number: num, size: n})
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", num))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	for _, p := range in.MultipartUpload.Parts {
		f.completed = append(f.completed, aws.ToInt32(p.PartNumber))
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	if f.abortErr != nil {
		return nil, f.abortErr
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// recordingSleeper captures requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

var errBoom = errors.New("boom")
