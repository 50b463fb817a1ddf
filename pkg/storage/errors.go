package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Kind tags a storage failure with how callers may react to it.
type Kind int

const (
	KindRetryable Kind = iota + 1
	KindPermanent
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is the only error type returned by object stores. Kind is decided once, where the failure happens.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q (%s): %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindRetryable }

// NotFound reports whether the object (or key) does not exist.
func (e *Error) NotFound() bool { return e.Kind == KindNotFound }

// IsNotFound reports whether err is a storage error of kind NotFound.
func IsNotFound(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsRetryable reports whether err is a storage error of kind Retryable.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindRetryable
}

var errMissingETag = errors.New("upload part response carried no ETag")

func newError(op, key string, kind Kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

// classify wraps an SDK error into *Error. Errors already classified pass through unchanged.
func classify(op, key string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return newError(op, key, kindOf(err), err)
}

func kindOf(err error) Kind {
	if errors.Is(err, errMissingETag) {
		return KindRetryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	var canceled *aws.RequestCanceledError
	if errors.As(err, &canceled) {
		return KindRetryable
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return KindNotFound
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return KindNotFound
	}
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return KindPermanent
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return KindNotFound
		case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return KindRetryable
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		switch {
		case code == 404:
			return KindNotFound
		case code == 408, code == 429, code >= 500:
			return KindRetryable
		case code >= 400:
			return KindPermanent
		}
	}

	if apiErr != nil {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return KindRetryable
		}
		return KindPermanent
	}

	var serErr *smithy.SerializationError
	if errors.As(err, &serErr) {
		return KindPermanent
	}

	// No HTTP response at all: dial failures, resets, timeouts.
	return KindRetryable
}
