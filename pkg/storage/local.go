package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/liverec/backend/internal/models"
)

// Local stores objects as files under a root directory. Used for development and single-node setups.
type Local struct {
	root   string
	prefix string
	logger *zap.Logger
}

// NewLocal creates the root directory if needed.
func NewLocal(root, keyPrefix string, logger *zap.Logger) (*Local, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if root == "" {
		return nil, errors.New("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve local storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage root: %w", err)
	}
	return &Local{root: abs, prefix: keyPrefix, logger: logger.With(zap.String("root", abs))}, nil
}

// Key applies the configured key prefix to name.
func (l *Local) Key(name string) string {
	return joinKey(l.prefix, name)
}

func (l *Local) pathFor(op, key string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newError(op, key, KindPermanent, errors.New("key escapes storage root"))
	}
	return p, nil
}

// Upload copies the file into the store.
func (l *Local) Upload(ctx context.Context, req UploadRequest) (models.UploadResult, error) {
	dst, err := l.pathFor("upload", req.Key)
	if err != nil {
		return models.UploadResult{}, err
	}
	src, err := os.Open(req.LocalPath)
	if err != nil {
		return models.UploadResult{}, newError("open", req.Key, KindPermanent, err)
	}
	defer src.Close()

	size, err := l.write(dst, func(w io.Writer) (int64, error) { return io.Copy(w, src) })
	if err != nil {
		return models.UploadResult{}, newError("upload", req.Key, KindRetryable, err)
	}
	l.logger.Info("upload completed", zap.String("key", req.Key), zap.Int64("size_bytes", size))
	return models.UploadResult{RemoteKey: req.Key, SizeBytes: size, DurationSec: req.DurationSec}, nil
}

// PutBytes writes data under key.
func (l *Local) PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	dst, err := l.pathFor("put_bytes", key)
	if err != nil {
		return "", err
	}
	if _, err := l.write(dst, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	}); err != nil {
		return "", newError("put_bytes", key, KindRetryable, err)
	}
	return key, nil
}

// Delete removes the file for key. A missing file yields a KindNotFound error.
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.pathFor("delete", key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError("delete", key, KindNotFound, err)
		}
		return newError("delete", key, KindRetryable, err)
	}
	return nil
}

// write fills a temp file next to dst and renames it into place.
func (l *Local) write(dst string, fill func(io.Writer) (int64, error)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := fill(tmp)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	return n, nil
}
