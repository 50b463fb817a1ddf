package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/liverec/backend/internal/models"
)

const (
	BackendS3    = "s3"
	BackendLocal = "local"
)

// UploadRequest describes one local file to store under Key.
type UploadRequest struct {
	LocalPath   string
	Key         string
	ContentType string
	// DurationSec is copied onto the result as-is.
	DurationSec *int
}

// ObjectStore is what the recording pipeline needs from a storage backend.
type ObjectStore interface {
	Upload(ctx context.Context, req UploadRequest) (models.UploadResult, error)
	PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	Key(name string) string
}

// VideoObjectName is the object name for a recording's video: recording-{id}_origin.{ext}.
func VideoObjectName(recordingID uuid.UUID, localPath string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(localPath)), ".")
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("recording-%s_origin.%s", recordingID, ext)
}

// CoverObjectName is the object name for a recording's poster image.
func CoverObjectName(recordingID uuid.UUID, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return recordingID.String() + ext
}

// ContentTypeFor sniffs the file header and falls back to the extension.
func ContentTypeFor(localPath string) string {
	if mt, err := mimetype.DetectFile(localPath); err == nil && !mt.Is("application/octet-stream") {
		return mt.String()
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
