package storage

import (
	"errors"
	"fmt"
)

const (
	MiB = int64(1024 * 1024)
	GiB = 1024 * MiB

	// MinPartSize and MaxPartSize bound every part except the last.
	MinPartSize = 5 * MiB
	MaxPartSize = 5 * GiB
	// MaxParts is the most parts one multipart upload may have.
	MaxParts = 10000
)

var (
	ErrPartSizeOutOfRange = errors.New("configured part size out of range")
	ErrObjectTooLarge     = errors.New("object too large for multipart upload")
)

// PartSize picks the part size for a file: the configured size, grown just enough to stay within MaxParts.
func PartSize(fileSize, configured int64) (int64, error) {
	if configured < MinPartSize || configured > MaxPartSize {
		return 0, fmt.Errorf("%w: %d bytes, want [%d, %d]", ErrPartSizeOutOfRange, configured, MinPartSize, MaxPartSize)
	}
	if fileSize < 0 {
		return 0, fmt.Errorf("negative file size %d", fileSize)
	}
	need := (fileSize + MaxParts - 1) / MaxParts
	size := max(configured, need)
	if size > MaxPartSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrObjectTooLarge, fileSize)
	}
	return size, nil
}

// PartCount is the number of parts a file of fileSize splits into at partSize.
func PartCount(fileSize, partSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	return int((fileSize + partSize - 1) / partSize)
}
