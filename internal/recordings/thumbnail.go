package recordings

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var commandContext = exec.CommandContext

// Thumbnailer grabs a poster frame from a finished recording with ffmpeg.
type Thumbnailer struct {
	binary string
}

// NewThumbnailer uses binary, or "ffmpeg" from PATH when empty.
func NewThumbnailer(binary string) *Thumbnailer {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Thumbnailer{binary: binary}
}

// Frame returns a JPEG of the frame two seconds in, scaled to 640 pixels wide.
func (t *Thumbnailer) Frame(ctx context.Context, videoPath string) ([]byte, error) {
	if strings.TrimSpace(videoPath) == "" {
		return nil, errors.New("thumbnail: empty path")
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", "00:00:02",
		"-i", videoPath,
		"-frames:v", "1",
		"-vf", "scale=640:-1",
		"-q:v", "3",
		"-f", "image2", "-c:v", "mjpeg",
		"pipe:1",
	}
	cmd := commandContext(ctx, t.binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("thumbnail: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	data := stdout.Bytes()
	if len(data) == 0 {
		return nil, errors.New("thumbnail: ffmpeg produced no frame")
	}
	if mt := mimetype.Detect(data); !mt.Is("image/jpeg") {
		return nil, fmt.Errorf("thumbnail: output is %s, not a jpeg", mt.String())
	}
	return data, nil
}
