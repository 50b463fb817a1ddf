package recordings

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/abema/go-mp4"
)

// ProbeDuration reads the movie header of an MP4 file and returns its duration rounded to whole seconds.
// Only box headers are read; media data is skipped.
func ProbeDuration(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mp4: %w", err)
	}
	defer f.Close()

	info, err := mp4.Probe(f)
	if err != nil {
		return 0, fmt.Errorf("probe mp4: %w", err)
	}
	if info.Timescale == 0 {
		return 0, errors.New("probe mp4: no movie header")
	}
	return int(math.Round(float64(info.Duration) / float64(info.Timescale))), nil
}
