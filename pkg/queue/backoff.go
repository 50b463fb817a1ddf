package queue

import "time"

const (
	backoffBase = 5 * time.Second
	backoffCap  = 24 * time.Hour
)

// Backoff returns the delay before the next run of a job that has now failed n times: 5s, 25s, 125s, ...
// It never exceeds 24h.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := backoffBase
	for i := 1; i < n; i++ {
		if d >= backoffCap/5 {
			return backoffCap
		}
		d *= 5
	}
	return d
}
