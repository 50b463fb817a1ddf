package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

// maxContentLen is Discord's message content limit in characters.
const maxContentLen = 2000

// Notifier sends a short operator alert.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// Discord posts alerts to a Discord webhook URL.
type Discord struct {
	url    string
	client *http.Client
}

// NewDiscord returns nil when url is empty, so callers can skip alerting.
func NewDiscord(url string, client *http.Client) *Discord {
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{url: url, client: client}
}

// Notify sends content, truncated to the Discord limit.
func (d *Discord) Notify(ctx context.Context, content string) error {
	content = truncate(content, maxContentLen)
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return fmt.Errorf("marshal discord message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post discord webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status: %d", resp.StatusCode)
	}
	return nil
}

// truncate shortens s to at most n runes, ending in "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
