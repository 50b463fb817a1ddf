package recordings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultCoverMaxBytes bounds a downloaded cover image.
const DefaultCoverMaxBytes = 10 * 1024 * 1024

const maxCoverRedirects = 5

var errBlockedCoverHost = errors.New("cover host resolves to a non-public address")

// newCoverClient returns a client that only connects to public unicast addresses. The check runs on the
// resolved address at dial time, so redirects and DNS answers are covered too.
func newCoverClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: publicOnly}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: checkCoverRedirect,
	}
}

func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return fmt.Errorf("%w: %s", errBlockedCoverHost, addr)
	}
	return nil
}

func checkCoverRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxCoverRedirects {
		return fmt.Errorf("stopped after %d redirects", maxCoverRedirects)
	}
	return checkCoverURL(req.URL)
}

func checkCoverURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("cover url scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("cover url has no host")
	}
	return nil
}

type coverImage struct {
	data        []byte
	contentType string
	ext         string
}

func fetchCover(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) (*coverImage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse cover url: %w", err)
	}
	if err := checkCoverURL(u); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download cover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download cover status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read cover: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("cover larger than %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty cover")
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("cover is %s, not an image", mt.String())
	}
	return &coverImage{data: data, contentType: mt.String(), ext: mt.Extension()}, nil
}
