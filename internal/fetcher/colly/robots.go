package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport sits under the collector's shared client. Colly fetches
// robots.txt once per host and caches the verdict; when that fetch keeps
// timing out the host is crawled as allow-all rather than failing every page
// on it. The fallback is remembered per host and logged once.
type robotsTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	fallbacks map[string]string
}

func newRobotsTransport(base http.RoundTripper, logger *zap.Logger) *robotsTransport {
	return &robotsTransport{
		base:      base,
		backoff:   defaultRobotsBackoff,
		logger:    logger,
		fallbacks: make(map[string]string),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return nil, fmt.Errorf("fetch robots.txt for %s: %w", req.URL.Host, err)
		}
		if attempt >= len(t.backoff) {
			t.fallBack(req.URL.Host, err)
			return allowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (t *robotsTransport) fallBack(host string, cause error) {
	t.mu.Lock()
	_, seen := t.fallbacks[host]
	if !seen {
		t.fallbacks[host] = cause.Error()
	}
	t.mu.Unlock()
	if !seen {
		t.logger.Warn("robots.txt unreachable, crawling host as allow-all",
			zap.String("host", host),
			zap.Error(cause),
		)
	}
}

// fallbackReason reports why host is crawled as allow-all, if it is.
func (t *robotsTransport) fallbackReason(host string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reason, ok := t.fallbacks[host]
	return reason, ok
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots.txt backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
