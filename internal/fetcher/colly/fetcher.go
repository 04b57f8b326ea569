// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. It is safe
// for concurrent use: the shared collector and its http.Client are configured
// once in New, and every Fetch works on a clone that only adds callbacks.
type Fetcher struct {
	base   *colly.Collector
	robots *robotsTransport
	logger *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Revisits are allowed because the ledger, not the
// collector, decides whether a page is fetched again.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("fetcher")

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.SetRequestTimeout(timeout)

	f := &Fetcher{base: c, logger: logger}
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		f.robots = newRobotsTransport(transport, logger)
		transport = f.robots
	}
	c.WithTransport(transport)
	return f
}

// fetchResult is written by one fetch's collector callbacks and read only
// after the collector returned.
type fetchResult struct {
	start time.Time
	resp  crawler.FetchResponse
	err   error
}

// Fetch executes a single request using Colly. Non-2xx responses are
// returned as *crawler.StatusError. A cancelled fetch returns an empty
// response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	result := &fetchResult{start: time.Now()}
	collector := f.base.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, result)

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(request.Body) > 0 {
		body = bytes.NewReader(request.Body)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, body, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		if result.err != nil {
			return result.resp, fmt.Errorf("colly response failed: %w", result.err)
		}
		if err != nil {
			return result.resp, fmt.Errorf("colly visit failed: %w", err)
		}
		return result.resp, nil
	}
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request crawler.FetchRequest, result *fetchResult) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.resp = toFetchResponse(r, result.start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.resp = toFetchResponse(r, result.start)
			result.err = &crawler.StatusError{URL: result.resp.URL, StatusCode: r.StatusCode}
			return
		}
		result.resp.Duration = time.Since(result.start)
		result.err = err
	})
}

func toFetchResponse(r *colly.Response, start time.Time) crawler.FetchResponse {
	resp := crawler.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
