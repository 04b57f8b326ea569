package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

func TestLimiterWaitThrottlesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.5, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiterDisabledWhenRPSNotPositive(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for range 20 {
		require.NoError(t, l.Wait(ctx, "https://a.com/"))
	}
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.com/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "https://a.com/"))
}

func TestFetcherDelegatesAfterWait(t *testing.T) {
	t.Parallel()

	next := &stubFetcher{}
	f := Wrap(next, New(Config{}), nil)
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://a.com/x", Method: "GET"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 1, next.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	strict := Wrap(next, New(Config{DefaultRPS: 0.1, DefaultBurst: 1}), nil)
	_, err = strict.Fetch(context.Background(), crawler.FetchRequest{URL: "https://b.com/"})
	require.NoError(t, err)
	_, err = strict.Fetch(ctx, crawler.FetchRequest{URL: "https://b.com/"})
	require.Error(t, err)
	require.Equal(t, 2, next.calls)
}

type stubFetcher struct {
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.calls++
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200}, nil
}
