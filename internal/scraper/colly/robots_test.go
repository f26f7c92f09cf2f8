package collyscraper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	defer func() { s.calls++ }()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := &robotsTransport{base: base, logger: zap.NewNop()}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://registry.test/robots.txt", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, len(robotsRetryBackoff)+1, base.calls)
}

func TestRobotsTransportStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := &robotsTransport{base: base, logger: zap.NewNop()}

	resp, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://registry.test/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
}

func TestRobotsTransportPassesOtherRequestsThrough(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	transport := &robotsTransport{base: base, logger: zap.NewNop()}

	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://registry.test/eregister/Application_View.aspx", nil))
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, 1, base.calls)

	base = &stubRoundTripper{results: []roundTripResult{{err: errors.New("no such host")}}}
	transport = &robotsTransport{base: base, logger: zap.NewNop()}
	_, err = transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://registry.test/robots.txt", nil))
	require.ErrorContains(t, err, "no such host")
	require.Equal(t, 1, base.calls)
}
