// Package rangefetch implements the HTTP(S) Range Fetcher and the
// Parallel Range Dispatcher: the two leaf components that turn a
// contiguous byte range into one or more byte-range requests against a
// remote object.
package rangefetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// NumRetries is the number of additional attempts after the first.
	NumRetries = 8

	backoffBase = 100 * time.Millisecond
)

// Source is anything capable of reporting its total size and returning
// the bytes of an inclusive byte range. HTTPSource and GCSSource both
// implement it, and a Dispatcher wraps either to apply the parallel
// split policy.
type Source interface {
	// Size reports the total length of the remote object in bytes.
	Size(ctx context.Context) (int64, error)

	// Fetch returns exactly end-start+1 bytes, the inclusive range
	// [start, end] of the remote object.
	Fetch(ctx context.Context, start, end int64) ([]byte, error)
}

// HTTPSource fetches byte ranges from an HTTP(S) endpoint that honors
// Range requests.
type HTTPSource struct {
	URL     string
	Verbose bool

	client *retryablehttp.Client

	// debugFailFirstAttempt corrupts the outgoing URL on the very first
	// attempt of every fetch, forcing exactly one retry. It exists only
	// to exercise the retry path in tests.
	debugFailFirstAttempt bool
}

// NewHTTPSource builds a Range Fetcher against url. verbose enables
// diagnostic logging of retries.
func NewHTTPSource(url string, verbose bool) *HTTPSource {
	return newHTTPSource(url, verbose, false)
}

// NewHTTPSourceForTesting builds a Range Fetcher whose first attempt on
// every fetch is deliberately broken, to exercise the retry/backoff
// path.
func NewHTTPSourceForTesting(url string, verbose bool) *HTTPSource {
	return newHTTPSource(url, verbose, true)
}

func newHTTPSource(url string, verbose bool, debugFailFirstAttempt bool) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = NumRetries
	client.Backoff = exponentialBackoff
	client.CheckRetry = checkRetry
	if !verbose {
		client.Logger = nil
	}

	return &HTTPSource{
		URL:                   url,
		Verbose:               verbose,
		client:                client,
		debugFailFirstAttempt: debugFailFirstAttempt,
	}
}

// exponentialBackoff computes 0.1 * 2^attempt seconds for
// attempt = 0, 1, 2, ... (delays 0.1s, 0.2s, 0.4s, ...).
func exponentialBackoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	return time.Duration(float64(backoffBase) * math.Pow(2, float64(attemptNum)))
}

// checkRetry is the retry policy of the client used for the HEAD
// request in Size. It defers to retryablehttp.DefaultRetryPolicy, which
// retries connection errors, 429 and most 5xx responses, but not other
// 4xx responses. Ranged GETs do not go through this client: Fetch runs
// its own retry loop, which also catches a body of the wrong length
// once it has been drained.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Size issues a HEAD request and returns Content-Length.
func (s *HTTPSource) Size(ctx context.Context) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build HEAD request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HEAD request failed: %w", err)
	}
	defer resp.Body.Close()

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, fmt.Errorf("response is missing Content-Length")
	}

	length, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", cl, err)
	}

	return length, nil
}

// Fetch issues a single ranged GET for the inclusive range [start, end],
// retrying up to NumRetries additional times with exponential backoff on
// transport failure or a short response body.
func (s *HTTPSource) Fetch(ctx context.Context, start, end int64) ([]byte, error) {
	want := end - start + 1
	if want <= 0 {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}

	attempt := 0
	var lastErr error

	for attempt <= NumRetries {
		url := s.URL
		if s.debugFailFirstAttempt && attempt == 0 {
			url = "_error_" + url
		}

		body, err := s.fetchOnce(ctx, url, start, end, want)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if s.Verbose {
			log.Printf("remfile: retrying after fetch error for bytes=%d-%d: %v", start, end, err)
		}

		if attempt < NumRetries {
			delay := exponentialBackoff(0, 0, attempt, nil)
			if s.Verbose {
				log.Printf("remfile: waiting %s before retry", delay)
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		attempt++
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", NumRetries+1, lastErr)
}

func (s *HTTPSource) fetchOnce(ctx context.Context, url string, start, end, want int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build GET request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) != want {
		return nil, fmt.Errorf("server returned %d bytes, wanted %d", len(body), want)
	}

	return body, nil
}
