package llm

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	maxRetries       = 3
	retryBaseBackoff = 100 * time.Millisecond
)

// doWithRetry issues the request built by build, retrying rate limits and
// upstream failures with exponential backoff. build is called per attempt
// because a *http.Request body cannot be replayed once sent.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastStatus int
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * retryBaseBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt == maxRetries {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}
		lastStatus = resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: status %d", maxRetries+1, lastStatus)
}
