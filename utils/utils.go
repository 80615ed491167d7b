package utils

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/parnurzeal/gorequest"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

func CacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return filepath.Join(cacheDir, "nvd-match")
}

// DataDir is the default root of feed files, indexes and scheduler state.
func DataDir() string {
	return filepath.Join(CacheDir(), "data")
}

// RetryPolicy bounds the attempts of FetchURL.
type RetryPolicy struct {
	// Retry is the number of attempts after the first one.
	Retry int
	// Wait is the delay before the first retry; it doubles on every attempt.
	Wait time.Duration
	// MaxWait caps the doubled delay. Zero means no cap.
	MaxWait time.Duration
	// Timeout bounds a single request. Zero means no timeout.
	Timeout time.Duration
}

// Backoff returns the delay before the given retry attempt (1-based), without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(float64(p.Wait) * math.Pow(2, float64(attempt-1)))
	if p.MaxWait > 0 && (d > p.MaxWait || d < 0) {
		d = p.MaxWait
	}
	return d
}

// HTTPError is returned for a response with a non-200 status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error. status code: %d, url: %s", e.StatusCode, e.URL)
}

// Temporary reports whether the request is worth retrying.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// FetchURL returns HTTP response body with retry. Transport errors and 5xx
// responses are retried; any other status fails at once.
func FetchURL(ctx context.Context, url string, p RetryPolicy) (res []byte, err error) {
	for i := 0; i <= p.Retry; i++ {
		if i > 0 {
			wait := p.Backoff(i)
			wait += jitter(wait / 2)
			logrus.WithFields(logrus.Fields{"url": url, "attempt": i}).Debugf("retry after %s", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		res, err = fetchURL(url, p.Timeout)
		if err == nil {
			return res, nil
		}
		var httpErr *HTTPError
		if xerrors.As(err, &httpErr) && !httpErr.Temporary() {
			return nil, xerrors.Errorf("failed to fetch URL: %w", err)
		}
	}
	return nil, xerrors.Errorf("failed to fetch URL: %w", err)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(randInt() % int64(limit))
}

func randInt() int64 {
	seed, _ := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	return seed.Int64()
}

func fetchURL(url string, timeout time.Duration) ([]byte, error) {
	req := gorequest.New()
	if timeout > 0 {
		req = req.Timeout(timeout)
	}
	resp, body, errs := req.Get(url).EndBytes()
	if len(errs) > 0 {
		return nil, xerrors.Errorf("HTTP error. url: %s, err: %w", url, errs[0])
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: url}
	}
	return body, nil
}

func LookupEnv(key, defaultValue string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultValue
}
