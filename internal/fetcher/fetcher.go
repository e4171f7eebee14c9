package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"zenfeed/internal/config"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// maxResponseSize caps how much of a feed document we are willing to read.
// Remote feeds are untrusted and a hostile or broken server could otherwise
// stream forever.
const maxResponseSize = 10 << 20 // 10MB

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindHTTPStatus        ErrorKind = "http_status"
	KindTLS               ErrorKind = "tls"
)

// Error is a classified fetch failure. All fetch errors are non-fatal to a
// sync pass; they are reported per feed.
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fetcher retrieves raw feed documents over HTTP(S). It enforces a per-request
// timeout, a global rate limit across all feeds and a configurable number of
// retries on transient network failures. HTTP 4xx is never retried.
type Fetcher struct {
	client        *http.Client
	limiter       *rate.Limiter
	userAgent     string
	retries       int
	retryInterval time.Duration
}

func New(cfg *config.Config) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		limiter:       rate.NewLimiter(rate.Limit(cfg.FetchRatePerSecond), cfg.FetchBurst),
		userAgent:     cfg.UserAgent,
		retries:       cfg.FetchRetries,
		retryInterval: cfg.FetchRetryInterval,
	}
}

// Fetch retrieves the document at url. The returned error, if any, is always
// a *Error.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	operation := func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(&Error{Kind: KindTimeout, URL: url, Err: err})
		}

		data, err := f.fetchOnce(ctx, url)
		if err != nil {
			fe := err.(*Error)
			if !retryable(fe) {
				return backoff.Permanent(fe)
			}
			return fe
		}
		body = data
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retryInterval), uint64(f.retries))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &Error{Kind: KindTimeout, URL: url, Err: err}
	}

	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindConnectionRefused, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Warning: failed to close response body for %s: %v", url, err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindHTTPStatus, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, classify(url, err)
	}
	if len(body) > maxResponseSize {
		return nil, &Error{Kind: KindHTTPStatus, URL: url, StatusCode: http.StatusRequestEntityTooLarge,
			Err: fmt.Errorf("response larger than %d bytes", maxResponseSize)}
	}

	return body, nil
}

// classify maps a transport error onto the fetch error taxonomy.
func classify(url string, err error) *Error {
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return &Error{Kind: KindTLS, URL: url, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	}

	// Everything else (refused, reset, DNS failure) counts as a connection
	// level failure.
	return &Error{Kind: KindConnectionRefused, URL: url, Err: err}
}

// retryable reports whether a second attempt could plausibly succeed.
// Timeouts, refused/reset connections and server-side 5xx are transient;
// client errors and TLS failures are not.
func retryable(e *Error) bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindConnectionRefused:
		if errors.Is(e.Err, context.Canceled) {
			return false
		}
		return true
	case KindHTTPStatus:
		return e.StatusCode >= 500
	default:
		return false
	}
}
