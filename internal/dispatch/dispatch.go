// Package dispatch implements the Upstream Dispatcher: sanitized,
// streaming relay to the upstream chat-completion API with bounded
// exponential-backoff retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUpstream is returned when retries are exhausted due to connection-
// level failures; callers map it to a 502 with error_code=upstream_error.
var ErrUpstream = errors.New("dispatch: upstream connection failed after retries")

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 plus
// the spec's explicit Host/Content-Length removal.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Host":                true,
	"Content-Length":      true,
}

// Config bounds retry behavior.
type Config struct {
	RetryMax    int
	RetryBaseMS int
	Timeout     time.Duration
}

// Dispatcher performs one upstream round trip per Do call, retrying on
// connection errors or 429/5xx responses up to Config.RetryMax times.
type Dispatcher struct {
	client *http.Client
	cfg    Config
}

// New constructs a Dispatcher. client is typically a single shared
// *http.Client created at process startup and reused across requests.
func New(client *http.Client, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{client: client, cfg: cfg}
}

// SanitizeHeaders copies in, strips hop-by-hop/Host/Content-Length
// headers, and replaces Authorization with a Bearer token for secret.
func SanitizeHeaders(in http.Header, secret string) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		if http.CanonicalHeaderKey(name) == "Authorization" {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("Authorization", "Bearer "+secret)
	return out
}

// BuildUpstreamURL joins baseURL with path and preserves query.
func BuildUpstreamURL(baseURL, path, rawQuery string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("dispatch: parse base url: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	base.RawQuery = rawQuery
	return base.String(), nil
}

// Do performs the request, retrying per Config. body must be fully
// buffered by the caller (the spec's pipeline reads the request body
// fully up front to allow retries). On success (including 4xx/5xx
// statuses that are not retried further), the caller owns resp.Body and
// must close it. On exhausted connection-error retries, returns
// ErrUpstream.
func (d *Dispatcher) Do(ctx context.Context, method, targetURL string, headers http.Header, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		req, err := http.NewRequestWithContext(reqCtx, method, targetURL, newBodyReader(body))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("dispatch: build request: %w", err)
		}
		req.Header = headers.Clone()

		resp, err := d.client.Do(req)
		if err != nil {
			cancel()
			if attempt >= d.cfg.RetryMax {
				return nil, ErrUpstream
			}
			d.sleepBackoff(ctx, attempt)
			continue
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < d.cfg.RetryMax {
			_ = resp.Body.Close()
			cancel()
			d.sleepBackoff(ctx, attempt)
			continue
		}

		// Success or a non-retried status: hand the live response (and
		// its cancel func, wrapped into the body) to the caller.
		resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
}

func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) {
	backoff := time.Duration(d.cfg.RetryBaseMS) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
	}
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return &byteReader{data: body}
}

// byteReader is a minimal io.Reader over a byte slice, used instead of
// bytes.NewReader directly so retries can rewind by constructing a fresh
// reader per attempt from the same backing array.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// cancelOnCloseBody ensures the per-attempt context is canceled (and its
// resources freed) once the caller finishes reading/closing the response
// body, satisfying the dispatcher's "connection closed after the client
// consumes the stream" guarantee.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
