// Package fetch downloads manifests and update payloads over HTTP.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"gihan9a/hotupdate/pkg/otaproto"
)

// DefaultTimeout bounds every request when Options.Timeout is zero
const DefaultTimeout = 30 * time.Second

// ErrNetwork is matched by every transport failure and every *StatusError
var ErrNetwork = errors.New("network error")

// StatusError is returned for any response other than 200
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNetwork
}

type requestIDKey struct{}

// WithRequestID tags outgoing requests made with ctx with an X-Request-ID header
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Options configures a Client
type Options struct {
	Timeout time.Duration
	// Insecure disables certificate verification, for self-signed development servers
	Insecure   bool
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Client performs bounded GET requests
type Client struct {
	http   *http.Client
	logger *zap.SugaredLogger
}

func New(opts Options) *Client {
	c := &Client{http: opts.HTTPClient, logger: opts.Logger}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		c.http = &http.Client{Timeout: timeout, Transport: transport}
	}
	if c.logger == nil {
		c.logger = zap.NewNop().Sugar()
	}
	return c
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// Get returns the full response body
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, rawURL, err)
	}
	return data, nil
}

// Manifest fetches, decodes and validates the manifest at rawURL. Relative artifact
// urls inside the manifest are resolved against rawURL.
func (c *Client) Manifest(ctx context.Context, rawURL string) (*otaproto.Manifest, error) {
	data, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	m, err := otaproto.DecodeManifest(data)
	if err != nil {
		return nil, err
	}
	resolveManifest(rawURL, m)

	c.logger.Debugf("Fetched manifest %s: version=%s type=%s", rawURL, m.Version, m.UpdateType)
	return m, nil
}

// Download streams rawURL into dest and returns the number of bytes written.
// A failed download leaves no file at dest.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("%w: download %s: %v", ErrNetwork, rawURL, err)
	}

	c.logger.Debugf("Downloaded %s (%d bytes) to %s", rawURL, n, dest)
	return n, nil
}

// Resolve returns ref resolved against base. Absolute refs and unparsable input are
// returned unchanged.
func Resolve(base, ref string) string {
	if ref == "" {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func resolveManifest(base string, m *otaproto.Manifest) {
	m.FullBundle.URL = Resolve(base, m.FullBundle.URL)
	m.Fallback.URL = Resolve(base, m.Fallback.URL)
	if m.FullBundle.Compressed != nil {
		m.FullBundle.Compressed.URL = Resolve(base, m.FullBundle.Compressed.URL)
	}
	if d := m.DeltaUpdate; d != nil {
		d.PatchURL = Resolve(base, d.PatchURL)
		if d.Compressed != nil {
			d.Compressed.PatchURL = Resolve(base, d.Compressed.PatchURL)
		}
	}
}
