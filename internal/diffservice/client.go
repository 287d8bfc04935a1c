package diffservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"gihan9a/hotupdate/internal/diffgen"
)

// DefaultRequestTimeout bounds a single patch generation call
const DefaultRequestTimeout = 30 * time.Second

// ErrUnavailable means the service could not be reached
var ErrUnavailable = errors.New("diff service unavailable")

// ServiceError is a failure reported by the service itself
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("diff service error (%d): %s", e.StatusCode, e.Message)
}

// Client calls a running diff service. It implements diffgen.Engine.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Health returns nil when /health answers OK
func (c *Client) Health(ctx context.Context) error {
	_, err := c.getText(ctx, "/health")
	return err
}

// Version returns the service banner
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.getText(ctx, "/version")
}

func (c *Client) getText(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return string(body), nil
}

// GeneratePatch asks the service for a patch. Paths are sent as absolute paths since
// the service may run in another working directory.
func (c *Client) GeneratePatch(ctx context.Context, r diffgen.Request) (*diffgen.PatchFile, error) {
	for _, p := range []*string{&r.OldFile, &r.NewFile, &r.OutputDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, err
		}
		*p = filepath.ToSlash(abs)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate-patch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response: %v", err)}
	}

	if !out.Success {
		if out.Reason == diffgen.ReasonPatchTooLarge && out.Stats != nil {
			stats := *out.Stats
			stats.SizeRatio = diffgen.SizeRatio(stats.PatchSize, stats.OldSize)
			return nil, &diffgen.TooLargeError{
				Reason:         out.Reason,
				Recommendation: out.Recommendation,
				Threshold:      out.Threshold,
				Stats:          stats,
			}
		}
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: out.Error}
	}

	pf := &diffgen.PatchFile{
		Path:       filepath.FromSlash(out.PatchFilePath),
		Format:     out.Format,
		SourceHash: out.SourceHash,
		TargetHash: out.TargetHash,
	}
	if out.Stats != nil {
		pf.Stats = *out.Stats
	}
	return pf, nil
}
