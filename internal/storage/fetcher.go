package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/glin-ai/glin-client/internal/errdefs"
)

const (
	maxFetchAttempts = 3
	fetchRetryDelay  = 2 * time.Second
)

// Fetcher retrieves and publishes artifacts over HTTP. Fetch and FetchURL
// retry transient failures; Upload and Probe do not.
type Fetcher interface {
	Fetch(ctx context.Context, cid, dest string) error
	FetchURL(ctx context.Context, url, dest string) error
	Upload(ctx context.Context, path string) (string, error)
	Probe(ctx context.Context, cid string) bool
}

// IPFSClient talks to an IPFS gateway for reads and a local IPFS API node
// for writes.
type IPFSClient struct {
	http       *resty.Client
	gatewayURL string
	apiURL     string
	attempts   int
	retryDelay time.Duration
}

func NewIPFSClient(gatewayURL, apiURL string) *IPFSClient {
	return &IPFSClient{
		http:       resty.New().SetTimeout(5 * time.Minute),
		gatewayURL: trimSlash(gatewayURL),
		apiURL:     trimSlash(apiURL),
		attempts:   maxFetchAttempts,
		retryDelay: fetchRetryDelay,
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Fetch downloads a content-addressed artifact through the gateway.
func (c *IPFSClient) Fetch(ctx context.Context, cid, dest string) error {
	return c.fetchWithRetry(ctx, fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, cid), dest)
}

// FetchURL downloads from an arbitrary HTTP source with the same retry
// policy as gateway fetches.
func (c *IPFSClient) FetchURL(ctx context.Context, url, dest string) error {
	return c.fetchWithRetry(ctx, url, dest)
}

// fetchWithRetry downloads to a partial file and renames on success, so a
// crash mid-write never leaves a half-written entry at the final path.
// Between attempts it honors cancellation.
func (c *IPFSClient) fetchWithRetry(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &errdefs.StorageError{Op: "create cache dir", Err: err}
	}

	tmp := dest + ".partial"
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		lastErr = c.tryDownload(ctx, url, tmp)
		if lastErr == nil {
			if err := os.Rename(tmp, dest); err != nil {
				return &errdefs.StorageError{Op: "commit download", Err: err}
			}
			return nil
		}
		_ = os.Remove(tmp)
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", c.attempts).
			Str("url", url).
			Msg("Download attempt failed")
	}
	return &errdefs.StorageError{
		Op:  "download " + url,
		Err: fmt.Errorf("after %d attempts: %w", c.attempts, lastErr),
	}
}

func (c *IPFSClient) tryDownload(ctx context.Context, url, dest string) error {
	resp, err := c.http.R().SetContext(ctx).SetOutput(dest).Get(url)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode())
	}
	return nil
}

// Upload publishes a file to the local IPFS node and returns its CID.
func (c *IPFSClient) Upload(ctx context.Context, path string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", path).
		Post(c.apiURL + "/api/v0/add")
	if err != nil {
		return "", &errdefs.StorageError{Op: "upload " + filepath.Base(path), Err: err}
	}
	if !resp.IsSuccess() {
		return "", &errdefs.StorageError{
			Op:  "upload " + filepath.Base(path),
			Err: fmt.Errorf("node returned status %d", resp.StatusCode()),
		}
	}

	var out struct {
		Hash string `json:"Hash"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", &errdefs.StorageError{Op: "parse upload response", Err: err}
	}
	if out.Hash == "" {
		return "", &errdefs.StorageError{
			Op:  "parse upload response",
			Err: fmt.Errorf("no Hash field in response"),
		}
	}
	log.Info().Str("cid", out.Hash).Str("file", filepath.Base(path)).Msg("Uploaded artifact")
	return out.Hash, nil
}

// Probe checks whether a CID is reachable through the gateway. Any
// transport error counts as not accessible.
func (c *IPFSClient) Probe(ctx context.Context, cid string) bool {
	resp, err := c.http.R().SetContext(ctx).Head(fmt.Sprintf("%s/ipfs/%s", c.gatewayURL, cid))
	return err == nil && resp.IsSuccess()
}
