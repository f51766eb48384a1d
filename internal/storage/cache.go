package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/glin-ai/glin-client/internal/errdefs"
)

// Cache partition names under the base directory.
var partitions = []string{"models", "datasets", "outputs"}

// Cache is a content-addressed store on the local filesystem. Presence of
// a file is taken as proof of validity; entries are never checksummed
// after the first successful download. Concurrent requests for one key
// share a single download.
type Cache struct {
	baseDir string
	fetcher Fetcher
	flight  singleflight.Group
}

func NewCache(baseDir string, f Fetcher) *Cache {
	return &Cache{baseDir: baseDir, fetcher: f}
}

// Init creates the partition directories.
func (c *Cache) Init() error {
	for _, p := range partitions {
		if err := os.MkdirAll(filepath.Join(c.baseDir, p), 0o755); err != nil {
			return &errdefs.StorageError{Op: "init cache", Err: err}
		}
	}
	return nil
}

func (c *Cache) ModelPath(cid string) string {
	return filepath.Join(c.baseDir, "models", cid)
}

func (c *Cache) DatasetPath(key string) string {
	return filepath.Join(c.baseDir, "datasets", key)
}

func (c *Cache) OutputDir(taskID string) string {
	return filepath.Join(c.baseDir, "outputs", taskID)
}

// Model returns the local path of a model artifact, fetching it through
// the gateway on first use.
func (c *Cache) Model(ctx context.Context, cid string) (string, error) {
	return c.ensure(ctx, c.ModelPath(cid), func() error {
		log.Info().Str("cid", cid).Msg("Downloading model")
		return c.fetcher.Fetch(ctx, cid, c.ModelPath(cid))
	})
}

// Dataset returns the local path of a dataset. References with an ipfs://
// scheme go through the gateway keyed by CID; anything else is treated as
// a plain HTTP source cached under a filename derived from the URL.
func (c *Cache) Dataset(ctx context.Context, ref string) (string, error) {
	if cid, ok := strings.CutPrefix(ref, "ipfs://"); ok {
		return c.ensure(ctx, c.DatasetPath(cid), func() error {
			log.Info().Str("cid", cid).Msg("Downloading dataset")
			return c.fetcher.Fetch(ctx, cid, c.DatasetPath(cid))
		})
	}
	dest := c.DatasetPath(derivedFilename(ref))
	return c.ensure(ctx, dest, func() error {
		log.Info().Str("url", ref).Msg("Downloading dataset")
		return c.fetcher.FetchURL(ctx, ref, dest)
	})
}

// EnsureOutputDir creates a fresh per-task output directory.
func (c *Cache) EnsureOutputDir(taskID string) (string, error) {
	dir := c.OutputDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &errdefs.StorageError{Op: "create output dir", Err: err}
	}
	return dir, nil
}

// ensure returns dest if it is already present, otherwise runs fetch under
// a per-key single-flight so concurrent callers share one download. The
// flight winner's context governs the shared download; if the winner is
// cancelled, waiters whose own context is still live retake the flight
// instead of inheriting the cancellation.
func (c *Cache) ensure(ctx context.Context, dest string, fetch func() error) (string, error) {
	for {
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
		_, err, _ := c.flight.Do(dest, func() (interface{}, error) {
			// Re-check under the flight: a concurrent caller may have
			// completed the download while this one queued.
			if _, err := os.Stat(dest); err == nil {
				return nil, nil
			}
			return nil, fetch()
		})
		if err == nil {
			return dest, nil
		}
		if isContextErr(err) && ctx.Err() == nil {
			continue
		}
		return "", err
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Cleanup removes every entry, across all partitions, whose modification
// time is older than maxAge. Returns the number of entries removed.
func (c *Cache) Cleanup(maxAge time.Duration) (int, error) {
	now := time.Now()
	removed := 0
	for _, p := range partitions {
		dir := filepath.Join(c.baseDir, p)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, &errdefs.StorageError{Op: "scan " + p, Err: err}
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < maxAge {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			log.Info().Str("path", path).Msg("Removing expired cache entry")
			if err := os.RemoveAll(path); err != nil {
				return removed, &errdefs.StorageError{Op: "remove " + path, Err: err}
			}
			removed++
		}
	}
	return removed, nil
}

// Size returns the total bytes held across all partitions.
func (c *Cache) Size() (int64, error) {
	var total int64
	for _, p := range partitions {
		dir := filepath.Join(c.baseDir, p)
		err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("size %s: %w", p, err)
		}
	}
	return total, nil
}

// derivedFilename keys a non-addressed source by the last URL path
// segment, stripped of query noise.
func derivedFilename(url string) string {
	name := url
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		name = "dataset.bin"
	}
	return name
}
