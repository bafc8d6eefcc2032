// Package filecache implements the in-process keyed file cache for coarse
// blobs such as stock history strings and fundamentals reports. Freshness
// is judged by file mtime against the caller's max age.
package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coolbix/quantgate/internal/common"
	"github.com/coolbix/quantgate/internal/interfaces"
)

// Cache stores each blob as one file under the base directory.
type Cache struct {
	basePath string
	logger   *common.Logger
}

// NewCache creates a file cache rooted at basePath.
func NewCache(logger *common.Logger, basePath string) (*Cache, error) {
	if basePath == "" {
		return nil, fmt.Errorf("file cache base path is required")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", basePath, err)
	}

	logger.Debug().Str("path", basePath).Msg("file cache initialized")
	return &Cache{basePath: basePath, logger: logger}, nil
}

// sanitizeKey converts a key to a safe filename. Path separators and
// traversal attempts collapse to underscores.
func sanitizeKey(key string) string {
	clean := strings.ReplaceAll(key, "/", "_")
	clean = strings.ReplaceAll(clean, "\\", "_")
	clean = strings.ReplaceAll(clean, "..", "__")
	return clean + ".cache"
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.basePath, sanitizeKey(key))
}

// Get returns the cached blob when it exists and its mtime is within
// maxAge. A non-positive maxAge treats any cached blob as stale.
func (c *Cache) Get(key string, maxAge time.Duration) ([]byte, bool) {
	if maxAge <= 0 {
		return nil, false
	}

	p := c.path(key)
	info, err := os.Stat(p)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > maxAge {
		return nil, false
	}

	data, err := os.ReadFile(p)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return nil, false
	}
	return data, true
}

// Put writes a blob, replacing any previous value. The write goes through
// a temp file and rename so readers never see a torn blob.
func (c *Cache) Put(key string, data []byte) error {
	p := c.path(key)
	tmp := p + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit cache entry %s: %w", key, err)
	}
	return nil
}

// Purge removes every cached blob and returns the removed count.
func (c *Cache) Purge() int {
	entries, err := os.ReadDir(c.basePath)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache purge read failed")
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cache") {
			continue
		}
		if err := os.Remove(filepath.Join(c.basePath, entry.Name())); err == nil {
			removed++
		}
	}

	c.logger.Debug().Int("removed", removed).Msg("file cache purged")
	return removed
}

// Ensure Cache implements BlobCache
var _ interfaces.BlobCache = (*Cache)(nil)
