package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

// CachedSource serves the schema from memory, then from a JSON file, and only
// asks the database when neither has it or a refresh is forced.
type CachedSource struct {
	extractor Extractor
	path      string
	logger    *slog.Logger

	mu     sync.Mutex
	cached *Schema
}

var _ Source = (*CachedSource)(nil)

func NewCachedSource(extractor Extractor, path string, logger *slog.Logger) *CachedSource {
	return &CachedSource{extractor: extractor, path: path, logger: observability.OrDiscard(logger)}
}

func (c *CachedSource) Extract(ctx context.Context, forceRefresh bool) (Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh {
		if c.cached != nil {
			return *c.cached, nil
		}
		s, err := c.readFile()
		switch {
		case err == nil:
			observability.ObserveSchemaExtract("file", nil)
			c.logger.InfoContext(ctx, "schema loaded from cache file", slog.String("path", c.path))
			c.cached = &s
			return s, nil
		case !errors.Is(err, fs.ErrNotExist):
			observability.ObserveSchemaExtract("file", err)
			c.logger.WarnContext(ctx, "schema cache unreadable, extracting", slog.String("path", c.path), slog.Any("error", err))
		}
	}

	if c.extractor == nil {
		return Schema{}, fmt.Errorf("extract schema: no database configured")
	}
	s, err := c.extractor.Extract(ctx)
	observability.ObserveSchemaExtract("database", err)
	if err != nil {
		return Schema{}, fmt.Errorf("extract schema: %w", err)
	}
	if err := c.writeFile(s); err != nil {
		c.logger.ErrorContext(ctx, "failed to cache schema", slog.String("path", c.path), slog.Any("error", err))
	}
	c.cached = &s
	return s, nil
}

func (c *CachedSource) readFile() (Schema, error) {
	if c.path == "" {
		return Schema{}, fs.ErrNotExist
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return Schema{}, err
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("decode schema cache: %w", err)
	}
	return s, nil
}

func (c *CachedSource) writeFile(s Schema) error {
	if c.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}
