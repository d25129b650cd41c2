package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sqlpilot/sqlpilot/internal/storage"
)

// ErrNoSnapshot is returned by a SnapshotStore that holds nothing yet.
var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore is the single location a store is persisted to.
type SnapshotStore interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Location() string
}

// FileSnapshotStore keeps the snapshot in a local file, replaced atomically.
type FileSnapshotStore struct {
	Path string
}

func (f FileSnapshotStore) Location() string { return f.Path }

func (f FileSnapshotStore) Read(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	return data, err
}

func (f FileSnapshotStore) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ObjectSnapshotStore keeps the snapshot as one object in an S3 compatible bucket.
type ObjectSnapshotStore struct {
	Store storage.ObjectStore
	Key   string
}

func (o ObjectSnapshotStore) Location() string { return "object:" + o.Key }

func (o ObjectSnapshotStore) Read(ctx context.Context) ([]byte, error) {
	reader, err := o.Store.Get(ctx, o.Key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (o ObjectSnapshotStore) Write(ctx context.Context, data []byte) error {
	_, err := o.Store.Put(ctx, o.Key, bytes.NewReader(data), int64(len(data)), "application/vnd.apache.parquet")
	return err
}
