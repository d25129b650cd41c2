package vectorstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const (
	metaFormat    = "sqlpilot.format"
	metaDimension = "sqlpilot.dimension"
	metaNextID    = "sqlpilot.next_id"

	snapshotFormat = "vectorstore/v1"
)

var (
	ErrNoSnapshotStore = errors.New("no snapshot location configured")
	// ErrSnapshotUnloaded is returned by Save after a failed Load, until a
	// later Load succeeds.
	ErrSnapshotUnloaded = errors.New("existing snapshot could not be loaded; refusing to overwrite it")
)

type snapshotRow struct {
	ID       uint64    `parquet:"id"`
	Question string    `parquet:"question"`
	SQL      string    `parquet:"sql"`
	Vector   []float32 `parquet:"vector"`
}

type snapshot struct {
	dim     int
	nextID  uint64
	records []Record
}

// Save writes the current state to the snapshot location. The state is copied
// under the read lock so concurrent adds are either fully in or fully out.
func (s *Store) Save(ctx context.Context) error {
	if s.snapshots == nil {
		return ErrNoSnapshotStore
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	if s.loadFailed {
		s.mu.RUnlock()
		return ErrSnapshotUnloaded
	}
	snap := snapshot{
		dim:     s.dim,
		nextID:  s.nextID,
		records: append([]Record(nil), s.records...),
	}
	version := s.version
	s.mu.RUnlock()

	start := time.Now()
	err := s.writeSnapshot(ctx, snap)
	observability.ObserveSnapshotSave(time.Since(start), err)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if version > s.savedVersion {
		s.savedVersion = version
	}
	s.mu.Unlock()
	s.logger.DebugContext(ctx, "vector store saved",
		slog.String("location", s.snapshots.Location()),
		slog.Int("records", len(snap.records)),
	)
	return nil
}

func (s *Store) writeSnapshot(ctx context.Context, snap snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.snapshots.Write(ctx, data); err != nil {
		return fmt.Errorf("write snapshot to %s: %w", s.snapshots.Location(), err)
	}
	return nil
}

// Load replaces the in-memory state with the stored snapshot. It reports
// false with no error when nothing has been saved yet. Any other failure
// leaves Save disabled until a Load succeeds.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if s.snapshots == nil {
		return false, ErrNoSnapshotStore
	}
	data, err := s.snapshots.Read(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		s.mu.Lock()
		s.loadFailed = false
		s.mu.Unlock()
		return false, nil
	}
	if err != nil {
		return false, s.failLoad(fmt.Errorf("read snapshot from %s: %w", s.snapshots.Location(), err))
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return false, s.failLoad(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim > 0 && snap.dim > 0 && s.dim != snap.dim {
		s.loadFailed = true
		observability.IncrementSnapshotLoadFailure()
		return false, fmt.Errorf("%w: snapshot has %d, store has %d", ErrDimensionMismatch, snap.dim, s.dim)
	}
	mags := make([]float64, len(snap.records))
	for i, rec := range snap.records {
		mags[i] = magnitude(rec.Vector)
	}
	s.records = snap.records
	s.mags = mags
	if snap.dim > 0 {
		s.dim = snap.dim
	}
	if snap.nextID > s.nextID {
		s.nextID = snap.nextID
	}
	s.loadFailed = false
	s.version++
	s.savedVersion = s.version
	observability.SetVectorStoreRecords(len(s.records))
	s.logger.InfoContext(ctx, "vector store loaded",
		slog.String("location", s.snapshots.Location()),
		slog.Int("records", len(s.records)),
	)
	return true, nil
}

func (s *Store) failLoad(err error) error {
	observability.IncrementSnapshotLoadFailure()
	s.mu.Lock()
	s.loadFailed = true
	s.mu.Unlock()
	return err
}

func encodeSnapshot(snap snapshot) ([]byte, error) {
	rows := make([]snapshotRow, len(snap.records))
	for i, rec := range snap.records {
		rows[i] = snapshotRow{ID: rec.ID, Question: rec.Example.Question, SQL: rec.Example.SQL, Vector: rec.Vector}
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[snapshotRow](buf,
		parquet.KeyValueMetadata(metaFormat, snapshotFormat),
		parquet.KeyValueMetadata(metaDimension, strconv.Itoa(snap.dim)),
		parquet.KeyValueMetadata(metaNextID, strconv.FormatUint(snap.nextID, 10)),
	)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (snapshot, error) {
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return snapshot{}, fmt.Errorf("open snapshot: %w", err)
	}
	if format, _ := file.Lookup(metaFormat); format != snapshotFormat {
		return snapshot{}, fmt.Errorf("unsupported snapshot format %q", format)
	}
	var snap snapshot
	if raw, ok := file.Lookup(metaDimension); ok {
		if snap.dim, err = strconv.Atoi(raw); err != nil {
			return snapshot{}, fmt.Errorf("invalid snapshot dimension %q: %w", raw, err)
		}
	}
	if raw, ok := file.Lookup(metaNextID); ok {
		if snap.nextID, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return snapshot{}, fmt.Errorf("invalid snapshot next id %q: %w", raw, err)
		}
	}

	reader := parquet.NewGenericReader[snapshotRow](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]snapshotRow, reader.NumRows())
	read := 0
	for read < len(rows) {
		n, err := reader.Read(rows[read:])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return snapshot{}, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	rows = rows[:read]

	snap.records = make([]Record, 0, len(rows))
	for _, row := range rows {
		if snap.dim > 0 && len(row.Vector) != snap.dim {
			return snapshot{}, fmt.Errorf("%w: record %d has %d values, snapshot declares %d", ErrDimensionMismatch, row.ID, len(row.Vector), snap.dim)
		}
		snap.records = append(snap.records, Record{
			ID:      row.ID,
			Vector:  row.Vector,
			Example: Example{Question: row.Question, SQL: row.SQL},
		})
		if row.ID >= snap.nextID {
			snap.nextID = row.ID + 1
		}
	}
	return snap, nil
}
