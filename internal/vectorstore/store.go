// Package vectorstore keeps accepted question/SQL pairs keyed by the embedding
// of the question and answers exhaustive cosine-similarity searches over them.
package vectorstore

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

var (
	ErrArityMismatch     = errors.New("vectors and examples differ in length")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidVector     = errors.New("invalid vector")
)

const DefaultTopK = 5

type Example struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type Record struct {
	ID      uint64
	Vector  []float32
	Example Example
}

type Match struct {
	ID         uint64  `json:"id"`
	Similarity float64 `json:"similarity"`
	Example    Example `json:"example"`
}

// Index is what the generation pipeline needs from a store. An approximate
// index can satisfy it without changes to callers.
type Index interface {
	Add(vector []float32, example Example) (uint64, error)
	Search(query []float32, topK int) ([]Match, error)
	Len() int
}

type Store struct {
	mu      sync.RWMutex
	records []Record
	mags    []float64
	dim     int
	nextID  uint64
	// version counts mutations; savedVersion is the version last written.
	version      uint64
	savedVersion uint64
	// loadFailed blocks Save so an unreadable snapshot is never replaced by
	// the partial in-memory state.
	loadFailed bool

	// saveMu orders snapshot writers so an older copy never overwrites a newer one.
	saveMu    sync.Mutex
	snapshots SnapshotStore
	logger    *slog.Logger
}

type Option func(*Store)

// WithDimension fixes the vector width. Without it the width is taken from
// the first vector added.
func WithDimension(dim int) Option {
	return func(s *Store) { s.dim = dim }
}

func WithSnapshotStore(snapshots SnapshotStore) Option {
	return func(s *Store) { s.snapshots = snapshots }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(opts ...Option) *Store {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrDiscard(s.logger)
	return s
}

var _ Index = (*Store)(nil)

// Add appends one record. Duplicate questions are kept as separate records.
func (s *Store) Add(vector []float32, example Example) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.addLocked(vector, example)
	if err != nil {
		return 0, err
	}
	s.version++
	observability.SetVectorStoreRecords(len(s.records))
	return id, nil
}

// AddNested flattens a multi-dimensional embedding before adding it.
func (s *Store) AddNested(vector [][]float32, example Example) (uint64, error) {
	return s.Add(Flatten(vector), example)
}

// AddMany adds pairs in order under one critical section. Either every pair
// is added or none is.
func (s *Store) AddMany(vectors [][]float32, examples []Example) ([]uint64, error) {
	if len(vectors) != len(examples) {
		return nil, fmt.Errorf("%w: %d vectors, %d examples", ErrArityMismatch, len(vectors), len(examples))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	for i, vector := range vectors {
		if err := checkVector(vector, dim); err != nil {
			return nil, fmt.Errorf("vector %d: %w", i, err)
		}
		if dim == 0 {
			dim = len(vector)
		}
	}
	ids := make([]uint64, 0, len(vectors))
	for i := range vectors {
		id, err := s.addLocked(vectors[i], examples[i])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	s.version++
	observability.SetVectorStoreRecords(len(s.records))
	return ids, nil
}

func (s *Store) addLocked(vector []float32, example Example) (uint64, error) {
	if err := checkVector(vector, s.dim); err != nil {
		return 0, err
	}
	if s.dim == 0 {
		s.dim = len(vector)
	}
	id := s.nextID
	s.nextID++
	s.records = append(s.records, Record{ID: id, Vector: cloneVector(vector), Example: example})
	s.mags = append(s.mags, magnitude(vector))
	return id, nil
}

// Search scores every record against query and returns the best topK,
// highest similarity first. Equal scores keep insertion order. topK <= 0
// means DefaultTopK; a topK above the store size returns every record.
func (s *Store) Search(query []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return []Match{}, nil
	}
	if err := checkVector(query, s.dim); err != nil {
		return nil, err
	}

	type scored struct {
		idx   int
		score float64
	}
	qm := magnitude(query)
	scores := make([]scored, len(s.records))
	for i := range s.records {
		scores[i] = scored{idx: i, score: cosine(query, qm, s.records[i].Vector, s.mags[i])}
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].score > scores[b].score })

	k := min(topK, len(scores))
	matches := make([]Match, k)
	for n := 0; n < k; n++ {
		rec := s.records[scores[n].idx]
		matches[n] = Match{ID: rec.ID, Similarity: scores[n].score, Example: rec.Example}
	}
	return matches, nil
}

// Clear drops every record. Ids keep counting from where they were.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.mags = nil
	s.version++
	observability.SetVectorStoreRecords(0)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Dirty reports whether the store changed since it was last saved or loaded.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version != s.savedVersion
}

func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Records returns a copy of every record in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = Record{ID: rec.ID, Vector: cloneVector(rec.Vector), Example: rec.Example}
	}
	return out
}

// Flatten concatenates a nested embedding into one dimension.
func Flatten(nested [][]float32) []float32 {
	size := 0
	for _, row := range nested {
		size += len(row)
	}
	out := make([]float32, 0, size)
	for _, row := range nested {
		out = append(out, row...)
	}
	return out
}

func checkVector(vector []float32, dim int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidVector)
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite value at %d", ErrInvalidVector, i)
		}
	}
	return nil
}

// cosine treats a zero-magnitude side as similarity 0.
func cosine(a []float32, magA float64, b []float32, magB float64) float64 {
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot(a, b) / (magA * magB)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func magnitude(v []float32) float64 { return math.Sqrt(dot(v, v)) }

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
