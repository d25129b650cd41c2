package generator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlpilot/sqlpilot/internal/embedcache"
	"github.com/sqlpilot/sqlpilot/internal/query"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/sqlguard"
	"github.com/sqlpilot/sqlpilot/internal/vectorstore"
)

type staticSchema struct {
	err error
}

func (s staticSchema) Extract(context.Context, bool) (schema.Schema, error) {
	if s.err != nil {
		return schema.Schema{}, s.err
	}
	return schema.Schema{Tables: []schema.Table{{
		Name:    "raw_albums",
		Columns: []schema.Column{{Name: "album_title", Type: "text"}, {Name: "album_listens", Type: "integer"}},
	}}}, nil
}

// keywordEmbedder maps texts mentioning albums and artists to fixed directions.
type keywordEmbedder struct {
	err   error
	calls atomic.Int32
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	v := []float32{0, 0, 1}
	if strings.Contains(text, "album") {
		v[0] = 1
	}
	if strings.Contains(text, "artist") {
		v[1] = 1
	}
	return v, nil
}

func (e *keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEmbedder) ModelName() string { return "keywords" }

type scriptedCompleter struct {
	mu         sync.Mutex
	sql        string
	err        error
	panicMsg   string
	lastPrompt string
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, userPrompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicMsg != "" {
		panic(c.panicMsg)
	}
	c.lastPrompt = userPrompt
	return c.sql, c.err
}

type scriptedEngine struct {
	result query.Result
	err    error
}

func (e scriptedEngine) Execute(context.Context, query.Request) (query.Result, error) {
	return e.result, e.err
}

type failingSaveStore struct {
	*vectorstore.Store
}

func (failingSaveStore) Save(context.Context) error { return errors.New("read-only filesystem") }

type fixture struct {
	service   *Service
	store     *vectorstore.Store
	embedder  *keywordEmbedder
	completer *scriptedCompleter
	path      string
}

func newFixture(t *testing.T, engine query.Engine, sql string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "vector_store.parquet")
	store := vectorstore.New(vectorstore.WithSnapshotStore(vectorstore.FileSnapshotStore{Path: path}))
	embedder := &keywordEmbedder{}
	cache, err := embedcache.New(embedder, 16, nil)
	require.NoError(t, err)
	completer := &scriptedCompleter{sql: sql}

	service, err := New(Options{
		Schema:    staticSchema{},
		Embedder:  cache,
		Store:     store,
		Completer: completer,
		Validator: sqlguard.New(sqlguard.Options{
			Engine: engine,
			Probe:  func(string) (uint64, error) { return 1 << 40, nil },
		}),
	})
	require.NoError(t, err)
	return &fixture{service: service, store: store, embedder: embedder, completer: completer, path: path}
}

func TestGenerateLearnsFromAcceptedSQL(t *testing.T) {
	engine := scriptedEngine{result: query.Result{Columns: []string{"album_title", "album_listens"}, HasDescriptor: true}}
	f := newFixture(t, engine, "SELECT album_title, album_listens FROM raw_albums ORDER BY album_listens DESC")
	_, err := f.store.Add([]float32{1, 0, 1}, vectorstore.Example{Question: "album titles", SQL: "SELECT album_title FROM raw_albums"})
	require.NoError(t, err)

	resp := f.service.Generate(context.Background(), "most listened albums")

	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "valid", resp.Outcome)
	require.Empty(t, resp.FailureKind)
	require.Equal(t, []string{"album_title", "album_listens"}, resp.Columns)
	require.Len(t, resp.SimilarExamples, 1)
	require.Equal(t, "album titles", resp.SimilarExamples[0].Question)
	require.Equal(t, 2, f.store.Len())
	require.Contains(t, f.completer.lastPrompt, "Question: album titles\nSQL: SELECT album_title FROM raw_albums")
	require.Contains(t, f.completer.lastPrompt, "Table: raw_albums")

	reloaded := vectorstore.New(vectorstore.WithSnapshotStore(vectorstore.FileSnapshotStore{Path: f.path}))
	ok, err := reloaded.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, reloaded.Len())
	require.Equal(t, "most listened albums", reloaded.Records()[1].Example.Question)
}

func TestGenerateDegradesOnDiskExhaustion(t *testing.T) {
	engine := scriptedEngine{err: errors.New("could not write to file: No space left on device")}
	f := newFixture(t, engine, "SELECT album_title FROM raw_albums")

	resp := f.service.Generate(context.Background(), "album titles")

	require.True(t, resp.Success)
	require.Equal(t, "degraded_valid", resp.Outcome)
	require.Equal(t, []string{}, resp.Columns)
	require.NotEmpty(t, resp.Warning)
	require.Equal(t, 1, f.store.Len())
}

func TestGenerateRejectsUnsafeSQLWithoutLearning(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "DELETE FROM raw_albums")

	resp := f.service.Generate(context.Background(), "remove all albums")

	require.False(t, resp.Success)
	require.Equal(t, "invalid_policy", resp.Outcome)
	require.Equal(t, FailureValidation, resp.FailureKind)
	require.Equal(t, "DELETE FROM raw_albums", resp.SQL)
	require.NotEmpty(t, resp.Error)
	require.Equal(t, []string{}, resp.Columns)
	require.Zero(t, f.store.Len())
}

func TestGenerateExecutionErrorIsValidationFailure(t *testing.T) {
	f := newFixture(t, scriptedEngine{err: errors.New(`column "nope" does not exist`)}, "SELECT nope FROM raw_albums")

	resp := f.service.Generate(context.Background(), "albums")

	require.False(t, resp.Success)
	require.Equal(t, "execution_error", resp.Outcome)
	require.Contains(t, resp.Error, `column "nope" does not exist`)
	require.Zero(t, f.store.Len())
}

func TestGenerateModelFailure(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "")
	f.completer.err = errors.New("upstream 503")
	_, err := f.store.Add([]float32{1, 0, 1}, vectorstore.Example{Question: "album titles", SQL: "SELECT 1"})
	require.NoError(t, err)

	resp := f.service.Generate(context.Background(), "albums")

	require.False(t, resp.Success)
	require.Equal(t, FailureGeneration, resp.FailureKind)
	require.Equal(t, "generation_error", resp.Outcome)
	require.Contains(t, resp.Error, "upstream 503")
	require.Len(t, resp.SimilarExamples, 1)
	require.Equal(t, 1, f.store.Len())
}

func TestGenerateEmptyModelReply(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "   ")
	resp := f.service.Generate(context.Background(), "albums")
	require.False(t, resp.Success)
	require.Equal(t, FailureGeneration, resp.FailureKind)
}

func TestGenerateEmbeddingFailure(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "SELECT 1")
	f.embedder.err = errors.New("quota exceeded")

	resp := f.service.Generate(context.Background(), "albums")

	require.False(t, resp.Success)
	require.Equal(t, FailureGeneration, resp.FailureKind)
	require.Contains(t, resp.Error, "quota exceeded")
	require.Equal(t, []SimilarExample{}, resp.SimilarExamples)
}

func TestGenerateEmptyQuestion(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "SELECT 1")
	resp := f.service.Generate(context.Background(), "  ")
	require.False(t, resp.Success)
	require.Zero(t, f.embedder.calls.Load())
}

func TestGenerateSchemaFailure(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "SELECT 1")
	f.service.schema = staticSchema{err: errors.New("no database configured")}
	resp := f.service.Generate(context.Background(), "albums")
	require.False(t, resp.Success)
	require.Equal(t, FailureGeneration, resp.FailureKind)
}

func TestGenerateRecoversPanics(t *testing.T) {
	f := newFixture(t, scriptedEngine{}, "SELECT 1")
	f.completer.panicMsg = "nil map"

	resp := f.service.Generate(context.Background(), "albums")

	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "nil map")
	require.Equal(t, []string{}, resp.Columns)
}

func TestGenerateSaveFailureIsOnlyAWarning(t *testing.T) {
	f := newFixture(t, scriptedEngine{result: query.Result{Columns: []string{"one"}, HasDescriptor: true}}, "SELECT 1 AS one")
	f.service.store = failingSaveStore{Store: f.store}

	resp := f.service.Generate(context.Background(), "one")

	require.True(t, resp.Success)
	require.Equal(t, 1, f.store.Len())
}

func TestGenerateCapsSimilarExamples(t *testing.T) {
	f := newFixture(t, scriptedEngine{result: query.Result{HasDescriptor: true, Columns: []string{"c"}}}, "SELECT c FROM t")
	for i := 0; i < 6; i++ {
		_, err := f.store.Add([]float32{1, 0, 1}, vectorstore.Example{Question: "album q", SQL: "SELECT 1"})
		require.NoError(t, err)
	}

	resp := f.service.Generate(context.Background(), "album")

	require.Len(t, resp.SimilarExamples, DefaultResponseExamples)
	require.Equal(t, DefaultPromptExamples, strings.Count(f.completer.lastPrompt, "Question: album q"))
}

func TestGenerateUsesSeedExamplesOnEmptyStore(t *testing.T) {
	f := newFixture(t, scriptedEngine{result: query.Result{HasDescriptor: true, Columns: []string{"c"}}}, "SELECT c FROM t")
	resp := f.service.Generate(context.Background(), "album")
	require.True(t, resp.Success)
	require.Empty(t, resp.SimilarExamples)
	require.Contains(t, f.completer.lastPrompt, "raw_albums ORDER BY album_id")
}

func TestGenerateConcurrentRequests(t *testing.T) {
	f := newFixture(t, scriptedEngine{result: query.Result{HasDescriptor: true, Columns: []string{"c"}}}, "SELECT c FROM t")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := f.service.Generate(context.Background(), "album question")
			require.True(t, resp.Success)
		}()
	}
	wg.Wait()
	require.Equal(t, 20, f.store.Len())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
