// Package generator runs one question through retrieval, the model and the
// validator, and feeds accepted answers back into the example store.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/nl2sql"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/sqlguard"
	"github.com/sqlpilot/sqlpilot/internal/vectorstore"
)

var (
	ErrGeneration  = errors.New("sql generation failed")
	ErrPersistence = errors.New("example persistence failed")
)

const (
	FailureGeneration = "generation"
	FailureValidation = "validation"

	outcomeGenerationError = "generation_error"

	DefaultSearchTopK       = 5
	DefaultPromptExamples   = 5
	DefaultResponseExamples = 3
)

// Store is the example bank the service reads from and appends to.
type Store interface {
	vectorstore.Index
	Save(ctx context.Context) error
}

type Validator interface {
	Validate(ctx context.Context, sql string) sqlguard.Result
}

type SimilarExample struct {
	Question   string  `json:"question"`
	SQL        string  `json:"sql"`
	Similarity float64 `json:"similarity"`
}

type Response struct {
	Success         bool             `json:"success"`
	SQL             string           `json:"sql"`
	Error           string           `json:"error,omitempty"`
	Warning         string           `json:"warning,omitempty"`
	Columns         []string         `json:"columns"`
	SimilarExamples []SimilarExample `json:"similar_examples"`
	Outcome         string           `json:"outcome"`
	FailureKind     string           `json:"failure_kind,omitempty"`
}

type Options struct {
	Schema    schema.Source
	Embedder  embedding.Embedder
	Store     Store
	Completer nl2sql.Completer
	Validator Validator
	Logger    *slog.Logger

	SearchTopK       int
	PromptExamples   int
	ResponseExamples int
}

type Service struct {
	schema    schema.Source
	embedder  embedding.Embedder
	store     Store
	completer nl2sql.Completer
	validator Validator
	logger    *slog.Logger

	searchTopK       int
	promptExamples   int
	responseExamples int
}

func New(opts Options) (*Service, error) {
	switch {
	case opts.Schema == nil:
		return nil, fmt.Errorf("schema source is required")
	case opts.Embedder == nil:
		return nil, fmt.Errorf("embedder is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("example store is required")
	case opts.Completer == nil:
		return nil, fmt.Errorf("completer is required")
	case opts.Validator == nil:
		return nil, fmt.Errorf("validator is required")
	}
	s := &Service{
		schema:           opts.Schema,
		embedder:         opts.Embedder,
		store:            opts.Store,
		completer:        opts.Completer,
		validator:        opts.Validator,
		logger:           observability.OrDiscard(opts.Logger),
		searchTopK:       opts.SearchTopK,
		promptExamples:   opts.PromptExamples,
		responseExamples: opts.ResponseExamples,
	}
	if s.searchTopK <= 0 {
		s.searchTopK = DefaultSearchTopK
	}
	if s.promptExamples <= 0 {
		s.promptExamples = DefaultPromptExamples
	}
	if s.responseExamples <= 0 {
		s.responseExamples = DefaultResponseExamples
	}
	return s, nil
}

// Generate never returns an error and never panics; every failure is described
// in the response.
func (s *Service) Generate(ctx context.Context, question string) (resp Response) {
	start := time.Now()
	// A disconnecting caller does not abort collaborator calls.
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.ErrorContext(ctx, "generation panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			resp = failure(resp.SQL, fmt.Errorf("%w: internal error: %v", ErrGeneration, rec), FailureGeneration)
		}
		observability.ObserveGeneration(resp.Outcome, time.Since(start))
	}()
	return s.generate(ctx, question)
}

func (s *Service) generate(ctx context.Context, question string) Response {
	question = strings.TrimSpace(question)
	if question == "" {
		return failure("", fmt.Errorf("%w: question is empty", ErrGeneration), FailureGeneration)
	}

	sch, err := s.schema.Extract(ctx, false)
	if err != nil {
		s.logger.ErrorContext(ctx, "schema unavailable", slog.Any("error", err))
		return failure("", fmt.Errorf("%w: %w", ErrGeneration, err), FailureGeneration)
	}

	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		s.logger.ErrorContext(ctx, "question embedding failed", slog.Any("error", err))
		return failure("", fmt.Errorf("%w: %w", ErrGeneration, err), FailureGeneration)
	}

	matches, err := s.store.Search(vector, s.searchTopK)
	if err != nil {
		s.logger.WarnContext(ctx, "example search failed, continuing without examples", slog.Any("error", err))
		matches = nil
	}
	similar := similarExamples(matches, s.responseExamples)
	s.logger.InfoContext(ctx, "similar examples retrieved", slog.Int("count", len(matches)))

	prompt := nl2sql.BuildPrompt(schema.Format(sch), promptExamples(matches, s.promptExamples), question)
	sql, err := s.completer.Complete(ctx, nl2sql.SystemPrompt, prompt)
	if err == nil && strings.TrimSpace(sql) == "" {
		err = errors.New("model returned empty SQL")
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "model call failed", slog.Any("error", err))
		resp := failure(sql, fmt.Errorf("%w: %w", ErrGeneration, err), FailureGeneration)
		resp.SimilarExamples = similar
		return resp
	}
	s.logger.InfoContext(ctx, "sql generated", slog.String("sql", sql))

	verdict := s.validator.Validate(ctx, sql)
	if !verdict.Outcome.Acceptable() {
		s.logger.WarnContext(ctx, "generated sql rejected",
			slog.String("outcome", string(verdict.Outcome)),
			slog.String("stage", verdict.Stage.String()),
			slog.String("reason", verdict.Reason),
		)
		return Response{
			SQL:             sql,
			Error:           verdict.Reason,
			Columns:         []string{},
			SimilarExamples: similar,
			Outcome:         string(verdict.Outcome),
			FailureKind:     FailureValidation,
		}
	}

	if err := s.remember(ctx, vector, question, sql); err != nil {
		s.logger.WarnContext(ctx, "accepted sql not persisted", slog.Any("error", err))
	}

	resp := Response{
		Success:         true,
		SQL:             sql,
		Columns:         verdict.Columns,
		SimilarExamples: similar,
		Outcome:         string(verdict.Outcome),
	}
	if resp.Columns == nil {
		resp.Columns = []string{}
	}
	if verdict.Outcome == sqlguard.OutcomeDegradedValid {
		resp.Warning = verdict.Reason
	}
	return resp
}

// remember adds the accepted pair and snapshots the store. A failed add or
// save is reported as ErrPersistence and never fails the request.
func (s *Service) remember(ctx context.Context, vector []float32, question, sql string) error {
	if _, err := s.store.Add(vector, vectorstore.Example{Question: question, SQL: sql}); err != nil {
		return fmt.Errorf("%w: add: %w", ErrPersistence, err)
	}
	if err := s.store.Save(ctx); err != nil {
		return fmt.Errorf("%w: save: %w", ErrPersistence, err)
	}
	return nil
}

func failure(sql string, err error, kind string) Response {
	return Response{
		SQL:             sql,
		Error:           err.Error(),
		Columns:         []string{},
		SimilarExamples: []SimilarExample{},
		Outcome:         outcomeGenerationError,
		FailureKind:     kind,
	}
}

func similarExamples(matches []vectorstore.Match, limit int) []SimilarExample {
	out := make([]SimilarExample, 0, min(limit, len(matches)))
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, SimilarExample{Question: m.Example.Question, SQL: m.Example.SQL, Similarity: m.Similarity})
	}
	return out
}

// promptExamples keeps search order (most similar first). With nothing
// retrieved yet the seed examples stand in.
func promptExamples(matches []vectorstore.Match, limit int) []nl2sql.Example {
	if len(matches) == 0 {
		return nl2sql.SeedExamples
	}
	out := make([]nl2sql.Example, 0, min(limit, len(matches)))
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, nl2sql.Example{Question: m.Example.Question, SQL: m.Example.SQL})
	}
	return out
}
