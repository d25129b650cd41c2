// Package sqlguard decides whether a generated statement is safe to keep: it
// must be a single well-formed SELECT that the target database accepts.
package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
)

type Outcome string

const (
	OutcomeValid          Outcome = "valid"
	OutcomeInvalidSyntax  Outcome = "invalid_syntax"
	OutcomeInvalidPolicy  Outcome = "invalid_policy"
	OutcomeExecutionError Outcome = "execution_error"
	OutcomeDegradedValid  Outcome = "degraded_valid"
)

// Acceptable is true for outcomes whose statement may be kept as an example.
func (o Outcome) Acceptable() bool {
	return o == OutcomeValid || o == OutcomeDegradedValid
}

type Stage int

const (
	StageParse Stage = iota
	StagePolicy
	StageGrammar
	StagePreflight
	StageLimit
	StageExecute
	StageClassify
	stageDone
)

func (s Stage) String() string {
	switch s {
	case StageParse:
		return "parse"
	case StagePolicy:
		return "policy"
	case StageGrammar:
		return "grammar"
	case StagePreflight:
		return "preflight"
	case StageLimit:
		return "limit"
	case StageExecute:
		return "execute"
	case StageClassify:
		return "classify"
	default:
		return "done"
	}
}

const (
	DefaultRowLimit     = 10
	DefaultTimeout      = 5 * time.Second
	DefaultMinFreeBytes = 100 << 20

	degradedDiskMessage   = "SQL syntax is valid but the database server is out of disk space; the query could not be executed"
	degradedNoExecMessage = "SQL syntax is valid; no database is configured so the query was not executed"
)

// Result is the single verdict produced for a statement.
type Result struct {
	Outcome Outcome
	// SQL is the statement as it was (or would have been) executed.
	SQL     string
	Columns []string
	Reason  string
	Stage   Stage
}

// Parser is an optional dialect-aware grammar check run after the policy stage.
type Parser interface {
	Parse(ctx context.Context, sql string) error
}

// DiskProbe returns the free bytes available under dir.
type DiskProbe func(dir string) (uint64, error)

type Options struct {
	Engine       query.Engine
	Parser       Parser
	Probe        DiskProbe
	Logger       *slog.Logger
	RowLimit     int
	Timeout      time.Duration
	ScratchDir   string
	MinFreeBytes uint64
}

type Validator struct {
	engine       query.Engine
	parser       Parser
	probe        DiskProbe
	logger       *slog.Logger
	rowLimit     int
	timeout      time.Duration
	scratchDir   string
	minFreeBytes uint64
}

func New(opts Options) *Validator {
	v := &Validator{
		engine:       opts.Engine,
		parser:       opts.Parser,
		probe:        opts.Probe,
		logger:       observability.OrDiscard(opts.Logger),
		rowLimit:     opts.RowLimit,
		timeout:      opts.Timeout,
		scratchDir:   opts.ScratchDir,
		minFreeBytes: opts.MinFreeBytes,
	}
	if v.rowLimit <= 0 {
		v.rowLimit = DefaultRowLimit
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.probe == nil {
		v.probe = FreeBytes
	}
	if v.minFreeBytes == 0 {
		v.minFreeBytes = DefaultMinFreeBytes
	}
	if v.scratchDir == "" {
		v.scratchDir = os.TempDir()
	}
	return v
}

// run carries state between stages of one validation.
type run struct {
	input  string
	stmt   statement
	sql    string
	exec   query.Result
	err    error
	result Result
}

// Validate walks the stages in order until one of them produces a verdict.
// Parse and policy failures never touch the database.
func (v *Validator) Validate(ctx context.Context, sql string) Result {
	r := &run{input: sql, sql: sql}
	stage := StageParse
	for stage != stageDone {
		stage = v.step(ctx, stage, r)
	}
	observability.ObserveValidation(string(r.result.Outcome))
	return r.result
}

func (v *Validator) step(ctx context.Context, stage Stage, r *run) Stage {
	switch stage {
	case StageParse:
		stmt, err := parseStatement(r.input)
		if err != nil {
			return r.finish(stage, OutcomeInvalidSyntax, nil, err.Error())
		}
		r.stmt = stmt
		return StagePolicy

	case StagePolicy:
		if err := r.stmt.checkReadOnly(); err != nil {
			v.logger.WarnContext(ctx, "rejected statement by policy",
				slog.String("reason", err.Error()),
				slog.String("canonical", r.stmt.Canonical()),
			)
			return r.finish(stage, OutcomeInvalidPolicy, nil, err.Error())
		}
		return StageGrammar

	case StageGrammar:
		if v.parser != nil {
			if err := v.parser.Parse(ctx, r.input); err != nil {
				return r.finish(stage, OutcomeInvalidSyntax, nil, err.Error())
			}
		}
		return StagePreflight

	case StagePreflight:
		v.preflight(ctx)
		return StageLimit

	case StageLimit:
		r.sql = r.stmt.withLimit(v.rowLimit)
		if v.engine == nil {
			return r.finish(stage, OutcomeDegradedValid, []string{}, degradedNoExecMessage)
		}
		return StageExecute

	case StageExecute:
		r.exec, r.err = v.execute(ctx, r.sql)
		return StageClassify

	case StageClassify:
		return v.classify(ctx, r)
	}
	return stageDone
}

func (v *Validator) preflight(ctx context.Context) {
	dir := v.scratchDir
	free, err := v.probe(dir)
	if err != nil {
		v.logger.WarnContext(ctx, "free space probe failed", slog.String("dir", dir), slog.Any("error", err))
		return
	}
	if free < v.minFreeBytes {
		v.logger.WarnContext(ctx, "low free space before validation",
			slog.String("dir", dir),
			slog.Float64("free_mb", float64(free)/(1<<20)),
		)
	}
}

func (v *Validator) execute(ctx context.Context, sql string) (result query.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout+time.Second)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("query engine panic: %v", rec)
		}
	}()
	return v.engine.Execute(ctx, query.Request{SQL: sql, RowLimit: v.rowLimit, Timeout: v.timeout})
}

func (v *Validator) classify(ctx context.Context, r *run) Stage {
	switch {
	case r.err == nil:
		columns := r.exec.Columns
		if !r.exec.HasDescriptor || columns == nil {
			columns = []string{}
		}
		return r.finish(StageClassify, OutcomeValid, columns, "")
	case IsStorageExhausted(r.err):
		v.logger.WarnContext(ctx, "database out of disk space, accepting on syntax only", slog.Any("error", r.err))
		return r.finish(StageClassify, OutcomeDegradedValid, []string{}, degradedDiskMessage)
	case errors.Is(r.err, context.DeadlineExceeded):
		return r.finish(StageClassify, OutcomeExecutionError, nil, fmt.Sprintf("query exceeded %s: %v", v.timeout, r.err))
	default:
		return r.finish(StageClassify, OutcomeExecutionError, nil, r.err.Error())
	}
}

func (r *run) finish(stage Stage, outcome Outcome, columns []string, reason string) Stage {
	r.result = Result{
		Outcome: outcome,
		SQL:     r.sql,
		Columns: columns,
		Reason:  reason,
		Stage:   stage,
	}
	return stageDone
}
