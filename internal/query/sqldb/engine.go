// Package sqldb runs validation queries against a database/sql connection pool.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sqlpilot/sqlpilot/internal/query"
)

type Engine struct {
	db      *sql.DB
	dialect string
}

func NewEngine(db *sql.DB, dialect string) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := driverName(dialect); err != nil {
		return nil, err
	}
	return &Engine{db: db, dialect: dialect}, nil
}

// Execute runs the statement inside a transaction that is always rolled back.
// On Postgres and MySQL the transaction is read-only and carries a server-side
// timeout; DuckDB relies on the context deadline.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if strings.TrimSpace(request.SQL) == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	start := time.Now()
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: e.dialect != DialectDuckDB})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin validation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if stmt := timeoutStatement(e.dialect, request.Timeout); stmt != "" {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return query.Result{}, fmt.Errorf("set statement timeout: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, request.SQL)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		if request.RowLimit > 0 && len(resultRows) >= request.RowLimit {
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	return query.Result{
		Columns:       columns,
		Rows:          resultRows,
		HasDescriptor: len(columns) > 0,
		Duration:      time.Since(start),
	}, nil
}

// timeoutStatement returns the statement that bounds server-side execution for
// dialect, or "" when the dialect only honours the context deadline. MySQL has
// no transaction-scoped variant, so the session value is overwritten on every run.
func timeoutStatement(dialect string, timeout time.Duration) string {
	if timeout <= 0 {
		return ""
	}
	switch dialect {
	case DialectPostgres:
		return fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())
	case DialectMySQL:
		return fmt.Sprintf("SET SESSION MAX_EXECUTION_TIME = %d", timeout.Milliseconds())
	default:
		return ""
	}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
