package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlpilot/sqlpilot/internal/query"
)

func TestExecutePostgresUsesReadOnlyTxWithTimeout(t *testing.T) {
	db, mock := newSQLMock(t)
	engine, err := NewEngine(db, DialectPostgres)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 5000")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT album_id, album_title FROM raw_albums LIMIT 10")).
		WillReturnRows(sqlmock.NewRows([]string{"album_id", "album_title"}).
			AddRow(int64(1), []byte("Blue")).
			AddRow(int64(2), "Kind of Blue"))
	mock.ExpectRollback()

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:      "SELECT album_id, album_title FROM raw_albums LIMIT 10",
		RowLimit: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.HasDescriptor || len(result.Columns) != 2 || result.Columns[1] != "album_title" {
		t.Fatalf("Columns = %v", result.Columns)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	if result.Rows[0][1] != "Blue" {
		t.Fatalf("bytes were not normalized: %#v", result.Rows[0][1])
	}
	assertSQLMock(t, mock)
}

func TestExecuteMySQLSetsMaxExecutionTime(t *testing.T) {
	db, mock := newSQLMock(t)
	engine, err := NewEngine(db, DialectMySQL)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION MAX_EXECUTION_TIME = 2500")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT title FROM albums LIMIT 10")).
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow([]byte("Blue")))
	mock.ExpectRollback()

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:     "SELECT title FROM albums LIMIT 10",
		Timeout: 2500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "Blue" {
		t.Fatalf("Rows = %v", result.Rows)
	}
	assertSQLMock(t, mock)
}

func TestExecuteDuckDBSkipsServerTimeout(t *testing.T) {
	db, mock := newSQLMock(t)
	engine, err := NewEngine(db, DialectDuckDB)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(int64(1)))
	mock.ExpectRollback()

	if _, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT 1", Timeout: time.Second}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteStopsAtRowLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	engine, err := NewEngine(db, DialectPostgres)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	rows := sqlmock.NewRows([]string{"n"})
	for i := 0; i < 5; i++ {
		rows.AddRow(int64(i))
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT n FROM numbers").WillReturnRows(rows)
	mock.ExpectRollback()

	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT n FROM numbers", RowLimit: 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	assertSQLMock(t, mock)
}

func TestExecuteWrapsQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	engine, err := NewEngine(db, DialectPostgres)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	cause := errors.New("could not write to file: No space left on device")
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT").WillReturnError(cause)
	mock.ExpectRollback()

	_, err = engine.Execute(context.Background(), query.Request{SQL: "SELECT * FROM big ORDER BY 1", Timeout: time.Second})
	if !errors.Is(err, cause) {
		t.Fatalf("Execute() error = %v, want wrapped cause", err)
	}
	assertSQLMock(t, mock)
}

func TestExecuteRejectsEmptySQL(t *testing.T) {
	db, _ := newSQLMock(t)
	engine, err := NewEngine(db, DialectPostgres)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if _, err := engine.Execute(context.Background(), query.Request{SQL: "  "}); err == nil {
		t.Fatal("expected error for empty sql")
	}
}

func TestNewEngineRejectsUnknownDialect(t *testing.T) {
	db, _ := newSQLMock(t)
	if _, err := NewEngine(db, "oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	if _, err := NewEngine(nil, DialectPostgres); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestExecuteAgainstDuckDB(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DBConfig{Dialect: DialectDuckDB})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `CREATE TABLE raw_albums (album_id INTEGER, album_title VARCHAR)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO raw_albums VALUES (1, 'a'), (2, 'b'), (3, 'c')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	engine, err := NewEngine(db, DialectDuckDB)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	result, err := engine.Execute(ctx, query.Request{
		SQL:      "SELECT album_title FROM raw_albums ORDER BY album_id LIMIT 10",
		RowLimit: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Columns) != 1 || result.Columns[0] != "album_title" {
		t.Fatalf("Columns = %v", result.Columns)
	}
	if len(result.Rows) != 3 || result.Rows[0][0] != "a" {
		t.Fatalf("Rows = %v", result.Rows)
	}

	if _, err := engine.Execute(ctx, query.Request{SQL: "SELECT missing FROM raw_albums"}); err == nil {
		t.Fatal("expected binder error for unknown column")
	}
}

func TestOpenRequiresServerDSN(t *testing.T) {
	if _, err := Open(context.Background(), DBConfig{Dialect: DialectPostgres}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := Open(context.Background(), DBConfig{Dialect: DialectMySQL}); err == nil {
		t.Fatal("expected error for empty MySQL DSN")
	}
	if _, err := Open(context.Background(), DBConfig{Dialect: "sqlite", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
