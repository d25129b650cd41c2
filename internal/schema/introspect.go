package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const (
	tablesQuery = `SELECT table_name
FROM information_schema.tables
WHERE table_schema = %s AND table_type = 'BASE TABLE'
ORDER BY table_name`

	columnsQuery = `SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = %s
ORDER BY table_name, ordinal_position`

	primaryKeysQuery = `SELECT kcu.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = %s
ORDER BY kcu.table_name, kcu.ordinal_position`

	foreignKeysQuery = `SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name
 AND tc.table_schema = ccu.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = %s
ORDER BY kcu.table_name, kcu.column_name`

	// MySQL has no constraint_column_usage; the referenced side lives on
	// key_column_usage itself.
	mysqlForeignKeysQuery = `SELECT table_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND referenced_table_name IS NOT NULL
ORDER BY table_name, column_name`
)

type introspectQueries struct {
	tables      string
	columns     string
	primaryKeys string
	foreignKeys string
}

func boundQueries(schemaExpr string) introspectQueries {
	return introspectQueries{
		tables:      fmt.Sprintf(tablesQuery, schemaExpr),
		columns:     fmt.Sprintf(columnsQuery, schemaExpr),
		primaryKeys: fmt.Sprintf(primaryKeysQuery, schemaExpr),
		foreignKeys: fmt.Sprintf(foreignKeysQuery, schemaExpr),
	}
}

// Introspector reads tables, columns and keys from information_schema, which
// Postgres, DuckDB and MySQL all expose.
type Introspector struct {
	db      *sql.DB
	queries introspectQueries
	args    []any
	logger  *slog.Logger
}

// NewIntrospector inspects tableSchema ("public" for Postgres, "main" for DuckDB).
func NewIntrospector(db *sql.DB, tableSchema string, logger *slog.Logger) *Introspector {
	if strings.TrimSpace(tableSchema) == "" {
		tableSchema = "public"
	}
	return &Introspector{
		db:      db,
		queries: boundQueries("$1"),
		args:    []any{tableSchema},
		logger:  observability.OrDiscard(logger),
	}
}

// NewDialectIntrospector picks the schema and query shape for dialect. MySQL
// inspects the database named in the DSN through DATABASE().
func NewDialectIntrospector(db *sql.DB, dialect string, logger *slog.Logger) *Introspector {
	if dialect != "mysql" {
		return NewIntrospector(db, DefaultTableSchema(dialect), logger)
	}
	queries := boundQueries("DATABASE()")
	queries.foreignKeys = mysqlForeignKeysQuery
	return &Introspector{db: db, queries: queries, logger: observability.OrDiscard(logger)}
}

// DefaultTableSchema returns the schema user tables live in for dialect.
func DefaultTableSchema(dialect string) string {
	if dialect == "duckdb" {
		return "main"
	}
	return "public"
}

func (i *Introspector) Extract(ctx context.Context) (Schema, error) {
	if i == nil || i.db == nil {
		return Schema{}, fmt.Errorf("no database configured")
	}
	names, err := i.tableNames(ctx)
	if err != nil {
		return Schema{}, err
	}
	tables := make([]Table, len(names))
	index := make(map[string]int, len(names))
	for n, name := range names {
		tables[n] = Table{Name: name, Columns: []Column{}, PrimaryKeys: []string{}, ForeignKeys: []ForeignKey{}}
		index[name] = n
	}

	if err := i.loadColumns(ctx, tables, index); err != nil {
		return Schema{}, err
	}
	if err := i.loadPrimaryKeys(ctx, tables, index); err != nil {
		return Schema{}, err
	}
	if err := i.loadForeignKeys(ctx, tables, index); err != nil {
		i.logger.WarnContext(ctx, "foreign key lookup failed, continuing without", slog.Any("error", err))
	}
	i.logger.InfoContext(ctx, "schema extracted", slog.Int("tables", len(tables)))
	return Schema{Tables: tables}, nil
}

func (i *Introspector) tableNames(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, i.queries.tables, i.args...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

func (i *Introspector) loadColumns(ctx context.Context, tables []Table, index map[string]int) error {
	rows, err := i.db.QueryContext(ctx, i.queries.columns, i.args...)
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			table, name, dataType, nullable string
			def                             sql.NullString
		)
		if err := rows.Scan(&table, &name, &dataType, &nullable, &def); err != nil {
			return fmt.Errorf("scan column: %w", err)
		}
		n, ok := index[table]
		if !ok {
			continue
		}
		col := Column{Name: name, Type: dataType, Nullable: strings.EqualFold(nullable, "YES")}
		if def.Valid {
			value := def.String
			col.Default = &value
		}
		tables[n].Columns = append(tables[n].Columns, col)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}
	return nil
}

func (i *Introspector) loadPrimaryKeys(ctx context.Context, tables []Table, index map[string]int) error {
	rows, err := i.db.QueryContext(ctx, i.queries.primaryKeys, i.args...)
	if err != nil {
		return fmt.Errorf("list primary keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("scan primary key: %w", err)
		}
		if n, ok := index[table]; ok {
			tables[n].PrimaryKeys = append(tables[n].PrimaryKeys, column)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate primary keys: %w", err)
	}
	return nil
}

func (i *Introspector) loadForeignKeys(ctx context.Context, tables []Table, index map[string]int) error {
	rows, err := i.db.QueryContext(ctx, i.queries.foreignKeys, i.args...)
	if err != nil {
		return fmt.Errorf("list foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var fk ForeignKey
		var table string
		if err := rows.Scan(&table, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return fmt.Errorf("scan foreign key: %w", err)
		}
		if n, ok := index[table]; ok {
			tables[n].ForeignKeys = append(tables[n].ForeignKeys, fk)
		}
	}
	return rows.Err()
}
