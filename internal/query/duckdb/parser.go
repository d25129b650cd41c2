// Package duckdb checks statements against DuckDB's own parser without
// executing them.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Parser runs json_serialize_sql, which parses a SELECT and reports syntax
// errors as data rather than failing the query.
type Parser struct {
	db    *sql.DB
	owned bool
}

// NewParser opens a private in-memory DuckDB used only for parsing.
func NewParser() (*Parser, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Parser{db: db, owned: true}, nil
}

// NewParserWithDB reuses an existing DuckDB pool.
func NewParserWithDB(db *sql.DB) *Parser {
	return &Parser{db: db}
}

type serializeResult struct {
	Error        bool   `json:"error"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

func (p *Parser) Parse(ctx context.Context, statement string) error {
	statement = stripTrailingSemicolons(statement)
	if statement == "" {
		return errors.New("sql is required")
	}

	var raw string
	if err := p.db.QueryRowContext(ctx, "SELECT json_serialize_sql("+quoteString(statement)+")").Scan(&raw); err != nil {
		return fmt.Errorf("serialize sql: %w", err)
	}
	var result serializeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fmt.Errorf("decode serialized sql: %w", err)
	}
	if result.Error {
		if result.ErrorMessage == "" {
			return fmt.Errorf("%s error", result.ErrorType)
		}
		return errors.New(result.ErrorMessage)
	}
	return nil
}

func (p *Parser) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
