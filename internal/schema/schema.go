// Package schema describes the target database's tables for the prompt.
package schema

import (
	"context"
	"fmt"
	"strings"
)

type Schema struct {
	Tables []Table `json:"tables"`
}

type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// Extractor reads the live schema from a database.
type Extractor interface {
	Extract(ctx context.Context) (Schema, error)
}

// Source hands out the schema used for prompts; forceRefresh bypasses any cache.
type Source interface {
	Extract(ctx context.Context, forceRefresh bool) (Schema, error)
}

// Format renders s as plain text for a model prompt.
func Format(s Schema) string {
	var lines []string
	for _, table := range s.Tables {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, "Table: "+table.Name, "Columns:")
		for _, col := range table.Columns {
			nullable := "NULL"
			if !col.Nullable {
				nullable = "NOT NULL"
			}
			line := fmt.Sprintf("  - %s %s %s", col.Name, col.Type, nullable)
			if col.Default != nil && *col.Default != "" {
				line += " DEFAULT " + *col.Default
			}
			lines = append(lines, line)
		}
		if len(table.PrimaryKeys) > 0 {
			lines = append(lines, "Primary keys:")
			for _, pk := range table.PrimaryKeys {
				lines = append(lines, "  - "+pk)
			}
		}
		if len(table.ForeignKeys) > 0 {
			lines = append(lines, "Foreign keys:")
			for _, fk := range table.ForeignKeys {
				lines = append(lines, fmt.Sprintf("  - %s -> %s.%s", fk.Column, fk.ReferencedTable, fk.ReferencedColumn))
			}
		}
	}
	return strings.Join(lines, "\n")
}
