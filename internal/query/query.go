package query

import (
	"context"
	"time"
)

// Request is a single read-only statement to run against the target database.
type Request struct {
	SQL      string
	RowLimit int
	// Timeout is enforced server-side where the dialect supports it.
	Timeout time.Duration
}

type Result struct {
	Columns []string
	Rows    [][]any
	// HasDescriptor is false when the driver reported no result set shape.
	HasDescriptor bool
	Duration      time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
