package schema

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

// Refresher re-extracts the schema on a cron schedule so the cache file
// follows migrations without a restart.
type Refresher struct {
	cron    *cron.Cron
	source  Source
	logger  *slog.Logger
	running atomic.Bool
	ctx     context.Context
}

// NewRefresher accepts five-field cron specs and descriptors such as "@every 1h".
func NewRefresher(source Source, spec string, logger *slog.Logger) (*Refresher, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r := &Refresher{
		cron:   cron.New(cron.WithParser(parser)),
		source: source,
		logger: observability.OrDiscard(logger).With(slog.String("job", "schema_refresh"), slog.String("spec", spec)),
		ctx:    context.Background(),
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Refresher) Start(ctx context.Context) {
	if ctx != nil {
		r.ctx = ctx
	}
	r.cron.Start()
}

// Stop waits for a running refresh to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Refresher) run() {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Info("schema refresh skipped: still running")
		return
	}
	defer r.running.Store(false)

	start := time.Now()
	_, err := r.source.Extract(r.ctx, true)
	if err != nil {
		r.logger.Error("schema refresh failed", slog.Any("error", err), slog.Duration("duration", time.Since(start)))
		return
	}
	r.logger.Info("schema refreshed", slog.Duration("duration", time.Since(start)))
}
