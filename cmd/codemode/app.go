package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"codemode-runtime/internal/api"
	"codemode-runtime/internal/config"
	"codemode-runtime/internal/facade"
	"codemode-runtime/internal/monitor"
	"codemode-runtime/internal/sandbox"
	"codemode-runtime/internal/storage"
)

// app owns everything a command needs to run snippets.
type app struct {
	cfg     *config.Config
	runtime *facade.Runtime
	metrics *monitor.Metrics

	// optional
	db    *storage.DB
	audit *storage.AuditWriter

	shutdownTracing func(context.Context) error
}

// newApp builds the backend and runtime. withAudit connects the audit
// database when one is configured; a database that cannot be reached only
// disables auditing.
func newApp(ctx context.Context, cfg *config.Config, withAudit bool) (*app, error) {
	a := &app{cfg: cfg, metrics: monitor.NewMetrics()}

	shutdown, err := monitor.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	backend, err := sandbox.NewBackend(sandbox.Options{
		Backend:        cfg.Sandbox.Backend,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		DockerImage:    cfg.Sandbox.DockerImage,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("creating %s backend: %w", cfg.Sandbox.Backend, err)
	}

	deps := facade.Deps{Metrics: a.metrics}
	if withAudit && cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			a.db = db
			a.audit = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
			a.audit.Start()
			deps.Audit = a.audit
		}
	}

	a.runtime = facade.New(backend, cfg.Execution, cfg.Store, deps)
	return a, nil
}

// auditLog returns the audit reader, or a nil interface without a database.
func (a *app) auditLog() api.AuditLog {
	if a.db == nil {
		return nil
	}
	return a.db
}

// Close drains the audit queue and releases the backend.
func (a *app) Close() {
	if a.audit != nil {
		a.audit.Flush(10 * time.Second)
	}
	if a.db != nil {
		a.db.Close()
	}
	if err := a.runtime.Close(); err != nil {
		log.Error().Err(err).Msg("backend close error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdownTracing(ctx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown error")
	}
}
