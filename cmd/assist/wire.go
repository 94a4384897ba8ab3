package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pentanotes/assist/internal/capability"
	"github.com/pentanotes/assist/internal/catalog"
	"github.com/pentanotes/assist/internal/completion"
	"github.com/pentanotes/assist/internal/config"
	"github.com/pentanotes/assist/internal/conversation"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/ledger"
	"github.com/pentanotes/assist/internal/notes"
	"github.com/pentanotes/assist/internal/ops"
	"github.com/pentanotes/assist/internal/orchestrator"
	"github.com/pentanotes/assist/internal/revert"
)

// runtime is the wired service graph for one process.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	svc     *ops.Service
	sweeper *ledger.Sweeper
	closers []func() error
}

// Close releases everything wire opened, newest first.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// unconfiguredClient stands in for the completion service when no API key
// is set, so revert and status keep working.
type unconfiguredClient struct{}

func (unconfiguredClient) Complete(context.Context, completion.Request) (*completion.Response, error) {
	return nil, errors.NewCompletion(fmt.Errorf("GEMINI_API_KEY is not set"))
}

// wire builds the service graph. A nil client or backend is built from cfg.
func wire(ctx context.Context, database *sql.DB, cfg *config.Config, logger *zap.Logger, client completion.Client, backend notes.Backend) (*runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &runtime{cfg: cfg, logger: logger, catalog: catalog.Default()}

	if backend == nil {
		switch cfg.Backend {
		case config.BackendMemory:
			backend = notes.NewMemory()
		default:
			backend = notes.NewHTTPBackend(cfg.BackendURL, nil)
		}
	}

	var store ledger.Store
	switch cfg.LedgerStore {
	case config.LedgerMongo:
		ms, err := ledger.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.Retention())
		if err != nil {
			return nil, fmt.Errorf("connect mongo ledger: %w", err)
		}
		store = ms
	default:
		store = ledger.NewSQLiteStore(database)
	}
	l := ledger.New(store, logger, ledger.WithRetention(cfg.Retention()))
	rt.closers = append(rt.closers, l.Close)

	if client == nil {
		if cfg.APIKey == "" {
			logger.Warn("no completion API key configured; chat is disabled")
			client = unconfiguredClient{}
		} else {
			g, err := completion.NewGemini(ctx, cfg.APIKey, cfg.Model, cfg.CompletionTimeout(), logger)
			if err != nil {
				_ = rt.Close()
				return nil, err
			}
			client = g
		}
	}

	exec, err := capability.NewExecutor(rt.catalog, notes.NewClient(backend), l, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	loopOpts := []orchestrator.Option{orchestrator.WithMaxIterations(cfg.MaxIterations)}
	if cfg.PromptPath != "" {
		loopOpts = append(loopOpts, orchestrator.WithPromptPath(cfg.PromptPath))
	}
	loop := orchestrator.New(client, exec, l, logger, loopOpts...)

	memory := conversation.New(database, logger,
		conversation.WithMaxPairs(cfg.MaxHistoryMessages),
		conversation.WithRetention(cfg.Retention()))

	rt.svc = ops.New(loop, revert.New(l, backend, logger), memory, logger)
	rt.sweeper = ledger.NewSweeper(cfg.SweepInterval(), logger, l, memory)
	rt.closers = append(rt.closers, func() error {
		rt.sweeper.Stop()
		return nil
	})
	return rt, nil
}
