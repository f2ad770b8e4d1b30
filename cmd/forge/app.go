package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/compiler"
	"github.com/kingrea/forge/internal/config"
	"github.com/kingrea/forge/internal/events"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/logbook"
	"github.com/kingrea/forge/internal/logging"
	"github.com/kingrea/forge/internal/orchestrator"
	"github.com/kingrea/forge/internal/planner"
	"github.com/kingrea/forge/internal/runner"
	"github.com/kingrea/forge/internal/specstore"
	"github.com/kingrea/forge/internal/telemetry"
	"github.com/kingrea/forge/plugins"
)

// pipeline is everything needed to validate, compile and plan contracts
// without touching evidence or approvals.
type pipeline struct {
	cfg      *config.Config
	logger   *logging.Logger
	specs    *specstore.DirStore
	targets  artifact.Registry
	rules    *compiler.Registry
	compiler *compiler.Compiler
	planner  *planner.Planner
	closers  []func() error
}

// app is a fully wired forge process.
type app struct {
	*pipeline
	evidence evidence.Store
	gate     *approval.Gate
	router   *events.Router
	journal  *logbook.Journal
	metrics  *telemetry.Metrics
	tracing  *telemetry.Tracing
	runner   *runner.Runner
	orch     *orchestrator.Orchestrator
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	logger, err := logging.New(logging.FromConfig(cfg))
	if err != nil {
		return nil, err
	}
	p := &pipeline{cfg: cfg, logger: logger}
	p.closers = append(p.closers, logger.Close)

	specs, err := specstore.NewDirStore(cfg.SpecsDir(), specstore.WithLogger(logger.Named("specs")))
	if err != nil {
		p.close()
		return nil, err
	}
	p.specs = specs
	p.closers = append(p.closers, specs.Close)

	targets, err := openTargets(ctx, cfg)
	if err != nil {
		p.close()
		return nil, err
	}
	p.targets = targets

	p.rules = compiler.DefaultRegistry()
	defs, err := plugins.RegisterRules(p.rules, cfg.RulesDir())
	if err != nil {
		p.close()
		return nil, err
	}
	for _, def := range defs {
		logger.Debug("rule plugin registered", zap.String("kind", def.Definition.Kind), zap.String("path", def.Path))
	}

	p.compiler = compiler.New(p.rules, targets, compiler.WithLogger(logger.Named("compiler")))
	p.planner, err = planner.New(targets,
		planner.WithLogger(logger.Named("planner")),
		planner.WithContextLines(contextLines),
	)
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func openTargets(ctx context.Context, cfg *config.Config) (artifact.Registry, error) {
	switch cfg.Project.Targets.Backend {
	case "s3":
		s3 := cfg.Project.Targets.S3
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:   s3.Bucket,
			Region:   s3.Region,
			Endpoint: s3.Endpoint,
			Prefix:   s3.Prefix,
		})
	case "memory":
		return artifact.NewMemoryStore(), nil
	default:
		return artifact.NewFSStore(cfg.TargetsDir())
	}
}

func openEvidence(ctx context.Context, cfg *config.Config) (evidence.Store, func() error, error) {
	switch cfg.Project.Evidence.Driver {
	case "memory":
		return evidence.NewMemoryStore(), func() error { return nil }, nil
	case "postgres":
		store, err := evidence.OpenSQL(ctx, evidence.DialectPostgres, cfg.EvidenceDSN())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := evidence.OpenSQL(ctx, evidence.DialectSQLite, cfg.EvidenceDSN())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func openApprovalStore(ctx context.Context, cfg *config.Config) (approval.Store, func() error, error) {
	if cfg.Project.Approvals.Store != "redis" {
		return approval.NewMemoryStore(), func() error { return nil }, nil
	}
	r := cfg.Project.Approvals.Redis
	client, err := approval.DialRedis(ctx, r.Addr, r.Password, r.DB)
	if err != nil {
		return nil, nil, err
	}
	return approval.NewRedisStore(client, r.Prefix), client.Close, nil
}

// buildApp wires the full orchestrator stack. The caller owns close.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{pipeline: p}
	logger := p.logger.Logger

	store, closeStore, err := openEvidence(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.evidence = store
	a.closers = append(a.closers, closeStore)

	a.router = events.NewRouter(events.WithLogger(logging.Printf(logger.Named("events"))))
	a.journal = logbook.NewJournal(cfg.JournalDir(), logging.Printf(logger.Named("journal")))
	publishers := []events.Publisher{a.router, a.journal}
	if cfg.Project.Telemetry.Metrics {
		a.metrics = telemetry.NewMetrics()
		publishers = append(publishers, a.metrics)
	}
	fanout := events.PublisherFunc(func(e events.Event) {
		for _, pub := range publishers {
			pub.Publish(e)
		}
	})

	a.tracing, err = telemetry.NewTracing(ctx, cfg.Project.Telemetry.Tracing)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Project.Server.ShutdownTimeout)
		defer cancel()
		return a.tracing.Shutdown(shutdownCtx)
	})

	approvals := cfg.Project.Approvals
	approvalStore, closeApprovals, err := openApprovalStore(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeApprovals)
	a.gate = approval.NewGate(approvalStore,
		approval.NewConfigAuthority(approvals.Authorities, approvals.DefaultAuthority),
		approval.WithTimeout(approvals.Timeout),
		approval.WithPollInterval(approvals.PollInterval),
		approval.WithLogger(logger.Named("approval")),
		approval.WithListener(orchestrator.ApprovalEvents(fanout, nil)),
	)

	a.runner = runner.New(p.compiler, p.planner, p.targets, store, a.gate,
		runner.WithLogger(logger.Named("runner")),
		runner.WithTracer(a.tracing.Tracer("runner")),
		runner.WithRequester(cfg.Project.Orchestrator.Requester),
	)

	a.orch = orchestrator.New(p.specs, a.runner, store,
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithPublisher(fanout),
		orchestrator.WithStateStore(orchestrator.NewRepository(cfg.StateDir())),
		orchestrator.WithMaxParallel(cfg.Project.Orchestrator.MaxParallel),
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (p *pipeline) close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("forge: shutdown: %w", errors.Join(errs...))
	}
	return nil
}
