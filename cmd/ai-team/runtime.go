package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/config"
	"github.com/RickZee/ai-team/internal/crew"
	"github.com/RickZee/ai-team/internal/flow"
	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/memory"
	"github.com/RickZee/ai-team/internal/store"
	"github.com/RickZee/ai-team/internal/tools"
	"github.com/RickZee/ai-team/internal/worker"
)

// runtime bundles everything a command needs to drive runs.
type runtime struct {
	cfg    *config.Config
	logger *logging.Logger
	client llm.Client
	store  *store.Store
	mem    *memory.Service
	flow   *flow.Flow

	closers []func() error
}

func (r *runtime) Close() {
	for _, c := range r.closers {
		if err := c(); err != nil && r.logger != nil {
			r.logger.Warn(context.Background(), "close failed", zap.Error(err))
		}
	}
	if r.logger != nil {
		_ = r.logger.Sync()
	}
}

// configError wraps startup faults into the configuration exit code.
func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

// newRuntime loads configuration and assembles the full pipeline:
// Ollama client, memory stores, tools, the seven workers, the crew
// builder and the flow.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configError(err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, configError(fmt.Errorf("logger: %w", err))
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.client = llm.NewOllama(cfg.Ollama, logger)

	rt.store, err = store.New(cfg.Workspace.PersistDir, logger)
	if err != nil {
		rt.Close()
		return nil, configError(err)
	}

	rt.mem = memory.Noop()
	if cfg.Memory.Enabled {
		embedder := memory.NewOllamaEmbedder(cfg.Ollama.BaseURL, cfg.Memory.EmbedModel)
		rt.mem = &memory.Service{
			Associative: memory.NewChromemStore(embedder, cfg.Memory.HalfLife, logger),
		}
		if cfg.Memory.MetricsPath != "" {
			relational, err := memory.NewSQLiteStore(cfg.Memory.MetricsPath)
			if err != nil {
				rt.Close()
				return nil, configError(fmt.Errorf("metrics store: %w", err))
			}
			rt.mem.Relational = relational
			rt.closers = append(rt.closers, relational.Close)
		}
	}

	opts, err := cfg.FlowOptions()
	if err != nil {
		rt.Close()
		return nil, configError(err)
	}

	audit := tools.NewAudit(logger)
	roots := append([]string{cfg.Workspace.OutputDir}, cfg.Workspace.ExtraRoots...)
	files, err := tools.NewLocalFileStore(roots, audit)
	if err != nil {
		rt.Close()
		return nil, configError(fmt.Errorf("workspace: %w", err))
	}
	sandbox, err := tools.NewExecSandbox(cfg.Workspace.OutputDir, audit)
	if err != nil {
		rt.Close()
		return nil, configError(fmt.Errorf("sandbox: %w", err))
	}
	runner := tools.NewPytestRunner(sandbox, files, audit)
	vcs := tools.NewGitVcs(cfg.Workspace.OutputDir, audit)

	toolset := worker.Toolset{Files: files, Sandbox: sandbox, Tests: runner, Vcs: vcs}
	workers := map[string]*worker.Worker{}
	for _, role := range []worker.Role{
		worker.RoleManager, worker.RoleProductOwner, worker.RoleArchitect,
		worker.RoleBackendDeveloper, worker.RoleFrontendDeveloper,
		worker.RoleDevops, worker.RoleQAEngineer,
	} {
		w, err := worker.New(worker.Config{
			Role:    role,
			ModelID: cfg.RoleModel(role.Name),
		}, rt.client, toolset, rt.mem, logger)
		if err != nil {
			rt.Close()
			return nil, configError(err)
		}
		workers[role.Name] = w
	}

	builder := &crew.Builder{
		Workers:           workers,
		DangerousPatterns: opts.DangerousPatterns,
		CoverageThreshold: opts.CoverageThreshold,
		QualityThreshold:  opts.QualityThreshold,
		DependencyBlock:   opts.DependencyBlocklist,
		MaxRetries:        opts.MaxRetries,
		MaxConcurrent:     opts.MaxConcurrent,
		TestRunner:        runner,
		Logger:            logger,
	}

	rt.flow, err = flow.New(flow.Config{
		Options: opts,
		Store:   rt.store,
		Memory:  rt.mem,
		Builder: builder,
		Files:   files,
		Logger:  logger,
	})
	if err != nil {
		rt.Close()
		return nil, configError(err)
	}
	return rt, nil
}
