// Package app wires the router, retrieval engine, tools and orchestrator from
// process configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/navi/internal/agents"
	"github.com/example/navi/internal/config"
	"github.com/example/navi/internal/memory"
	"github.com/example/navi/internal/orchestrator"
	"github.com/example/navi/internal/providers/llm"
	"github.com/example/navi/internal/retrieval"
	"github.com/example/navi/internal/router"
	"github.com/example/navi/internal/tokens"
	"github.com/example/navi/internal/tools"
	"github.com/example/navi/internal/workspace"
)

// Stack is a fully wired NAVI instance.
type Stack struct {
	Config       config.App
	Router       *router.Router
	Engine       *retrieval.Engine
	Tools        *tools.Registry
	Orchestrator *orchestrator.Orchestrator
	Workspaces   workspace.Resolver

	logger    *zap.Logger
	watcher   *router.Watcher
	stopBg    context.CancelFunc
	scheduler chan struct{}
	pg        *memory.PostgresStore
	sandbox   *tools.DockerRunner
}

// Build wires every component. Background work (route reload, budget resets)
// starts immediately and stops in Close.
func Build(ctx context.Context, cfg config.App, logger *zap.Logger) (*Stack, error) {
	if cfg.Tokenizer == "tiktoken" {
		if err := tokens.UseTiktoken(); err != nil {
			logger.Warn("tiktoken unavailable, using heuristic token counts", zap.Error(err))
		}
	}

	table := router.DefaultTable(llm.DefaultModels())
	if cfg.RoutesFile != "" {
		t, err := router.LoadTable(cfg.RoutesFile)
		if err != nil {
			return nil, fmt.Errorf("load routes: %w", err)
		}
		table = t
	}
	r := router.New(table, router.NewLedger(), llm.NewRegistryFromEnv(),
		router.WithCooldown(cfg.RouterCooldown),
		router.WithHopDelay(cfg.RouterHopDelay),
		router.WithLogger(logger.Named("router")))

	embedder, err := retrieval.NewEmbedder(cfg.EmbeddingProvider)
	if err != nil {
		return nil, err
	}
	ws := workspace.Resolver{Base: cfg.WorkspaceBase}
	engine := retrieval.New(ws, retrieval.Options{Embedder: embedder, Logger: logger.Named("retrieval")})

	var runner tools.Runner = tools.HostRunner{}
	var sandbox *tools.DockerRunner
	switch cfg.Sandbox {
	case "", "host":
	case "docker":
		sandbox, err = tools.NewDockerRunner(tools.SandboxConfig{
			Image:    cfg.SandboxImage,
			MemoryMB: int64(cfg.SandboxMemMB),
			Network:  cfg.SandboxNetwork,
		}, logger.Named("sandbox"))
		if err != nil {
			engine.Close()
			return nil, err
		}
		runner = sandbox
	default:
		engine.Close()
		return nil, fmt.Errorf("unknown sandbox %q", cfg.Sandbox)
	}
	reg := tools.NewDefault(tools.Options{Search: engine, Refresh: engine, Runner: runner}, logger.Named("tools"))

	s := &Stack{
		Config:     cfg,
		Router:     r,
		Engine:     engine,
		Tools:      reg,
		Workspaces: ws,
		logger:     logger,
		scheduler:  make(chan struct{}),
		sandbox:    sandbox,
	}

	opts := []orchestrator.Option{
		orchestrator.WithRetriever(engine),
		orchestrator.WithVerifier(&agents.CommandVerifier{Timeout: cfg.VerifyTimeout, Runner: runner}),
		orchestrator.WithRoutes(r),
		orchestrator.WithWorkspaces(ws),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	}
	if cfg.MemoryEnabled {
		store, err := s.memoryStore(ctx)
		if err != nil {
			s.closeSandbox()
			engine.Close()
			return nil, err
		}
		opts = append(opts, orchestrator.WithMemory(store))
	}
	s.Orchestrator = orchestrator.New(
		&agents.LLMPlanner{Router: r, Logger: logger.Named("planner")},
		&agents.ToolExecutor{Registry: reg},
		orchestrator.Config{
			RAGEnabled:           cfg.RAGEnabled,
			VerificationEnabled:  cfg.VerificationEnabled,
			MemoryEnabled:        cfg.MemoryEnabled,
			MaxIterations:        cfg.MaxIterations,
			ContextTimeout:       cfg.ContextTimeout,
			ContextChunks:        cfg.ContextChunks,
			DefaultRoute:         cfg.DefaultRoute,
			DefaultVerifyCommand: cfg.DefaultVerifyCommand,
		},
		opts...)

	bg, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.stopBg = stop
	if cfg.RoutesFile != "" {
		w, err := router.NewWatcher(cfg.RoutesFile, r, logger.Named("routes"), 0)
		if err != nil {
			stop()
			s.closeSandbox()
			engine.Close()
			return nil, err
		}
		if err := w.Start(bg); err != nil {
			logger.Warn("route table hot reload disabled", zap.Error(err))
		} else {
			s.watcher = w
		}
	}
	go func() {
		defer close(s.scheduler)
		router.NewBudgetScheduler(r, time.Minute, logger.Named("budget")).Run(bg)
	}()
	return s, nil
}

func (s *Stack) memoryStore(ctx context.Context) (memory.Store, error) {
	if s.Config.DatabaseURL == "" {
		return memory.NewInMemoryStore(100), nil
	}
	pg, err := memory.OpenPostgres(ctx, s.Config.DatabaseURL, "")
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	s.pg = pg
	return pg, nil
}

// Close stops running tasks and background work.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Orchestrator.Shutdown(ctx)
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.stopBg()
	<-s.scheduler
	s.Engine.Close()
	if s.pg != nil {
		err = errors.Join(err, s.pg.Close())
	}
	return errors.Join(err, s.closeSandbox())
}

func (s *Stack) closeSandbox() error {
	if s.sandbox == nil {
		return nil
	}
	return s.sandbox.Close()
}
