// Taskrouterd is the task routing daemon.
//
// It loads the catalog of intents, capabilities, agents, architecture notes
// and policies, then serves the analysis and execution endpoints over HTTP.
// The same operations are offered as MCP tools at /mcp.
//
// Configuration is read from ~/.config/taskrouter/config.yaml and overridden
// by environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	taskrouterd
//
//	# Explicit config file and catalog
//	taskrouterd -config /etc/taskrouter/config.yaml
//	CATALOG_PATH=/etc/taskrouter/catalog.yaml taskrouterd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrouter/internal/catalog"
	"github.com/fyrsmithlabs/taskrouter/internal/config"
	"github.com/fyrsmithlabs/taskrouter/internal/dispatch"
	"github.com/fyrsmithlabs/taskrouter/internal/embeddings"
	httpserver "github.com/fyrsmithlabs/taskrouter/internal/http"
	"github.com/fyrsmithlabs/taskrouter/internal/intent"
	mcpserver "github.com/fyrsmithlabs/taskrouter/internal/mcp"
	"github.com/fyrsmithlabs/taskrouter/internal/llm"
	"github.com/fyrsmithlabs/taskrouter/internal/logging"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/registry"
	"github.com/fyrsmithlabs/taskrouter/internal/routingmemory"
	"github.com/fyrsmithlabs/taskrouter/internal/secrets"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
	"github.com/fyrsmithlabs/taskrouter/internal/telemetry"
	"github.com/fyrsmithlabs/taskrouter/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/taskrouter/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskrouterd           Start the routing daemon\n")
			fmt.Fprintf(os.Stderr, "  taskrouterd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("taskrouterd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the engine and blocks until ctx is cancelled:
//  1. Telemetry and logging
//  2. Infrastructure (embedder, vector store, NATS)
//  3. Registry, catalog and the five stages
//  4. HTTP server, until shutdown
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	if degraded, terr := tel.Degraded(); degraded {
		zl.Warn("telemetry export unavailable, continuing without it", zap.Error(terr))
	}

	zl.Info("Starting taskrouterd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("llm", cfg.LLM.Provider))

	deps, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	metrics := telemetry.NewMetrics(tel.Meter(telemetry.InstrumentationName))
	eng, err := initEngine(ctx, cfg, deps, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if eng.watcher != nil {
		defer eng.watcher.Stop()
	}

	opts := []httpserver.Option{
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(tel.Meter(telemetry.InstrumentationName), zl)),
		httpserver.WithHealthCheck("vectorstore", deps.store),
		httpserver.WithNamespaceCount(vectorstore.Architecture, deps.namespaces.Architecture),
		httpserver.WithNamespaceCount(vectorstore.Capability, deps.namespaces.Capability),
		httpserver.WithNamespaceCount(vectorstore.Policy, deps.namespaces.Policy),
		httpserver.WithNamespaceCount(vectorstore.RoutingMemory, deps.namespaces.Memory),
	}
	if deps.natsConn != nil {
		opts = append(opts, httpserver.WithHealthCheck("nats", natsHealth{deps.natsConn}))
	}
	if cfg.Server.MCP {
		mcpSrv, err := mcpserver.NewServer(&mcpserver.Config{
			Version: version,
			Logger:  zl,
			Metrics: mcpserver.NewMetrics(tel.Meter(telemetry.InstrumentationName), zl),
		}, eng.pipeline)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		opts = append(opts, httpserver.WithMCP(mcpSrv.Handler()))
	}
	srv, err := httpserver.NewServer(eng.pipeline, zl, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	zl.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("mcp", cfg.Server.MCP))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

// initLogger builds the process logger. OTEL output uses the global logger
// provider, which stays a no-op unless an exporter was installed.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Fields["service"] = cfg.Telemetry.ServiceName
	logCfg.Fields["version"] = version
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

// dependencies holds the infrastructure clients.
type dependencies struct {
	embedder   embeddings.Provider
	store      vectorstore.Store
	namespaces *vectorstore.Namespaces
	natsConn   *nats.Conn
	model      llm.Backend
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.embedder, err = embeddings.NewProvider(embeddings.FromAppConfig(cfg.Embeddings))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	logger.Info("Embedding provider initialized",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", d.embedder.Dimension()))

	d.store, err = vectorstore.NewStore(ctx, cfg.VectorStore, d.embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if d.namespaces, err = vectorstore.OpenNamespaces(ctx, d.store); err != nil {
		return nil, err
	}

	if cfg.Dispatch.NATSURL != "" {
		d.natsConn, err = nats.Connect(cfg.Dispatch.NATSURL,
			nats.Name("taskrouterd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Dispatch.NATSURL, err)
		}
		logger.Info("Connected to NATS", zap.String("url", cfg.Dispatch.NATSURL))
	}

	d.model, err = llm.New(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm backend: %w", err)
	}
	return d, nil
}

type engine struct {
	pipeline *pipeline.Pipeline
	watcher  *catalog.Watcher
}

func initEngine(ctx context.Context, cfg *config.Config, d *dependencies, logger *logging.Logger, metrics *telemetry.Metrics) (*engine, error) {
	zl := logger.Underlying()

	reg := registry.NewStore(
		registry.WithMirror(registry.NewNamespaceMirror(d.namespaces.Capability)),
		registry.WithLogger(zl),
	)
	providers := dispatch.NewProviders()
	book := policy.NewBook()
	applier := &catalog.Applier{
		Registry:     reg,
		Architecture: d.namespaces.Architecture,
		Policy:       d.namespaces.Policy,
		Book:         book,
		Providers:    providers,
		NATS:         d.natsConn,
		Logger:       zl,
	}

	eng := &engine{}
	if cfg.Catalog.Path != "" {
		c, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		if _, err := applier.Apply(ctx, c); err != nil {
			return nil, fmt.Errorf("applying catalog: %w", err)
		}
		if cfg.Catalog.Watch {
			w, err := catalog.NewWatcher(cfg.Catalog.Path, applier, zl)
			if err != nil {
				return nil, err
			}
			if err := w.Start(ctx); err != nil {
				return nil, err
			}
			eng.watcher = w
		}
	} else {
		zl.Warn("no catalog configured, every request will fall back to the general intent")
	}

	backends := []semantic.Backend{semantic.NewHeuristicBackend()}
	if d.model != nil && cfg.Semantic.UseLLM {
		backends = append(backends, semantic.NewLLMBackend(d.model))
	}
	analyzer := semantic.NewAnalyzer(semantic.Config{
		BackendTimeout:  cfg.Semantic.BackendTimeout.Duration(),
		StageDeadline:   cfg.Semantic.StageDeadline.Duration(),
		MaxContextChars: cfg.Semantic.MaxContextChars,
	}, zl, metrics, backends...)

	var archNS vectorstore.Namespace
	if cfg.Intent.UseArchitectureHint {
		archNS = d.namespaces.Architecture
	}
	resolver := intent.NewResolver(intent.Config{
		Threshold:           cfg.Intent.Threshold,
		TopicWeight:         cfg.Intent.TopicWeight,
		ActionWeight:        cfg.Intent.ActionWeight,
		EntityWeight:        cfg.Intent.EntityWeight,
		ArchitectureBoost:   cfg.Intent.ArchitectureBoost,
		ArchitectureTopK:    cfg.Intent.ArchitectureTopK,
		ArchitectureFloor:   float32(cfg.Intent.ArchitectureFloor),
		ArchitectureTimeout: cfg.Intent.ArchitectureTimeout.Duration(),
	}, archNS, zl, metrics)

	var generator planner.Generator = planner.ChainGenerator{}
	if cfg.Planner.Generator == "llm" {
		if d.model == nil {
			return nil, errors.New("planner generator llm requires an llm provider")
		}
		generator = planner.NewLLMGenerator(d.model)
	}
	plan := planner.New(planner.Config{
		TopK:              cfg.Planner.TopK,
		SimilarityFloor:   float32(cfg.Planner.SimilarityFloor),
		RetrievalTimeout:  cfg.Planner.RetrievalTimeout.Duration(),
		GenerationTimeout: cfg.Planner.GenerationTimeout.Duration(),
	}, d.namespaces.Capability, generator, zl, metrics)

	// The catalog book is authoritative; the namespace also carries
	// entries indexed by other writers of a shared store.
	gate := policy.NewGate(policy.Config{
		RateLimit: cfg.Policy.RateLimit,
		RateBurst: cfg.Policy.RateBurst,
		MaxNodes:  cfg.Policy.MaxNodes,
		Grants:    book,
	}, policy.Sources{book, policy.NewNamespaceSource(d.namespaces.Policy)}, zl, metrics)

	dispatcher := dispatch.New(dispatch.Config{
		MaxInFlight: cfg.Dispatch.MaxInFlight,
		NodeTimeout: cfg.Dispatch.NodeTimeout.Duration(),
	}, providers, zl, metrics)

	var sinks []routingmemory.Store
	if cfg.Memory.Index {
		sinks = append(sinks, routingmemory.NewVectorStore(d.namespaces.Memory))
	}
	if cfg.Memory.NATSSubject != "" && d.natsConn != nil {
		sinks = append(sinks, routingmemory.NewNATSPublisher(d.natsConn, cfg.Memory.NATSSubject))
	}
	memory := routingmemory.NewFanout(zl, routingmemory.NewMemoryStore(cfg.Memory.MaxInMemory), sinks...)

	var scrubber secrets.Scrubber = secrets.NoopScrubber{}
	if cfg.Secrets.Enabled {
		scfg := secrets.DefaultConfig()
		scfg.AllowlistPath = cfg.Secrets.AllowlistPath
		s, err := secrets.New(scfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
		}
		scrubber = s
	}

	p, err := pipeline.New(pipeline.Config{
		RequestDeadline: cfg.Pipeline.RequestDeadline.Duration(),
		AutoDispatch:    cfg.Pipeline.AutoDispatch,
	}, pipeline.Deps{
		Registry:   reg,
		Analyzer:   analyzer,
		Resolver:   resolver,
		Planner:    plan,
		Gate:       gate,
		Dispatcher: dispatcher,
		Memory:     memory,
		Scrubber:   scrubber,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	eng.pipeline = p

	snap := reg.Snapshot()
	zl.Info("Engine initialized",
		zap.Uint64("registry_version", snap.Version()),
		zap.Int("intents", len(snap.ActiveIntents())),
		zap.Int("capabilities", len(snap.ActiveCapabilities())),
		zap.Strings("agents", providers.Agents()),
		zap.Int("semantic_backends", len(backends)),
		zap.String("generator", generator.Name()))
	return eng, nil
}

type natsHealth struct {
	nc *nats.Conn
}

func (h natsHealth) Health(context.Context) error {
	if !h.nc.IsConnected() {
		return fmt.Errorf("nats %s", h.nc.Status())
	}
	return nil
}
