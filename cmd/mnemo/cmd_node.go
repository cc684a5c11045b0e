package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mnemonet/mnemo/internal/agent"
	"github.com/mnemonet/mnemo/internal/bridge"
	"github.com/mnemonet/mnemo/internal/cli"
	"github.com/mnemonet/mnemo/internal/config"
	"github.com/mnemonet/mnemo/internal/llm"
	"github.com/mnemonet/mnemo/internal/memory"
	"github.com/mnemonet/mnemo/internal/schema"
	"github.com/mnemonet/mnemo/internal/store"
	"github.com/mnemonet/mnemo/pkg/p2p"
)

// nodeOptions are the flag overrides layered on top of the config file.
type nodeOptions struct {
	configPath    string
	capabilities  string
	host          string
	port          int
	advertiseHost string
	bootstrap     string
	nodeID        string
	schemaPath    string
	storeBackend  string
	pollInterval  time.Duration
	interactive   bool
}

func runNode(args []string) {
	fs := flag.NewFlagSet("node", flag.ExitOnError)
	var opts nodeOptions
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (default: search standard locations)")
	fs.StringVar(&opts.capabilities, "capabilities", "", "Comma-separated capabilities: store,llm,inference,validation,cli")
	fs.StringVar(&opts.host, "host", "", "Host to bind (default 0.0.0.0)")
	fs.IntVar(&opts.port, "port", -1, "Port to listen on (0 picks a free port)")
	fs.StringVar(&opts.advertiseHost, "advertise-host", "", "Host peers should reach us on (default: bind host)")
	fs.StringVar(&opts.bootstrap, "bootstrap", "", "Comma-separated bootstrap peer URLs")
	fs.StringVar(&opts.nodeID, "node-id", "", "Node ID (auto-generated if not provided)")
	fs.StringVar(&opts.schemaPath, "schema-path", "", "Path to the persisted predicate schema")
	fs.StringVar(&opts.storeBackend, "store", "", "Graph store backend: neo4j or memory")
	fs.DurationVar(&opts.pollInterval, "poll-interval", 0, "Agent poll interval")
	fs.Parse(args)

	if err := nodeMain(opts); err != nil {
		slog.Error("node failed", "error", err)
		osExit(1)
	}
}

func runCLI(args []string) {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	var opts nodeOptions
	opts.interactive = true
	opts.capabilities = "cli"
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.host, "host", "127.0.0.1", "Host to bind")
	fs.IntVar(&opts.port, "port", 0, "Port to listen on (0 picks a free port)")
	fs.StringVar(&opts.bootstrap, "bootstrap", "", "Comma-separated bootstrap peer URLs")
	fs.StringVar(&opts.nodeID, "node-id", "", "Node ID")
	fs.Parse(args)

	if err := nodeMain(opts); err != nil {
		slog.Error("cli failed", "error", err)
		osExit(1)
	}
}

// loadConfig resolves file + env + flag layers into one Config.
func loadConfig(opts nodeOptions) (*config.Config, error) {
	path, err := config.FindConfigFile(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.capabilities != "" {
		cfg.Node.Capabilities = strings.Split(opts.capabilities, ",")
	}
	if opts.host != "" {
		cfg.Node.Host = opts.host
	}
	if opts.port >= 0 {
		cfg.Node.Port = opts.port
	}
	if opts.advertiseHost != "" {
		cfg.Node.AdvertiseHost = opts.advertiseHost
	}
	if opts.bootstrap != "" {
		cfg.Node.Bootstrap = strings.Split(opts.bootstrap, ",")
	}
	if opts.nodeID != "" {
		cfg.Node.ID = opts.nodeID
	}
	if opts.schemaPath != "" {
		cfg.Node.SchemaPath = opts.schemaPath
	}
	if opts.storeBackend != "" {
		cfg.Node.StoreBackend = opts.storeBackend
	}
	if opts.pollInterval > 0 {
		cfg.Agents.PollInterval = opts.pollInterval.String()
	}

	// Binding to all interfaces needs an advertise host; loopback is
	// the sane default for local meshes.
	if cfg.Node.AdvertiseHost == "" && (cfg.Node.Host == "0.0.0.0" || cfg.Node.Host == "::") {
		cfg.Node.AdvertiseHost = "127.0.0.1"
	}
	return cfg, cfg.Validate()
}

func nodeMain(opts nodeOptions) error {
	log := slog.Default()
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	caps, err := cfg.Capabilities()
	if err != nil {
		return err
	}
	capSet := p2p.NewCapabilitySet(caps...)
	pollInterval, err := time.ParseDuration(cfg.Agents.PollInterval)
	if err != nil {
		return fmt.Errorf("agents.poll_interval: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := p2p.NewMetrics(version, runtime.Version())
	node, err := p2p.NewNode(p2p.Config{
		NodeID:        cfg.Node.ID,
		Capabilities:  caps,
		Host:          cfg.Node.Host,
		Port:          cfg.Node.Port,
		AdvertiseHost: cfg.Node.AdvertiseHost,
		Bootstrap:     cfg.Node.Bootstrap,
		Metrics:       metrics,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	// Capability wiring: store nodes own a graph and the schema store,
	// llm nodes own a translator, and any node with either registers
	// the local memory dispatcher.
	var graph store.Graph
	var schemaStore *schema.Store
	if capSet.Has(p2p.CapStore) {
		switch cfg.Node.StoreBackend {
		case "memory":
			graph = store.NewMemGraph()
		default:
			g, gerr := store.ConnectNeo4j(ctx, store.Neo4jConfig{
				URI:      cfg.Neo4j.URI,
				Username: cfg.Neo4j.Username,
				Password: cfg.Neo4j.Password,
			})
			if gerr != nil {
				return gerr
			}
			defer g.Close(context.Background())
			graph = g
		}

		schemaStore = schema.NewStore(cfg.Node.SchemaPath, log)
		if err := schemaStore.Load(); err != nil {
			return err
		}
		schemaStore.OnUpdate = func(doc schema.Document) {
			node.BroadcastEvent("schema_updated", map[string]any{
				"schema":  doc,
				"version": doc.SchemaVersion,
			})
		}
	}

	var translator llm.Translator
	if capSet.Has(p2p.CapLLM) {
		translator = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey: cfg.LLM.APIKey,
			Model:  cfg.LLM.Model,
		}, log)
	}

	if graph != nil || translator != nil {
		svc := memory.NewService(graph, translator, schemaStore, log)
		node.RegisterMemory(memory.NewDispatcher(svc))
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		node.Stop(stopCtx)
	}()

	mux := node.Server().Mux()
	mux.Handle("GET /metrics", metrics.Handler())
	bridge.New(node, graph, log).Mount(mux)

	// Agents run against the routing client so they work on any node,
	// local memory or not.
	memClient := memory.NewClient(node, metrics, log)
	g, gctx := errgroup.WithContext(ctx)

	if capSet.Has(p2p.CapInference) {
		runner := agent.NewRunner(
			agent.NewInference(memClient, agent.NewState(), node.NodeID(), agentSchema(schemaStore), log),
			memClient, pollInterval, log, metrics)
		node.AddEventListener(runner.OnNetworkEvent)
		g.Go(func() error { return runner.Run(gctx) })
	}
	if capSet.Has(p2p.CapValidation) {
		runner := agent.NewRunner(
			agent.NewValidator(memClient, agent.NewState(), agentSchema(schemaStore), log),
			memClient, pollInterval, log, metrics)
		node.AddEventListener(runner.OnNetworkEvent)
		g.Go(func() error { return runner.Run(gctx) })
	}

	if opts.interactive || capSet.Has(p2p.CapCLI) {
		chat := cli.New(memClient, node, "cli_user", log)
		if err := chat.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
			return err
		}
		stop()
	} else {
		<-ctx.Done()
	}
	return g.Wait()
}

// agentSchema picks the schema snapshot an agent starts with: the local
// store's when present, the bundled bootstrap otherwise. Hot reload
// replaces it on the first schema_updated event either way.
func agentSchema(s *schema.Store) *schema.PredicateSchema {
	if s != nil {
		return s.Schema()
	}
	boot, err := schema.Bootstrap()
	if err != nil {
		return nil
	}
	return boot
}
