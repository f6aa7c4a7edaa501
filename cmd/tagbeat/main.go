// Command tagbeat runs the frame reconstruction daemon: it reads raw
// measurement frames from TagSee or a local source, reconstructs tag
// activity, records sessions and serves results over HTTP, WebSocket,
// gRPC and NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tagbeat/internal/agent"
	"github.com/banshee-data/tagbeat/internal/api"
	"github.com/banshee-data/tagbeat/internal/config"
	"github.com/banshee-data/tagbeat/internal/httputil"
	"github.com/banshee-data/tagbeat/internal/monitoring"
	"github.com/banshee-data/tagbeat/internal/pipeline"
	"github.com/banshee-data/tagbeat/internal/recorder"
	"github.com/banshee-data/tagbeat/internal/sink"
	"github.com/banshee-data/tagbeat/internal/source"
	"github.com/banshee-data/tagbeat/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a .json or .yaml config file")
	devMode     = flag.Bool("dev", false, "Start a synthetic live run instead of contacting TagSee")
	listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC frame stream listen address (overrides config)")
	dbPath      = flag.String("db-path", "", "SQLite session database (overrides config)")
	sourceKind  = flag.String("source", "", "Frame source for /start: websocket, udp, serial, pcap or synthetic")
	pcapFile    = flag.String("pcap", "", "PCAP capture to read when -source=pcap")
	pcapPort    = flag.Int("pcap-port", 0, "UDP destination port to keep from the capture (0 keeps all)")
	autoStart   = flag.Bool("autostart", false, "Start a live run on boot")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("Starting %s", version.String())

	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	applyFlags(cfg)

	if err := run(cfg); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// applyFlags copies non-empty flags over the file configuration.
func applyFlags(cfg *config.Config) {
	if *listen != "" {
		cfg.Listen = listen
	}
	if *grpcListen != "" {
		cfg.GRPCListen = grpcListen
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
}

func run(cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	store, sqliteStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	rec := recorder.New(store)
	defer func() {
		if err := rec.Close(time.Now()); err != nil {
			log.Printf("Failed to close session store: %v", err)
		}
	}()

	broadcaster := sink.NewBroadcaster(cfg.GetSubscriberBuffer(), metrics)
	defer broadcaster.Close()
	sinks := pipeline.MultiSink{broadcaster}

	if url := cfg.GetNATSURL(); url != "" {
		nc, err := sink.ConnectNATS(url)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Drain()
		sinks = append(sinks, sink.NewNATSSink(nc, cfg.GetNATSSubject()))
		log.Printf("Publishing frames to NATS subject %s", cfg.GetNATSSubject())
	}

	manager, err := pipeline.NewManager(pipeline.Options{
		Params:       cfg.GetParams(),
		Recorder:     rec,
		Sink:         sinks,
		Metrics:      metrics,
		PollInterval: cfg.GetPollInterval(),
		SourceBuffer: cfg.GetSourceBuffer(),
		ReplayRateHz: cfg.GetReplayRateHz(),
	})
	if err != nil {
		return fmt.Errorf("invalid pipeline options: %w", err)
	}

	kind := *sourceKind
	if kind == "" && *devMode {
		kind = "synthetic"
	}
	newSource, err := sourceFactory(cfg, kind, manager)
	if err != nil {
		return err
	}

	var agentClient *agent.Client
	if !*devMode && (kind == "" || kind == "websocket") {
		agentClient = agent.NewClient(httputil.NewClient(cfg.GetAgentTimeout()))
	}

	srv := api.NewServer(api.Config{
		Manager:     manager,
		Broadcaster: broadcaster,
		Agent:       agentClient,
		Sessions:    rec,
		NewSource:   newSource,
		Metrics:     metrics,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	debug := tsweb.Debugger(mux)
	if sqliteStore != nil {
		if err := sqliteStore.AttachAdminRoutes(debug); err != nil {
			return err
		}
	}

	if *autoStart || *devMode {
		if _, err := manager.StartLive(newSource(agent.Target{})); err != nil {
			return fmt.Errorf("failed to start live run: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			server.Close()
		}
		return nil
	})

	if addr := cfg.GetGRPCListen(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
		}
		grpcServer := sink.NewGRPCServer(broadcaster)
		g.Go(func() error {
			log.Printf("gRPC frame stream listening on %s", addr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			grpcServer.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := manager.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// openStore opens the configured session backend. The SQLite store is
// also returned on its own so its admin routes can be mounted.
func openStore(cfg *config.Config) (recorder.Store, *recorder.SQLiteStore, error) {
	switch cfg.GetSessionBackend() {
	case config.BackendFile:
		fs, err := recorder.OpenFileStore(cfg.GetSessionDir())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session directory: %w", err)
		}
		log.Printf("Recording sessions under %s", cfg.GetSessionDir())
		return fs, nil, nil
	default:
		st, err := recorder.OpenSQLite(cfg.GetDBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session database: %w", err)
		}
		log.Printf("Recording sessions to %s", cfg.GetDBPath())
		return st, st, nil
	}
}

// sourceFactory returns the constructor used for every live run.
func sourceFactory(cfg *config.Config, kind string, m *pipeline.Manager) (api.SourceFactory, error) {
	switch strings.ToLower(kind) {
	case "", "websocket":
		url := cfg.GetTagSeeSocket()
		return func(agent.Target) source.Source { return source.NewWebSocketSource(url) }, nil
	case "udp":
		addr := cfg.GetUDPListen()
		if addr == "" {
			return nil, errors.New("-source=udp needs udp_listen in the config")
		}
		return func(agent.Target) source.Source { return source.NewUDPSource(addr) }, nil
	case "serial":
		port := cfg.GetSerialPort()
		if port == "" {
			return nil, errors.New("-source=serial needs serial_port in the config")
		}
		opts, err := source.PortOptions{BaudRate: cfg.GetSerialBaud()}.Normalize()
		if err != nil {
			return nil, err
		}
		return func(agent.Target) source.Source { return source.NewSerialSource(port, opts) }, nil
	case "pcap":
		if *pcapFile == "" {
			return nil, errors.New("-source=pcap needs -pcap")
		}
		path, port := *pcapFile, *pcapPort
		return func(agent.Target) source.Source {
			src := source.NewPCAPSource(path, port)
			src.Realtime = true
			return src
		}, nil
	case "synthetic":
		return func(agent.Target) source.Source {
			src := source.NewSyntheticSource(100 * time.Millisecond)
			src.Params = m.Params
			return src
		}, nil
	default:
		return nil, fmt.Errorf("unknown source %q", kind)
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
