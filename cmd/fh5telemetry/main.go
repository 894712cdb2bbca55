package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/fh5telemetry/internal/api"
	"github.com/banshee-data/fh5telemetry/internal/config"
	"github.com/banshee-data/fh5telemetry/internal/db"
	"github.com/banshee-data/fh5telemetry/internal/monitoring"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/network"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/pipeline"
	"github.com/banshee-data/fh5telemetry/internal/telemetry/stream"
	"github.com/banshee-data/fh5telemetry/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file (optional)")
	listenAddr  = flag.String("listen", "", "UDP address to receive telemetry on (overrides config)")
	httpListen  = flag.String("http", "", "HTTP API listen address (overrides config)")
	grpcListen  = flag.String("grpc", "", "gRPC frame stream listen address (overrides config)")
	logDir      = flag.String("log-dir", "", "Directory for session logs (overrides config)")
	dbPath      = flag.String("db", "", "Session catalog database path (overrides config)")
	forwardAddr = flag.String("forward", "", "Re-send every datagram to this UDP address (overrides config)")
	replayDirs  = flag.String("replay-dirs", "", "Comma separated extra directories replay may load from")
	origins     = flag.String("ws-origins", "", "Comma separated extra origins allowed on /api/stream")
	autoListen  = flag.Bool("live", true, "Start listening for telemetry at startup")
	autoLog     = flag.Bool("record", false, "Start a session log at startup")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// applyFlags copies every flag given on the command line over the loaded
// configuration.
func applyFlags(cfg *config.Config) {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.ListenAddr, *listenAddr)
	set(&cfg.HTTPListen, *httpListen)
	set(&cfg.GRPCListen, *grpcListen)
	set(&cfg.LogDir, *logDir)
	set(&cfg.DBPath, *dbPath)
	set(&cfg.ForwardAddr, *forwardAddr)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func pipelineConfig(cfg *config.Config, metrics *monitoring.Metrics, catalog pipeline.Catalog) pipeline.Config {
	return pipeline.Config{
		Listener: network.ListenerConfig{
			Address:     cfg.GetListenAddr(),
			RcvBuf:      cfg.GetRcvBuf(),
			LogInterval: cfg.GetStatsLogInterval(),
		},
		QueueCapacity:     cfg.GetQueueCapacity(),
		ForwardAddr:       cfg.GetForwardAddr(),
		SubscriberBuffer:  cfg.GetSubscriberBuffer(),
		LogDir:            cfg.GetLogDir(),
		LogQueue:          cfg.GetLogQueue(),
		LogEnqueueTimeout: cfg.GetLogEnqueueTimeout(),
		Metrics:           metrics,
		Catalog:           catalog,
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("fh5telemetry", version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	log.Printf("fh5telemetry %s", version.String())

	if err := os.MkdirAll(cfg.GetLogDir(), 0o755); err != nil {
		log.Fatalf("failed to create log directory: %v", err)
	}

	catalog, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer catalog.Close()

	metrics := monitoring.NewMetrics()
	ctl := pipeline.New(pipelineConfig(cfg, metrics, catalog))
	defer func() {
		if err := ctl.Close(); err != nil {
			log.Printf("pipeline close: %v", err)
		}
	}()

	// A bind failure at startup is fatal; later starts over the API report it.
	if *autoListen {
		addr, err := ctl.StartListening()
		if err != nil {
			log.Fatalf("failed to start telemetry listener: %v", err)
		}
		log.Printf("listening for telemetry on %s", addr)
	}
	if *autoLog {
		info, err := ctl.StartLogging()
		if err != nil {
			log.Fatalf("failed to start session log: %v", err)
		}
		log.Printf("recording to %s", info.Path)
	}

	streamServer := stream.NewServer(ctl)
	if _, err := streamServer.Start(cfg.GetGRPCListen()); err != nil {
		log.Fatalf("failed to start frame stream: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(api.Config{
			Pipeline:       ctl,
			Catalog:        catalog,
			Metrics:        metrics,
			ReplayDirs:     append([]string{cfg.GetLogDir()}, splitList(*replayDirs)...),
			StreamBuffer:   cfg.GetSubscriberBuffer(),
			OriginPatterns: splitList(*origins),
		})
		mux := apiServer.ServeMux()
		ctl.Mux().AttachAdminRoutes(mux)
		catalog.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    cfg.GetHTTPListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP API listening on %s", cfg.GetHTTPListen())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// gRPC shutdown goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		streamServer.Stop(stopCtx)
		log.Printf("gRPC frame stream stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
