package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"AgentRelay/internal/backend"
	"AgentRelay/internal/config"
	"AgentRelay/internal/ledger"
	"AgentRelay/internal/relay"
	"AgentRelay/internal/telemetry"
)

const serviceName = "agentrelay"

func main() {
	var (
		configPath string
		port       int
		backendArg string
		debug      bool
		showLedger int
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flag.IntVar(&port, "port", 0, "Listen port (overrides PORT)")
	flag.StringVar(&backendArg, "backend", "", "Upstream backend (bedrock|echo)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.IntVar(&showLedger, "show-ledger", 0, "Print the N most recent streams and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if backendArg != "" {
		cfg.Upstream.Backend = backendArg
	}
	cfg.Debug = cfg.Debug || debug

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if showLedger > 0 {
		err = printLedger(ctx, cfg.Ledger.Path, showLedger)
	} else {
		err = serve(ctx, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := telemetry.InitLogger(cfg.Logging, serviceName, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Logging.Dir, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	streams, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer streams.Close()

	upstream, err := backend.New(ctx, cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("failed to create upstream client: %w", err)
	}
	if err := cfg.Upstream.Validate(); err != nil {
		// requests fail with 500 until the agent is configured
		logger.Warn("upstream agent not configured", "error", err)
	}

	srv := relay.NewServer(cfg, upstream, logger,
		relay.WithRecorder(streams),
		relay.WithTelemetry(tracer, meter),
	)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("Relay:   http://localhost:%d\n", cfg.Server.Port)
	green.Print("▶ ")
	fmt.Printf("Backend: %s\n", cfg.Upstream.Backend)
	green.Print("▶ ")
	fmt.Printf("Logs:    %s\n\n", cfg.Logging.Dir)

	logger.Info("starting relay",
		"addr", httpServer.Addr,
		"backend", cfg.Upstream.Backend,
		"region", cfg.Upstream.Region,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func printLedger(ctx context.Context, path string, n int) error {
	streams, err := ledger.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer streams.Close()

	entries, err := streams.Recent(ctx, n)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Recent streams (%d)\n\n", len(entries))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSESSION\tSTARTED\tDURATION\tCHUNKS\tOUTCOME\tERROR")
	fmt.Fprintln(w, "  --\t-------\t-------\t--------\t------\t-------\t-----")
	for _, e := range entries {
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.SessionID, e.StartedAt.Format(time.DateTime), e.Duration.Round(time.Millisecond), e.Chunks, e.Outcome, e.Error)
	}
	return w.Flush()
}
