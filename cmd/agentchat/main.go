package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"AgentRelay/internal/chatbot"
	"AgentRelay/internal/config"
	"AgentRelay/internal/relayclient"
	"AgentRelay/internal/session"
	"AgentRelay/internal/telemetry"
)

const serviceName = "agentchat"

func main() {
	var (
		configPath string
		relayURL   string
		noTrace    bool
		sessionID  string
		debug      bool
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flag.StringVar(&relayURL, "relay-url", "", "Relay base URL (overrides RELAY_URL)")
	flag.BoolVar(&noTrace, "no-trace", false, "Ask the agent not to produce trace events")
	flag.StringVar(&sessionID, "session-id", "", "Resume an existing agent session")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if relayURL != "" {
		cfg.Client.RelayURL = relayURL
	}
	if noTrace {
		cfg.Client.EnableTrace = false
	}
	cfg.Debug = cfg.Debug || debug
	// the terminal belongs to the chat
	cfg.Logging.Stderr = false

	if err := run(cfg, sessionID); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, sessionID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	logger, logCloser, err := telemetry.InitLogger(cfg.Logging, serviceName, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	tracer, _, cleanup, err := telemetry.InitTelemetry(ctx, cfg.Logging.Dir, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	client := relayclient.New(cfg.Client.RelayURL, logger)

	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Println("=== Agent Chat ===")
	fmt.Printf("Relay: %s\n", client.BaseURL())

	healthCtx, healthCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := client.Health(healthCtx); err != nil {
		yellow.Printf("Relay not reachable yet (%v)\n", err)
		logger.Warn("relay health check failed", "url", client.BaseURL(), "error", err)
	}
	healthCancel()

	surface := chatbot.NewTerminalSurface(os.Stdout)
	ctrl := chatbot.NewController(client, surface, client.BaseURL(), logger,
		chatbot.WithTracer(tracer),
		chatbot.WithTrace(cfg.Client.EnableTrace),
		chatbot.WithConversation(session.WithID(sessionID, session.DefaultSystemPrompt)),
	)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	return chatbot.NewREPL(ctrl, surface, os.Stdin, interrupts).Run(ctx)
}
