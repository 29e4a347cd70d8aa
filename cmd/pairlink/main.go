// ABOUTME: Entry point for the pairlink bridge server
// ABOUTME: Pairs a chat session with an LLM backend and serves the control API

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/driver"
	"github.com/pairlink/pairlink/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _      _ _       _
  _ __  __ _(_)_ __| (_)_ __ | | __
 | '_ \ / _' | | '__| | | '_ \| |/ /
 | |_) | (_| | | |  | | | | | |   <
 | .__/ \__,_|_|_|  |_|_|_| |_|_|\_\
 |_|
`

// getConfigPath returns the path to the pairlink config file.
// Priority: PAIRLINK_CONFIG env var > XDG_CONFIG_HOME/pairlink/pairlink.yaml > ~/.config/pairlink/pairlink.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PAIRLINK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "pairlink.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "pairlink", "pairlink.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: pairlink <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the bridge server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check bridge health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)

	green.Print("    ▶ ")
	fmt.Printf("Provider:  ")
	if cfg.Reply.Provider == "" {
		gray.Print("(none)")
	} else {
		cyan.Print(cfg.Reply.Provider)
	}
	if cfg.Reply.AutoReply {
		yellow.Print(" [auto-reply]")
	}
	fmt.Println()

	fmt.Println()

	logger.Info("starting pairlink",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"provider", cfg.Reply.Provider,
	)

	// The simulated driver stands in for a real chat account connection.
	sim := driver.NewSim(driver.SimOptions{Echo: false}, logger)
	defer sim.Close()

	gw, err := gateway.New(cfg, sim, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	sim.Bind(gw.HandleDriverEvent)

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("pairlink configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Reply configuration
	fmt.Println("\n--- Reply Configuration ---")
	providerName := prompt(reader, "Provider (openai/anthropic/none)", "openai")
	if providerName == "none" {
		providerName = ""
	}
	autoReplyStr := prompt(reader, "Auto-reply to inbound messages?", "yes")
	autoReply := strings.ToLower(autoReplyStr) == "yes" || strings.ToLower(autoReplyStr) == "y"
	systemPrompt := prompt(reader, "System prompt", "You are a helpful assistant replying on behalf of the account owner.")

	var model string
	switch providerName {
	case "openai":
		model = prompt(reader, "Model", "gpt-4o-mini")
	case "anthropic":
		model = prompt(reader, "Model", "claude-sonnet-4-5")
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# pairlink configuration\n")
	cfg.WriteString("# Generated by pairlink init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  pairing_timeout: \"2m\"\n")
	cfg.WriteString("  degraded_timeout: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("reply:\n")
	cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", providerName))
	cfg.WriteString(fmt.Sprintf("  auto_reply: %t\n", autoReply))
	cfg.WriteString(fmt.Sprintf("  system_prompt: \"%s\"\n", systemPrompt))
	cfg.WriteString("  temperature: 0.7\n")
	cfg.WriteString("\n")

	cfg.WriteString("providers:\n")
	cfg.WriteString("  openai:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", providerName == "openai"))
	if providerName == "openai" {
		cfg.WriteString(fmt.Sprintf("    model: \"%s\"\n", model))
	}
	cfg.WriteString("    api_key: \"${OPENAI_API_KEY}\"\n")
	cfg.WriteString("  anthropic:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", providerName == "anthropic"))
	if providerName == "anthropic" {
		cfg.WriteString(fmt.Sprintf("    model: \"%s\"\n", model))
	}
	cfg.WriteString("    api_key: \"${ANTHROPIC_API_KEY}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("  base_delay: \"500ms\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("dedupe:\n")
	cfg.WriteString("  ttl: \"5m\"\n")
	cfg.WriteString("  max_size: 1000\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  pairlink serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	answer, err := reader.ReadString('\n')
	if err != nil {
		return defaultVal
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return defaultVal
	}
	return answer
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
