// ABOUTME: Entry point for the support-gateway server
// ABOUTME: Serves the widget API, mints agent tokens and writes starter configs

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ┌─┐┬ ┬┌─┐┌─┐┌─┐┬─┐┌┬┐   ┌─┐┌─┐┌┬┐┌─┐┬ ┬┌─┐┬ ┬
  └─┐│ │├─┘├─┘│ │├┬┘ │ ───│ ┬├─┤ │ ├┤ │││├─┤└┬┘
  └─┘└─┘┴  ┴  └─┘┴└─ ┴    └─┘┴ ┴ ┴ └─┘└┴┘┴ ┴ ┴
`

// getConfigPath returns the path to the gateway config file.
// Priority: SUPPORT_CONFIG env var > XDG_CONFIG_HOME/support-gateway/gateway.yaml > ~/.config/support-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SUPPORT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "support-gateway", "gateway.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/support-gateway > ~/.local/share/support-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "support-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: support-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the gateway server")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  health                Check gateway health and provider readiness")
		fmt.Println("  token --agent NAME    Mint an agent console token")
		fmt.Println("        [--shop DOMAIN]... [--ttl 720h]")
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
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
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

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s (gRPC)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Providers: ")
	for i, p := range cfg.Providers {
		if i > 0 {
			fmt.Print(", ")
		}
		cyan.Print(p.Name)
		gray.Printf(" (%s)", p.Model)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Agent console on tailnet: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.ConsolePort > 0 {
			gray.Printf(":%d", cfg.Tailscale.ConsolePort)
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Agent console API disabled (no auth.jwt_secret)")
	}

	fmt.Println()

	logger.Info("starting support-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"providers", len(cfg.Providers),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go reloadOnHangup(ctx, gw, logger)

	return gw.Run(ctx)
}

// reloadOnHangup re-reads the shops file whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, gw *gateway.Gateway, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := gw.ReloadShops(); err != nil {
				logger.Error("failed to reload shops", "error", err)
			}
		}
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		fmt.Printf("%-14s %s\n", path, strings.TrimSpace(string(body)))
	}

	fmt.Println("healthy")
	return nil
}

// runToken mints a JWT for the agent console.
// Supports both "--agent value" and "--agent=value" formats.
func runToken(args []string) error {
	var (
		agentName string
		shopList  []string
		ttl       = 30 * 24 * time.Hour
	)

	value := func(i *int, flag string) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var err error
		switch {
		case arg == "--agent" || arg == "-a":
			agentName, err = value(&i, "--agent")
		case strings.HasPrefix(arg, "--agent="):
			agentName = strings.TrimPrefix(arg, "--agent=")
		case arg == "--shop":
			var shop string
			shop, err = value(&i, "--shop")
			shopList = append(shopList, shop)
		case strings.HasPrefix(arg, "--shop="):
			shopList = append(shopList, strings.TrimPrefix(arg, "--shop="))
		case arg == "--ttl":
			var raw string
			if raw, err = value(&i, "--ttl"); err == nil {
				ttl, err = time.ParseDuration(raw)
			}
		case strings.HasPrefix(arg, "--ttl="):
			ttl, err = time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
		if err != nil {
			return err
		}
	}

	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return fmt.Errorf("--agent flag is required")
	}
	if len(agentName) > 100 {
		return fmt.Errorf("agent name exceeds maximum length of 100 characters")
	}
	if ttl < 0 {
		return fmt.Errorf("--ttl cannot be negative")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	token, err := verifier.Generate(agentName, shopList, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Fprintf(os.Stderr, "  ✓ Token for %s", agentName)
	if len(shopList) == 0 {
		gray.Fprint(os.Stderr, " (all shops)")
	} else {
		gray.Fprintf(os.Stderr, " (%s)", strings.Join(shopList, ", "))
	}
	if ttl == 0 {
		gray.Fprintln(os.Stderr, ", never expires")
	} else {
		gray.Fprintf(os.Stderr, ", expires %s\n", time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	}

	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("support-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "support.db")
	defaultShopsPath := filepath.Join(filepath.Dir(defaultConfigPath), "shops.toml")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "localhost:50051")
	publicURL := prompt(reader, "Public URL (for notification links)", "")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	shopsPath := prompt(reader, "Shops file (TOML)", defaultShopsPath)

	fmt.Println("\n--- Providers ---")
	openAIKey := prompt(reader, "OpenAI API key env var (empty to skip)", "OPENAI_API_KEY")
	anthropicKey := prompt(reader, "Anthropic API key env var (empty to skip)", "ANTHROPIC_API_KEY")

	fmt.Println("\n--- Agent Console ---")
	var jwtSecret string
	if yes(prompt(reader, "Enable agent console API?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Serve the agent console privately on a tailnet?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "support-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# support-gateway configuration\n")
	cfg.WriteString("# Generated by support-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	if publicURL != "" {
		cfg.WriteString(fmt.Sprintf("  public_url: %q\n", publicURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("shops:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", shopsPath))
	cfg.WriteString("\n")

	cfg.WriteString("orchestrator:\n")
	cfg.WriteString("  history_window: 10\n")
	cfg.WriteString("  provider_timeout: \"60s\"\n")
	cfg.WriteString("  inflight_ttl: \"2m\"\n")
	cfg.WriteString("  health_interval: \"1m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("providers:\n")
	priority := 1
	if openAIKey != "" {
		cfg.WriteString("  - name: openai\n")
		cfg.WriteString("    type: openai\n")
		cfg.WriteString(fmt.Sprintf("    api_key: \"${%s}\"\n", openAIKey))
		cfg.WriteString("    model: gpt-4o-mini\n")
		cfg.WriteString(fmt.Sprintf("    priority: %d\n", priority))
		priority++
	}
	if anthropicKey != "" {
		cfg.WriteString("  - name: anthropic\n")
		cfg.WriteString("    type: anthropic\n")
		cfg.WriteString(fmt.Sprintf("    api_key: \"${%s}\"\n", anthropicKey))
		cfg.WriteString("    model: claude-3-5-haiku-latest\n")
		cfg.WriteString(fmt.Sprintf("    priority: %d\n", priority))
	}
	cfg.WriteString("\n")

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString("  console_port: 80\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("escalation:\n")
	cfg.WriteString("  slack:\n")
	cfg.WriteString("    enabled: false\n")
	cfg.WriteString("    bot_token: \"${SLACK_BOT_TOKEN}\"\n")
	cfg.WriteString("    channel: \"#support\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the JWT secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if _, err := os.Stat(shopsPath); os.IsNotExist(err) {
		if err := os.WriteFile(shopsPath, []byte(sampleShops), 0644); err != nil {
			return fmt.Errorf("writing shops file: %w", err)
		}
		fmt.Printf("\nSample shops file written to %s\n", shopsPath)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  support-gateway serve\n")

	return nil
}

const sampleShops = `# Shop settings for support-gateway. Send SIGHUP to reload.

[[shop]]
domain = "example.myshopify.com"
bot_name = "Ava"
tone = "friendly"
welcome_message = "Hi! I'm Ava. How can I help you today?"
policy_types = ["shipping", "returns"]

[[shop.policy]]
type = "shipping"
title = "Shipping"
active = true
body = """
We ship **worldwide**. Orders leave our warehouse within 2 business days.
"""

[[shop.policy]]
type = "returns"
title = "Returns"
active = true
body = """
Returns are accepted within *30 days* of delivery.
"""
`

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}
