// ABOUTME: Entry point for consult-relay, the development STOMP relay and room service
// ABOUTME: Serves, writes starter configs, mints tokens, and checks health

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/consult-session/internal/auth"
	"github.com/2389/consult-session/internal/config"
	"github.com/2389/consult-session/internal/logging"
	"github.com/2389/consult-session/internal/relay"
	"github.com/2389/consult-session/internal/roomapi"
	"github.com/2389/consult-session/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                             _ _                  _
  ___ ___  _ __  ___ _   _| | |_      _ __ ___| | __ _ _   _
 / __/ _ \| '_ \/ __| | | | | __|____| '__/ _ \ |/ _' | | | |
| (_| (_) | | | \__ \ |_| | | ||_____| | |  __/ | (_| | |_| |
 \___\___/|_| |_|___/\__,_|_|\__|    |_|  \___|_|\__,_|\__, |
                                                       |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: CONSULT_CONFIG env var > XDG_CONFIG_HOME/consult/relay.yaml > ~/.config/consult/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONSULT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "consult", "relay.yaml")
}

// getDataPath returns the consult data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "consult")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: consult-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                              Start the relay")
		fmt.Println("  init                               Create a new config file interactively")
		fmt.Println("  token --user ID [--agent] [--name] Mint a bearer token")
		fmt.Println("  health                             Check relay health")
		fmt.Println("  rooms [--status WAITING]           List rooms")
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "rooms":
		err = runRooms(ctx, os.Args[2:])
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

	logger := logging.New(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Relay.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("STOMP:     ws://%s%s\n", cfg.Relay.HTTPAddr, cfg.Relay.WebSocketPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     ")
		yellow.Printf("%s", cfg.Redis.Channel)
		gray.Print(" (shared fan-out)")
		fmt.Println()
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting consult-relay",
		"config", configPath,
		"http_addr", cfg.Relay.HTTPAddr,
		"version", version,
	)

	rl, err := relay.New(ctx, cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	return rl.Run(ctx)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.Int64("user", 0, "user id the token is issued to")
	agent := fs.Bool("agent", false, "issue an agent token")
	name := fs.String("name", "", "display name carried in the token")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.token_lifetime)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID <= 0 {
		return fmt.Errorf("--user is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	id := auth.Identity{UserID: *userID, Role: auth.RoleCustomer, Name: *name}
	if *agent {
		id.Role = auth.RoleAgent
	}
	lifetime := cfg.Auth.TokenLifetime
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(id, lifetime)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/ready", cfg.Relay.HTTPAddr)
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

// runRooms lists rooms through the API using a short-lived agent token.
func runRooms(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	statusFlag := fs.String("status", "", "only rooms in this status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var status session.Status
	if *statusFlag != "" {
		s, err := session.ParseStatus(strings.ToUpper(*statusFlag))
		if err != nil {
			return err
		}
		status = s
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).
		Generate(auth.Identity{UserID: 1, Role: auth.RoleAgent, Name: "consult-relay"}, time.Minute)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	client := roomapi.NewClient("http://"+cfg.Relay.HTTPAddr, roomapi.WithToken(token))
	rooms, err := client.ListRooms(ctx, status)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Println("No rooms.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, r := range rooms {
		agent := "-"
		if r.AgentID != nil {
			agent = fmt.Sprintf("%s (%d)", r.AgentName, *r.AgentID)
		}
		fmt.Printf("%6d  %-8s customer=%-6d agent=%s", r.RoomID, r.Status, r.CustomerID, agent)
		gray.Printf("  %s\n", r.LastActivityAt.Local().Format(time.DateTime))
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("consult-relay configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "consult.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Relay Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	wsPath := prompt(reader, "STOMP WebSocket path", config.DefaultWebSocketPath)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Redis Configuration ---")
	redisEnabled := isYes(prompt(reader, "Share fan-out through Redis?", "no"))
	var redisURL string
	if redisEnabled {
		redisURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# consult-relay configuration\n")
	cfg.WriteString("# Generated by consult-relay init\n\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  ws_path: %q\n", wsPath))
	cfg.WriteString("  dedupe_ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("client:\n")
	cfg.WriteString(fmt.Sprintf("  relay_url: %q\n", "ws://"+httpAddr+wsPath))
	cfg.WriteString(fmt.Sprintf("  api_url: %q\n", "http://"+httpAddr))
	cfg.WriteString("  retry_interval: \"5s\"\n")
	cfg.WriteString("  max_attempts: 10\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  token_lifetime: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("redis:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", redisEnabled))
	if redisEnabled {
		cfg.WriteString(fmt.Sprintf("  url: %q\n", redisURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the relay:")
	fmt.Printf("  consult-relay serve\n")
	return nil
}

// generateSecret returns a random signing key comfortably above the minimum length.
func generateSecret() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
