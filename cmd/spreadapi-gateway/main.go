// ABOUTME: Entry point for the spreadapi-gateway server
// ABOUTME: Serves published spreadsheet services over HTTP and MCP

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/config"
	"github.com/airrange-io/spreadapi-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                             _            _
  ___ _ __  _ __ ___  __ _  __| | __ _ _ __ (_)
 / __| '_ \| '__/ _ \/ _' |/ _' |/ _' | '_ \| |
 \__ \ |_) | | |  __/ (_| | (_| | (_| | |_) | |
 |___/ .__/|_|  \___|\__,_|\__,_|\__,_| .__/|_|
     |_|                              |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: SPREADAPI_CONFIG > XDG_CONFIG_HOME/spreadapi/gateway.yaml > ~/.config/spreadapi/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SPREADAPI_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "spreadapi", "gateway.yaml")
}

// getDataPath returns the directory for the SQLite database.
// Priority: XDG_DATA_HOME/spreadapi > ~/.local/share/spreadapi
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "spreadapi")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: spreadapi-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init --engine URL      Write a starter config with a random JWT secret")
		fmt.Println("  token --user ID        Issue a dashboard JWT for a user")
		fmt.Println("  health                 Check gateway health")
		fmt.Println("  ready                  Check gateway readiness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
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
	gateway.Version = version

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Store.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Engine:    %s\n", cfg.Engine.URL)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting spreadapi-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"blob", cfg.Blob.Driver,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// flagValue reads "--name value" or "--name=value" from args.
func flagValue(args []string, name string) (string, error) {
	long := "--" + name
	var value string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == long:
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", long)
			}
			value = args[i+1]
			i++
		case strings.HasPrefix(arg, long+"="):
			value = strings.TrimPrefix(arg, long+"=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return strings.TrimSpace(value), nil
}

// runToken issues a dashboard JWT so the management API can be used
// without the hosted sign-in flow.
func runToken(args []string) error {
	userID, err := flagValue(args, "user")
	if err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ttl := 30 * 24 * time.Hour
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n", time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

// runInit writes a minimal SQLite-backed config with a fresh JWT secret.
func runInit(args []string) error {
	engineURL, err := flagValue(args, "engine")
	if err != nil {
		return err
	}
	if engineURL == "" {
		engineURL = "http://localhost:3001"
	}

	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	dbPath := filepath.Join(getDataPath(), "gateway.db")

	content := fmt.Sprintf(`# spreadapi-gateway configuration
# Generated by spreadapi-gateway init

server:
  http_addr: "localhost:8080"

store:
  driver: "sqlite"
  sqlite_path: %q

engine:
  url: %q

auth:
  jwt_secret: %q

logging:
  level: "info"
  format: "text"
`, dbPath, engineURL, base64.StdEncoding.EncodeToString(secretBytes))

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("    spreadapi-gateway serve           # start the gateway")
	fmt.Println("    spreadapi-gateway token --user ID # issue a dashboard token")
	return nil
}

func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
