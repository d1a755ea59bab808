package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level runtime config.
	WorkspaceDirName = ".browsermcp"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the worker process.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Link   LinkConfig   `yaml:"link"`
	Worker WorkerConfig `yaml:"worker"`
	Mirror MirrorConfig `yaml:"mirror"`
}

// ServerConfig names the worker for MCP clients and controls its log destination.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// LinkConfig configures the WebSocket link from the worker to the remote MCP proxy.
type LinkConfig struct {
	// ProxyURL is the ws:// or wss:// endpoint of the remote proxy. Required.
	ProxyURL string `yaml:"proxy_url"`
	// RequireAuth gates Connect until a token has been supplied (spec's auth gate).
	RequireAuth bool `yaml:"require_auth"`
	// InitialBackoff is the first reconnect delay (e.g. "1s").
	InitialBackoff string `yaml:"initial_backoff"`
	// MaxBackoff caps the doubling reconnect delay (e.g. "30s").
	MaxBackoff string `yaml:"max_backoff"`
	// PingInterval controls the open-link keepalive cadence (e.g. "20s").
	PingInterval string `yaml:"ping_interval"`
	// TokenRestartSettle is the pause between the 1000-close and reconnect
	// triggered by an auth token change (e.g. "100ms").
	TokenRestartSettle string `yaml:"token_restart_settle"`
}

// WorkerConfig tunes the MCP controller's timeouts and its tab-facing listener.
type WorkerConfig struct {
	// RequestTimeout bounds a single channel request/reply round trip (e.g. "5s").
	RequestTimeout string `yaml:"request_timeout"`
	// ToolCallTimeout bounds a CALL_TOOL -> TOOL_CALL_RESULT round trip (e.g. "30s").
	ToolCallTimeout string `yaml:"tool_call_timeout"`
	// InitHandshakeTimeout bounds a tab's wait for the worker-alive status (e.g. "2s").
	InitHandshakeTimeout string `yaml:"init_handshake_timeout"`
	// ListenAddr is the local address the networked tab<->worker channel listens on.
	ListenAddr string `yaml:"listen_addr"`
}

// MirrorConfig toggles the native WebMCP mirror.
type MirrorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "browsermcp-worker",
			Version: "0.1.0",
			LogFile: "browsermcp-worker.log",
		},
		Link: LinkConfig{
			ProxyURL:           "",
			RequireAuth:        false,
			InitialBackoff:     "1s",
			MaxBackoff:         "30s",
			PingInterval:       "20s",
			TokenRestartSettle: "100ms",
		},
		Worker: WorkerConfig{
			RequestTimeout:       "5s",
			ToolCallTimeout:      "30s",
			InitHandshakeTimeout: "2s",
			ListenAddr:           "127.0.0.1:8765",
		},
		Mirror: MirrorConfig{
			Enabled: true,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .browsermcp/config.yaml file.
// Returns the workspace root directory (parent of .browsermcp/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .browsermcp/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .browsermcp/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# browsermcp-runtime project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# link:
#   proxy_url: "wss://proxy.example.com/mcp"
#   require_auth: true

# worker:
#   listen_addr: "127.0.0.1:8765"

# mirror:
#   enabled: false
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	return cfg
}

// Validate ensures required fields exist so the worker can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Link.ProxyURL == "" {
		return errors.New("link.proxy_url is required")
	}
	return nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// InitialBackoffDuration returns the parsed initial reconnect backoff with a sane default.
func (l LinkConfig) InitialBackoffDuration() time.Duration {
	return parseDurationOr(l.InitialBackoff, time.Second)
}

// MaxBackoffDuration returns the parsed reconnect backoff ceiling with a sane default.
func (l LinkConfig) MaxBackoffDuration() time.Duration {
	return parseDurationOr(l.MaxBackoff, 30*time.Second)
}

// PingIntervalDuration returns the parsed keepalive interval with a sane default.
func (l LinkConfig) PingIntervalDuration() time.Duration {
	return parseDurationOr(l.PingInterval, 20*time.Second)
}

// TokenRestartSettleDuration returns the parsed auth-token reconnect settle delay.
func (l LinkConfig) TokenRestartSettleDuration() time.Duration {
	return parseDurationOr(l.TokenRestartSettle, 100*time.Millisecond)
}

// RequestTimeoutDuration returns the parsed per-request channel timeout.
func (w WorkerConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(w.RequestTimeout, 5*time.Second)
}

// ToolCallTimeoutDuration returns the parsed tool-call upper bound.
func (w WorkerConfig) ToolCallTimeoutDuration() time.Duration {
	return parseDurationOr(w.ToolCallTimeout, 30*time.Second)
}

// InitHandshakeTimeoutDuration returns the parsed tab-init handshake timeout.
func (w WorkerConfig) InitHandshakeTimeoutDuration() time.Duration {
	return parseDurationOr(w.InitHandshakeTimeout, 2*time.Second)
}
