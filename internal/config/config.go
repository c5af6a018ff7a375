package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Run modes
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Bundler kinds
const (
	BundlerNone    = "none"
	BundlerEsbuild = "esbuild"
	BundlerCommand = "command"
)

// Renderer backends
const (
	RendererWebview  = "webview"
	RendererChromium = "chromium"
	RendererHeadless = "headless"
	RendererNone     = "none"
)

const (
	defaultListen = "127.0.0.1"
	defaultPort   = 19999
	defaultName   = "deskshell"
)

// Config represents the shell configuration
type Config struct {
	AppName string `json:"app_name" mapstructure:"app-name"`
	Listen  string `json:"listen" mapstructure:"listen"`
	Port    int    `json:"port" mapstructure:"port"` // 0 picks an ephemeral port
	// PortFallback is how many following ports to try when Port is taken
	PortFallback int    `json:"port_fallback" mapstructure:"port-fallback"`
	Mode         string `json:"mode" mapstructure:"mode"`
	AssetRoot    string `json:"asset_root,omitempty" mapstructure:"asset-root"` // empty serves the embedded bundle
	DataDir      string `json:"data_dir,omitempty" mapstructure:"data-dir"`
	// AllowedOrigins are CORS origins beyond loopback, e.g. a renderer's custom scheme
	AllowedOrigins []string `json:"allowed_origins,omitempty" mapstructure:"allowed-origins"`

	Bundler       *BundlerConfig       `json:"bundler,omitempty" mapstructure:"bundler"`
	Renderer      *RendererConfig      `json:"renderer,omitempty" mapstructure:"renderer"`
	LiveUpdate    *LiveUpdateConfig    `json:"live_update,omitempty" mapstructure:"live-update"`
	Bridge        *BridgeConfig        `json:"bridge,omitempty" mapstructure:"bridge"`
	Auth          *AuthConfig          `json:"auth,omitempty" mapstructure:"auth"`
	Observability *ObservabilityConfig `json:"observability,omitempty" mapstructure:"observability"`
	Logging       *LogConfig           `json:"logging,omitempty" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// BundlerConfig selects how development builds are produced.
// The esbuild kind compiles in-process; the command kind runs an external
// watcher and observes its output directory.
type BundlerConfig struct {
	Kind        string        `json:"kind" mapstructure:"kind"`
	EntryPoints []string      `json:"entry_points,omitempty" mapstructure:"entry-points"`
	OutDir      string        `json:"out_dir,omitempty" mapstructure:"out-dir"`
	Command     string        `json:"command,omitempty" mapstructure:"command"`
	Args        []string      `json:"args,omitempty" mapstructure:"args"`
	WorkDir     string        `json:"work_dir,omitempty" mapstructure:"work-dir"`
	Debounce    time.Duration `json:"debounce" mapstructure:"debounce"`
}

// RendererConfig describes the window hosting the frontend
type RendererConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
	Title   string `json:"title" mapstructure:"title"`
	Width   int    `json:"width" mapstructure:"width"`
	Height  int    `json:"height" mapstructure:"height"`
	Debug   bool   `json:"debug" mapstructure:"debug"`
	// ChromePath overrides browser discovery for the chromium backend
	ChromePath string `json:"chrome_path,omitempty" mapstructure:"chrome-path"`
}

// LiveUpdateConfig configures the development update channel
type LiveUpdateConfig struct {
	Heartbeat time.Duration `json:"heartbeat" mapstructure:"heartbeat"`
	Buffer    int           `json:"buffer" mapstructure:"buffer"` // per-subscriber queued events
}

// BridgeConfig bounds the native bridge pending-call table
type BridgeConfig struct {
	PendingTimeout time.Duration `json:"pending_timeout" mapstructure:"pending-timeout"`
	MaxPending     int           `json:"max_pending" mapstructure:"max-pending"`
	AskDelay       time.Duration `json:"ask_delay" mapstructure:"ask-delay"`
}

// AuthConfig controls the per-run auth key gate
type AuthConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Key     string `json:"-" mapstructure:"key"` // generated per run when empty
}

// ObservabilityConfig toggles metrics and tracing
type ObservabilityConfig struct {
	MetricsEnabled bool    `json:"metrics_enabled" mapstructure:"metrics-enabled"`
	TracingEnabled bool    `json:"tracing_enabled" mapstructure:"tracing-enabled"`
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty" mapstructure:"otlp-endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		AppName: defaultName,
		Listen:  defaultListen,
		Port:    defaultPort,
		Mode:    ModeProduction,
		DataDir: "", // Will be set to ~/.deskshell by loader

		Bundler: &BundlerConfig{
			Kind:     BundlerNone,
			OutDir:   "build",
			Debounce: 100 * time.Millisecond,
		},
		Renderer: &RendererConfig{
			Backend: RendererWebview,
			Title:   "deskshell",
			Width:   1200,
			Height:  800,
		},
		LiveUpdate: &LiveUpdateConfig{
			Heartbeat: 10 * time.Second,
			Buffer:    16,
		},
		Bridge: &BridgeConfig{
			PendingTimeout: 30 * time.Second,
			MaxPending:     1024,
			AskDelay:       100 * time.Millisecond,
		},
		Auth: &AuthConfig{
			Enabled: true,
		},
		Observability: &ObservabilityConfig{
			MetricsEnabled: true,
			TracingEnabled: false,
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     0.1,
		},

		// Default logging configuration
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10, // 10MB
			MaxBackups:    5,  // 5 backup files
			MaxAge:        30, // 30 days
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// IsDevelopment reports whether the shell serves live builds
func (c *Config) IsDevelopment() bool {
	return c.Mode == ModeDevelopment
}

// ListenAddr returns host:port for the loopback listener
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Listen, fmt.Sprintf("%d", c.Port))
}

// Validate fills missing sections with defaults and rejects unusable settings
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.AppName == "" {
		c.AppName = defaults.AppName
	}
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if !isLoopback(c.Listen) {
		return fmt.Errorf("listen address %q is not a loopback address", c.Listen)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PortFallback < 0 || c.Port+c.PortFallback > 65535 {
		return fmt.Errorf("port fallback %d out of range for port %d", c.PortFallback, c.Port)
	}
	for _, origin := range c.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("allowed origin %q must be scheme://host[:port]", origin)
		}
	}

	switch c.Mode {
	case "":
		c.Mode = ModeProduction
	case ModeProduction, ModeDevelopment:
	default:
		return fmt.Errorf("unknown mode %q (expected %s or %s)", c.Mode, ModeProduction, ModeDevelopment)
	}

	if c.Bundler == nil {
		c.Bundler = defaults.Bundler
	}
	switch c.Bundler.Kind {
	case "":
		c.Bundler.Kind = BundlerNone
	case BundlerNone:
	case BundlerEsbuild:
		if len(c.Bundler.EntryPoints) == 0 {
			return fmt.Errorf("bundler %q requires at least one entry point", c.Bundler.Kind)
		}
	case BundlerCommand:
		if c.Bundler.Command == "" {
			return fmt.Errorf("bundler %q requires a command", c.Bundler.Kind)
		}
		if c.Bundler.OutDir == "" {
			return fmt.Errorf("bundler %q requires an output directory", c.Bundler.Kind)
		}
	default:
		return fmt.Errorf("unknown bundler kind %q", c.Bundler.Kind)
	}
	if c.Bundler.Debounce <= 0 {
		c.Bundler.Debounce = defaults.Bundler.Debounce
	}
	if c.IsDevelopment() && c.Bundler.Kind == BundlerNone && c.AssetRoot == "" {
		return fmt.Errorf("development mode needs a bundler or an asset root to watch")
	}

	if c.Renderer == nil {
		c.Renderer = defaults.Renderer
	}
	switch c.Renderer.Backend {
	case "":
		c.Renderer.Backend = RendererWebview
	case RendererWebview, RendererChromium, RendererHeadless, RendererNone:
	default:
		return fmt.Errorf("unknown renderer backend %q", c.Renderer.Backend)
	}
	if c.Renderer.Width <= 0 {
		c.Renderer.Width = defaults.Renderer.Width
	}
	if c.Renderer.Height <= 0 {
		c.Renderer.Height = defaults.Renderer.Height
	}

	if c.LiveUpdate == nil {
		c.LiveUpdate = defaults.LiveUpdate
	}
	if c.LiveUpdate.Heartbeat <= 0 {
		c.LiveUpdate.Heartbeat = defaults.LiveUpdate.Heartbeat
	}
	if c.LiveUpdate.Buffer <= 0 {
		c.LiveUpdate.Buffer = defaults.LiveUpdate.Buffer
	}

	if c.Bridge == nil {
		c.Bridge = defaults.Bridge
	}
	if c.Bridge.PendingTimeout <= 0 {
		c.Bridge.PendingTimeout = defaults.Bridge.PendingTimeout
	}
	if c.Bridge.MaxPending <= 0 {
		c.Bridge.MaxPending = defaults.Bridge.MaxPending
	}
	if c.Bridge.AskDelay < 0 {
		c.Bridge.AskDelay = 0
	}

	if c.Auth == nil {
		c.Auth = defaults.Auth
	}
	if c.Observability == nil {
		c.Observability = defaults.Observability
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("sample rate %v must be within [0,1]", c.Observability.SampleRate)
	}
	if c.Logging == nil {
		c.Logging = defaults.Logging
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// MarshalJSON implements json.Marshaler interface
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal((*Alias)(c))
}
