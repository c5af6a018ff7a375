package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".deskshell"
	ConfigFileName = "deskshell.json"
	EnvPrefix      = "DESKSHELL"
)

// flagKeys maps command line flag names to configuration keys
var flagKeys = map[string]string{
	"port":        "port",
	"mode":        "mode",
	"asset-root":  "asset-root",
	"data-dir":    "data-dir",
	"renderer":    "renderer.backend",
	"log-level":   "logging.level",
	"log-to-file": "logging.enable-file",
	"log-dir":     "logging.log-dir",
	"bundler":     "bundler.kind",
}

// Load builds the configuration from defaults, an optional JSON file,
// DESKSHELL_* environment variables and any bound command line flags.
// An empty configPath searches the working and data directories.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := readConfigFile(v, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if flags != nil {
		if noAuth, err := flags.GetBool("no-auth"); err == nil && noAuth {
			cfg.Auth.Enabled = false
		}
	}

	applyEnvOverrides(cfg)

	if err := ensureDataDir(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file without consulting flags
func LoadFromFile(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	return Load(configPath, nil)
}

// setupViper configures viper with environment variable handling and defaults
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// bundler.out-dir -> DESKSHELL_BUNDLER_OUT_DIR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	d := DefaultConfig()
	v.SetDefault("app-name", d.AppName)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("port", d.Port)
	v.SetDefault("port-fallback", d.PortFallback)
	v.SetDefault("allowed-origins", d.AllowedOrigins)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("asset-root", d.AssetRoot)
	v.SetDefault("data-dir", d.DataDir)

	v.SetDefault("bundler.kind", d.Bundler.Kind)
	v.SetDefault("bundler.entry-points", d.Bundler.EntryPoints)
	v.SetDefault("bundler.out-dir", d.Bundler.OutDir)
	v.SetDefault("bundler.command", d.Bundler.Command)
	v.SetDefault("bundler.args", d.Bundler.Args)
	v.SetDefault("bundler.work-dir", d.Bundler.WorkDir)
	v.SetDefault("bundler.debounce", d.Bundler.Debounce)

	v.SetDefault("renderer.backend", d.Renderer.Backend)
	v.SetDefault("renderer.title", d.Renderer.Title)
	v.SetDefault("renderer.width", d.Renderer.Width)
	v.SetDefault("renderer.height", d.Renderer.Height)
	v.SetDefault("renderer.debug", d.Renderer.Debug)
	v.SetDefault("renderer.chrome-path", d.Renderer.ChromePath)

	v.SetDefault("live-update.heartbeat", d.LiveUpdate.Heartbeat)
	v.SetDefault("live-update.buffer", d.LiveUpdate.Buffer)

	v.SetDefault("bridge.pending-timeout", d.Bridge.PendingTimeout)
	v.SetDefault("bridge.max-pending", d.Bridge.MaxPending)
	v.SetDefault("bridge.ask-delay", d.Bridge.AskDelay)

	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.key", "")

	v.SetDefault("observability.metrics-enabled", d.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing-enabled", d.Observability.TracingEnabled)
	v.SetDefault("observability.otlp-endpoint", d.Observability.OTLPEndpoint)
	v.SetDefault("observability.sample-rate", d.Observability.SampleRate)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.enable-file", d.Logging.EnableFile)
	v.SetDefault("logging.enable-console", d.Logging.EnableConsole)
	v.SetDefault("logging.filename", d.Logging.Filename)
	v.SetDefault("logging.log-dir", d.Logging.LogDir)
	v.SetDefault("logging.max-size", d.Logging.MaxSize)
	v.SetDefault("logging.max-backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max-age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.json-format", d.Logging.JSONFormat)
}

// readConfigFile loads a JSON config file written with the json tags of Config.
// Keys are normalised to the mapstructure spelling before merging into viper.
func readConfigFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Empty file (including /dev/null) is treated as no configuration
	if len(data) == 0 {
		return nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return v.MergeConfigMap(normaliseKeys(raw))
}

func normaliseKeys(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, val := range in {
		if nested, ok := val.(map[string]interface{}); ok {
			val = normaliseKeys(nested)
		}
		out[strings.ReplaceAll(k, "_", "-")] = val
	}
	return out
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// findConfigFile tries to find config file in common locations
func findConfigFile() string {
	locations := []string{
		ConfigFileName,
		filepath.Join(".", ConfigFileName),
	}

	if dir := os.Getenv(EnvPrefix + "_DATA"); dir != "" {
		locations = append(locations, filepath.Join(dir, ConfigFileName))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, DefaultDataDir, ConfigFileName))
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// applyEnvOverrides applies the short-form environment aliases
func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(EnvPrefix + "_DATA"); dir != "" && cfg.DataDir == "" {
		cfg.DataDir = dir
	}
}

func ensureDataDir(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}

	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	return nil
}

// SaveConfig saves configuration to file
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
