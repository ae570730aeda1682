// Package config holds the daemon configuration and loads it from
// files, environment variables and defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"encoding/json"
)

// Config is the full daemon configuration. Zero values in a parsed
// file mean "unset" and are filled from defaults.
type Config struct {
	// Host is the TCP address the API server binds to.
	Host string `json:"host" yaml:"host" toml:"host"`
	// Port is the TCP port the API server listens on.
	Port int `json:"port" yaml:"port" toml:"port"`
	// Socket is a Unix socket path. When set it takes precedence over
	// Host and Port.
	Socket string `json:"socket" yaml:"socket" toml:"socket"`
	// ModelsPath is the directory where model files are stored.
	ModelsPath string `json:"models_path" yaml:"models_path" toml:"models_path"`
	// LogLevel is one of the logrus level names.
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// AllowedOrigins lists origins allowed by the CORS middleware.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`

	Cache    Cache    `json:"cache" yaml:"cache" toml:"cache"`
	Engine   Engine   `json:"engine" yaml:"engine" toml:"engine"`
	Defaults Defaults `json:"defaults" yaml:"defaults" toml:"defaults"`
}

// Cache configures the in-memory model cache.
type Cache struct {
	// Capacity is the maximum number of models resident at once.
	Capacity int `json:"capacity" yaml:"capacity" toml:"capacity"`
	// AcquireTimeoutSeconds bounds how long a request waits for a free
	// slot when the cache is full of in-use models. 0 waits forever.
	AcquireTimeoutSeconds int `json:"acquire_timeout_seconds" yaml:"acquire_timeout_seconds" toml:"acquire_timeout_seconds"`
	// IdleTimeoutSeconds evicts models unused for this long. 0 keeps
	// models resident until evicted for capacity.
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds" toml:"idle_timeout_seconds"`
	// VerifyOnLoad re-hashes model files against their registry
	// checksum before every load.
	VerifyOnLoad bool `json:"verify_on_load" yaml:"verify_on_load" toml:"verify_on_load"`
}

// Engine configures how models are loaded into the inference engine.
type Engine struct {
	// ContextSize is the context window in tokens.
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	// GPULayers is the number of layers offloaded to the GPU.
	GPULayers int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	// Threads is the CPU thread count, 0 lets the engine decide.
	Threads int `json:"threads" yaml:"threads" toml:"threads"`
	// BatchSize is the prompt processing batch size.
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
}

// Defaults are the generation parameters applied when a request leaves
// them unset.
type Defaults struct {
	Temperature float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP        float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       8000,
		ModelsPath: defaultModelsPath(),
		LogLevel:   "info",
		Cache: Cache{
			Capacity:              4,
			AcquireTimeoutSeconds: 30,
		},
		Engine: Engine{
			ContextSize: 4096,
			BatchSize:   1,
		},
		Defaults: Defaults{
			Temperature: 0.7,
			TopP:        0.95,
			MaxTokens:   1024,
		},
	}
}

func defaultModelsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".weft", "models")
	}
	return filepath.Join(home, ".weft", "models")
}

// Load reads a configuration file, applies it over the defaults and
// then applies environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		parsed, err := parseFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.merge(parsed)
	}
	cfg.applyEnv()
	cfg.ModelsPath = expandHome(cfg.ModelsPath)
	return cfg, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~"+string(os.PathSeparator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// parseFile decodes a config file based on its extension. Supported
// formats are YAML, TOML and JSON.
func parseFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing TOML config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("config %s: %w", path, ErrUnsupportedFormat)
	}
	return cfg, nil
}

// merge overlays non-zero fields from other onto c.
func (c *Config) merge(other Config) {
	if other.Host != "" {
		c.Host = other.Host
	}
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.Socket != "" {
		c.Socket = other.Socket
	}
	if other.ModelsPath != "" {
		c.ModelsPath = other.ModelsPath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if len(other.AllowedOrigins) > 0 {
		c.AllowedOrigins = other.AllowedOrigins
	}
	if other.Cache.Capacity != 0 {
		c.Cache.Capacity = other.Cache.Capacity
	}
	if other.Cache.AcquireTimeoutSeconds != 0 {
		c.Cache.AcquireTimeoutSeconds = other.Cache.AcquireTimeoutSeconds
	}
	if other.Cache.IdleTimeoutSeconds != 0 {
		c.Cache.IdleTimeoutSeconds = other.Cache.IdleTimeoutSeconds
	}
	if other.Cache.VerifyOnLoad {
		c.Cache.VerifyOnLoad = true
	}
	if other.Engine.ContextSize != 0 {
		c.Engine.ContextSize = other.Engine.ContextSize
	}
	if other.Engine.GPULayers != 0 {
		c.Engine.GPULayers = other.Engine.GPULayers
	}
	if other.Engine.Threads != 0 {
		c.Engine.Threads = other.Engine.Threads
	}
	if other.Engine.BatchSize != 0 {
		c.Engine.BatchSize = other.Engine.BatchSize
	}
	if other.Defaults.Temperature != 0 {
		c.Defaults.Temperature = other.Defaults.Temperature
	}
	if other.Defaults.TopP != 0 {
		c.Defaults.TopP = other.Defaults.TopP
	}
	if other.Defaults.MaxTokens != 0 {
		c.Defaults.MaxTokens = other.Defaults.MaxTokens
	}
}

// applyEnv overrides fields from WEFT_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("WEFT_HOST"); v != "" {
		// WEFT_HOST doubles as the client-side address, so accept both
		// "host" and "host:port".
		if host, port, err := net.SplitHostPort(v); err == nil {
			c.Host = host
			if parsed, err := strconv.Atoi(port); err == nil {
				c.Port = parsed
			}
		} else {
			c.Host = v
		}
	}
	if v, ok := envInt("WEFT_PORT"); ok {
		c.Port = v
	}
	if v := os.Getenv("WEFT_SOCK"); v != "" {
		c.Socket = v
	}
	if v := os.Getenv("WEFT_MODELS_PATH"); v != "" {
		c.ModelsPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WEFT_ORIGINS"); v != "" {
		c.AllowedOrigins = splitOrigins(v)
	}
	if v, ok := envInt("WEFT_CACHE_CAPACITY"); ok {
		c.Cache.Capacity = v
	}
	if v, ok := envInt("WEFT_ACQUIRE_TIMEOUT"); ok {
		c.Cache.AcquireTimeoutSeconds = v
	}
	if v, ok := envInt("WEFT_IDLE_TIMEOUT"); ok {
		c.Cache.IdleTimeoutSeconds = v
	}
	if v := os.Getenv("WEFT_VERIFY_ON_LOAD"); v != "" {
		c.Cache.VerifyOnLoad = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := envInt("WEFT_CONTEXT_SIZE"); ok {
		c.Engine.ContextSize = v
	}
	if v, ok := envInt("WEFT_GPU_LAYERS"); ok {
		c.Engine.GPULayers = v
	}
	if v, ok := envInt("WEFT_THREADS"); ok {
		c.Engine.Threads = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func splitOrigins(value string) []string {
	var origins []string
	for _, origin := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
