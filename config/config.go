package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	// MarkerFileName is the append-only checkpoint log kept next to the
	// output directories.
	MarkerFileName = "applied_post_processing.txt"

	defaultHeartbeatTimeout = 300 * time.Second
)

// Transform holds the probability and parameter range of one randomized
// post-processing transform.
type Transform struct {
	Probability float64 `mapstructure:"probability" json:"probability"`
	Min         float64 `mapstructure:"min" json:"min"`
	Max         float64 `mapstructure:"max" json:"max"`
}

// Config is built once in main and passed into every component. It is never
// mutated after Load returns.
type Config struct {
	Samples      int  `mapstructure:"samples"`
	Workers      int  `mapstructure:"workers"`
	ClearOutputs bool `mapstructure:"clear_outputs"`
	Verbose      bool `mapstructure:"verbose"`

	RendererBinary          string `mapstructure:"renderer_binary"`
	RendererScript          string `mapstructure:"renderer_script"`
	HeartbeatTimeoutSeconds int    `mapstructure:"heartbeat_timeout_seconds"`

	OutputRoot string `mapstructure:"output_root"`

	Noise Transform `mapstructure:"sp_noise"`
	Blur  Transform `mapstructure:"gaussian_blur"`

	// Integration endpoints come from the environment; they belong to the
	// deployment, not the generation config file.
	RedisAddr    string
	KafkaBrokers string
	KafkaTopic   string
	DatabaseURL  string
}

// Load reads the JSON configuration file at path, applies environment
// overrides for the integration endpoints, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.RendererBinary == "" {
		cfg.RendererBinary = os.Getenv("RENDERER_PATH")
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.HeartbeatTimeoutSeconds == 0 {
		cfg.HeartbeatTimeoutSeconds = int(defaultHeartbeatTimeout / time.Second)
	}

	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.KafkaBrokers = getEnv("KAFKA_BROKERS", "")
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", "render_progress")
	cfg.DatabaseURL = getEnv("DATABASE_URL", "")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Samples < 0 {
		return fmt.Errorf("samples must not be negative, got %d", c.Samples)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.RendererBinary == "" {
		return fmt.Errorf("renderer binary not set (renderer_binary or RENDERER_PATH)")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output_root must be set")
	}
	for name, tr := range map[string]Transform{"sp_noise": c.Noise, "gaussian_blur": c.Blur} {
		if tr.Probability < 0 || tr.Probability > 1 {
			return fmt.Errorf("%s probability must be in [0,1], got %g", name, tr.Probability)
		}
		if tr.Min > tr.Max {
			return fmt.Errorf("%s range is inverted: min %g > max %g", name, tr.Min, tr.Max)
		}
	}
	return nil
}

// HeartbeatTimeout is the maximum allowed silence on a worker's output stream
// before it is presumed hung.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) ImageDir() string { return filepath.Join(c.OutputRoot, "images") }
func (c *Config) LabelDir() string { return filepath.Join(c.OutputRoot, "labels") }
func (c *Config) LogDir() string   { return filepath.Join(c.OutputRoot, "logs") }
func (c *Config) SceneDir() string { return filepath.Join(c.OutputRoot, "scenes") }

// MarkerFile is the path of the post-processing checkpoint log.
func (c *Config) MarkerFile() string { return filepath.Join(c.OutputRoot, MarkerFileName) }

// WorkDirs lists every directory the renderer and this tool write into.
func (c *Config) WorkDirs() []string {
	return []string{c.ImageDir(), c.LabelDir(), c.LogDir(), c.SceneDir()}
}

// PostProcessingEnabled reports whether any transform can fire at all.
func (c *Config) PostProcessingEnabled() bool {
	return c.Noise.Probability > 0 || c.Blur.Probability > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
