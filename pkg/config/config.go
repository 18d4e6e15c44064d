package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the faultline orchestrator configuration
type Config struct {
	Targets  TargetsConfig  `yaml:"targets" mapstructure:"targets"`
	Infra    InfraConfig    `yaml:"infra" mapstructure:"infra"`
	Load     LoadGenConfig  `yaml:"load" mapstructure:"load"`
	Scenario ScenarioConfig `yaml:"scenario" mapstructure:"scenario"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
	History  HistoryConfig  `yaml:"history" mapstructure:"history"`
}

// EndpointConfig describes one HTTP target endpoint
type EndpointConfig struct {
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	HealthPath string `yaml:"health_path" mapstructure:"health_path"`
}

// TargetsConfig holds the HTTP endpoints of the system under test
type TargetsConfig struct {
	Gateway      EndpointConfig `yaml:"gateway" mapstructure:"gateway"`
	UserService  EndpointConfig `yaml:"user_service" mapstructure:"user_service"`
	OrderService EndpointConfig `yaml:"order_service" mapstructure:"order_service"`
}

// InfraConfig holds settings for the infrastructure command runner and
// the component names it controls
type InfraConfig struct {
	Binary         string        `yaml:"binary" mapstructure:"binary"`
	ComposeArgs    []string      `yaml:"compose_args" mapstructure:"compose_args"`
	ProjectDir     string        `yaml:"project_dir" mapstructure:"project_dir"`
	ProjectName    string        `yaml:"project_name" mapstructure:"project_name"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`

	GatewayComponent      string   `yaml:"gateway_component" mapstructure:"gateway_component"`
	UserServiceComponent  string   `yaml:"user_service_component" mapstructure:"user_service_component"`
	OrderServiceComponent string   `yaml:"order_service_component" mapstructure:"order_service_component"`
	DatabaseNodes         []string `yaml:"database_nodes" mapstructure:"database_nodes"`
}

// LoadGenConfig holds default load generation parameters
type LoadGenConfig struct {
	Concurrency            int           `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerUser        int           `yaml:"requests_per_user" mapstructure:"requests_per_user"`
	RequestTimeout         time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	RampUp                 time.Duration `yaml:"ramp_up" mapstructure:"ramp_up"`
	ThinkTimeMax           time.Duration `yaml:"think_time_max" mapstructure:"think_time_max"`
	SingleServiceThreshold float64       `yaml:"single_service_threshold" mapstructure:"single_service_threshold"`
	MixedThreshold         float64       `yaml:"mixed_threshold" mapstructure:"mixed_threshold"`
}

// ScenarioConfig holds timeout budgets for fault-injection scenarios
type ScenarioConfig struct {
	HealthAttempts  int           `yaml:"health_attempts" mapstructure:"health_attempts"`
	HealthInterval  time.Duration `yaml:"health_interval" mapstructure:"health_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
	HealAttempts    int           `yaml:"heal_attempts" mapstructure:"heal_attempts"`
	HealInterval    time.Duration `yaml:"heal_interval" mapstructure:"heal_interval"`
	DegradedTimeout time.Duration `yaml:"degraded_timeout" mapstructure:"degraded_timeout"`
	MarkerResource  string        `yaml:"marker_resource" mapstructure:"marker_resource"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter      string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint      string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure      bool    `yaml:"insecure" mapstructure:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// HistoryConfig holds the run journal configuration. An empty path
// disables persistence.
type HistoryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DefaultConfig returns the documented default configuration
func DefaultConfig() *Config {
	return &Config{
		Targets: TargetsConfig{
			Gateway:      EndpointConfig{BaseURL: "http://localhost:8080", HealthPath: "/health"},
			UserService:  EndpointConfig{BaseURL: "http://localhost:8081", HealthPath: "/health"},
			OrderService: EndpointConfig{BaseURL: "http://localhost:8082", HealthPath: "/health"},
		},
		Infra: InfraConfig{
			Binary:                "docker",
			ComposeArgs:           []string{"compose"},
			ProjectDir:            ".",
			ProjectName:           "crud-demo",
			CommandTimeout:        60 * time.Second,
			GatewayComponent:      "gateway",
			UserServiceComponent:  "user-service",
			OrderServiceComponent: "order-service",
			DatabaseNodes:         []string{"db-node-1", "db-node-2", "db-node-3"},
		},
		Load: LoadGenConfig{
			Concurrency:            50,
			RequestsPerUser:        20,
			RequestTimeout:         10 * time.Second,
			RampUp:                 5 * time.Second,
			ThinkTimeMax:           100 * time.Millisecond,
			SingleServiceThreshold: 0.95,
			MixedThreshold:         0.90,
		},
		Scenario: ScenarioConfig{
			HealthAttempts:  10,
			HealthInterval:  2 * time.Second,
			ProbeTimeout:    3 * time.Second,
			HealAttempts:    20,
			HealInterval:    3 * time.Second,
			DegradedTimeout: 15 * time.Second,
			MarkerResource:  "users",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			Endpoint:      "localhost:4318",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
		History: HistoryConfig{
			Path: "",
		},
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config file in common locations
		v.SetConfigName("faultline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/faultline")
		v.AddConfigPath("/etc/faultline")
	}

	v.SetEnvPrefix("FAULTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for name, ep := range map[string]EndpointConfig{
		"gateway":       c.Targets.Gateway,
		"user_service":  c.Targets.UserService,
		"order_service": c.Targets.OrderService,
	} {
		if ep.BaseURL == "" {
			return fmt.Errorf("target %s: base URL cannot be empty", name)
		}
		if !strings.HasPrefix(ep.BaseURL, "http://") && !strings.HasPrefix(ep.BaseURL, "https://") {
			return fmt.Errorf("target %s: base URL must start with http:// or https://", name)
		}
		if ep.HealthPath == "" {
			return fmt.Errorf("target %s: health path cannot be empty", name)
		}
	}

	if c.Infra.Binary == "" {
		return fmt.Errorf("infra binary cannot be empty")
	}
	if c.Infra.CommandTimeout <= 0 {
		return fmt.Errorf("infra command timeout must be positive")
	}

	if c.Load.Concurrency < 1 {
		return fmt.Errorf("load concurrency must be at least 1")
	}
	if c.Load.RequestsPerUser < 1 {
		return fmt.Errorf("load requests per user must be at least 1")
	}
	if c.Load.RequestTimeout <= 0 {
		return fmt.Errorf("load request timeout must be positive")
	}
	if c.Load.RampUp < 0 {
		return fmt.Errorf("load ramp-up cannot be negative")
	}
	if c.Load.SingleServiceThreshold <= 0 || c.Load.SingleServiceThreshold > 1 {
		return fmt.Errorf("single service threshold must be in (0, 1]")
	}
	if c.Load.MixedThreshold <= 0 || c.Load.MixedThreshold > 1 {
		return fmt.Errorf("mixed threshold must be in (0, 1]")
	}

	if c.Scenario.HealthAttempts < 1 {
		return fmt.Errorf("scenario health attempts must be at least 1")
	}
	if c.Scenario.HealAttempts < 1 {
		return fmt.Errorf("scenario heal attempts must be at least 1")
	}
	if c.Scenario.HealthInterval <= 0 || c.Scenario.HealInterval <= 0 {
		return fmt.Errorf("scenario poll intervals must be positive")
	}
	if c.Scenario.ProbeTimeout <= 0 {
		return fmt.Errorf("scenario probe timeout must be positive")
	}
	if c.Scenario.MarkerResource == "" {
		return fmt.Errorf("scenario marker resource cannot be empty")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		validExporters := map[string]bool{"stdout": true, "otlp": true}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing sampling ratio must be in [0, 1]")
		}
	}

	return nil
}
