// Package config defines the relay daemon configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SecretEnv overrides Config.Secret when set.
const SecretEnv = "RELAY_SECRET"

// Config is the top-level relay configuration. One file may carry both the
// worker and the orchestrator sections; the command picks the role.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Secret       string             `json:"-" yaml:"secret"` // cluster secret for worker keys
	DataDir      string             `json:"data_dir" yaml:"data_dir"`
	LogLevel     string             `json:"log_level" yaml:"log_level"`
	Engine       EngineConfig       `json:"engine" yaml:"engine"`
	Questions    QuestionConfig     `json:"questions" yaml:"questions"`
	Stream       StreamConfig       `json:"stream" yaml:"stream"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EngineConfig selects the job engine.
type EngineConfig struct {
	Kind    string   `json:"kind" yaml:"kind"`       // "mock" or "process"
	Command []string `json:"command" yaml:"command"` // process engine executable and arguments
	Dir     string   `json:"dir,omitempty" yaml:"dir"`
	Env     []string `json:"env,omitempty" yaml:"env"`
}

// QuestionConfig controls the human-question checkpoint.
type QuestionConfig struct {
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

// StreamConfig controls event streams.
type StreamConfig struct {
	Keepalive Duration `json:"keepalive" yaml:"keepalive"`
}

// WorkerConfig configures the worker role.
type WorkerConfig struct {
	ID              string   `json:"id" yaml:"id"`
	OrchestratorURL string   `json:"orchestrator_url" yaml:"orchestrator_url"`
	PushTimeout     Duration `json:"push_timeout" yaml:"push_timeout"`
}

// OrchestratorConfig configures the orchestrator role.
type OrchestratorConfig struct {
	Workers []WorkerEndpoint `json:"workers" yaml:"workers"`
}

// WorkerEndpoint is one worker the orchestrator delegates to.
type WorkerEndpoint struct {
	ID  string `json:"id" yaml:"id"`
	URL string `json:"url" yaml:"url"`
}

// Duration is a time.Duration written as a string ("500ms", "10s") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":9090",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		DataDir:   "./data",
		LogLevel:  "info",
		Engine:    EngineConfig{Kind: "mock"},
		Questions: QuestionConfig{PollInterval: Duration(500 * time.Millisecond)},
		Stream:    StreamConfig{Keepalive: Duration(15 * time.Second)},
		Worker: WorkerConfig{
			ID:          "worker-1",
			PushTimeout: Duration(10 * time.Second),
		},
	}
}

// Load reads a YAML config file over DefaultConfig and applies environment
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if s := os.Getenv(SecretEnv); s != "" {
		cfg.Secret = s
	}
	return cfg, nil
}

// DBPath is the SQLite file of a role.
func (c *Config) DBPath(role string) string {
	return filepath.Join(c.DataDir, role+".db")
}

// ValidateWorker checks the settings the worker role needs.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, fmt.Errorf("secret is required (or set %s)", SecretEnv))
	}
	if c.Worker.ID == "" {
		errs = append(errs, errors.New("worker.id is required"))
	}
	if c.Worker.OrchestratorURL == "" {
		errs = append(errs, errors.New("worker.orchestrator_url is required"))
	}
	errs = append(errs, c.validateEngine())
	return errors.Join(errs...)
}

// ValidateOrchestrator checks the settings the orchestrator role needs.
func (c *Config) ValidateOrchestrator() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, fmt.Errorf("secret is required (or set %s)", SecretEnv))
	}
	seen := make(map[string]bool)
	for i, w := range c.Orchestrator.Workers {
		switch {
		case w.ID == "" || w.URL == "":
			errs = append(errs, fmt.Errorf("orchestrator.workers[%d]: id and url are required", i))
		case seen[w.ID]:
			errs = append(errs, fmt.Errorf("orchestrator.workers[%d]: duplicate id %q", i, w.ID))
		}
		seen[w.ID] = true
	}
	errs = append(errs, c.validateEngine())
	return errors.Join(errs...)
}

func (c *Config) validateEngine() error {
	switch c.Engine.Kind {
	case "mock":
		return nil
	case "process":
		if len(c.Engine.Command) == 0 {
			return errors.New("engine.command is required for the process engine")
		}
		return nil
	}
	return fmt.Errorf("unknown engine kind %q", c.Engine.Kind)
}

// NewLogger builds the text logger at the configured level.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
