package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "DEVREL"

// envKeys are the settings that can be overridden from DEVREL_* variables
// without a config file entry.
var envKeys = []string{
	"data_dir",
	"logging.level",
	"logging.file",
	"queue.workers",
	"supervisor.protocol",
	"supervisor.organization",
	"workflow.expire_after_minutes",
	"checkpoint.backend",
	"checkpoint.path",
	"checkpoint.redis.addr",
	"checkpoint.redis.password",
	"checkpoint.redis.db",
	"reasoning.model",
	"ingress.enabled",
	"ingress.host",
	"ingress.port",
	"ingress.requests_per_minute",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the config file (when present), applies DEVREL_* overrides and
// fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDerived(cfg); err != nil {
		return nil, err
	}
	appendEnvProfiles(cfg)

	return cfg, nil
}

func applyDerived(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".devrel")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "devrel.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.Checkpoint.Path == "" {
		cfg.Checkpoint.Path = filepath.Join(cfg.DataDir, "checkpoints.db")
	}
	if cfg.Sessions.TranscriptDir == "" {
		cfg.Sessions.TranscriptDir = filepath.Join(cfg.DataDir, "transcripts")
	}
	return nil
}

// appendEnvProfiles adds provider profiles from OPENAI_API_KEY / ANTHROPIC_API_KEY
// when the config file defines none.
func appendEnvProfiles(cfg *Config) {
	if len(cfg.Reasoning.Profiles) > 0 {
		return
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Reasoning.Profiles = append(cfg.Reasoning.Profiles, AIProfile{
			ID: "env-openai", Provider: "openai", APIKey: key, Priority: 1,
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.Reasoning.Profiles = append(cfg.Reasoning.Profiles, AIProfile{
			ID: "env-anthropic", Provider: "anthropic", APIKey: key, Priority: 2,
		})
	}
}

// Save writes cfg as JSON to the loader's path
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("queue", cfg.Queue)
	v.Set("supervisor", cfg.Supervisor)
	v.Set("workflow", cfg.Workflow)
	v.Set("checkpoint", cfg.Checkpoint)
	v.Set("sessions", cfg.Sessions)
	v.Set("reasoning", cfg.Reasoning)
	v.Set("actions", cfg.Actions)
	v.Set("ingress", cfg.Ingress)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".devrel", "devrel.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
