package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the devrel orchestrator configuration
type Config struct {
	// Data directory for transcripts, checkpoints, PID and audit files
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
	Queue      QueueConfig      `json:"queue" mapstructure:"queue"`
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	Workflow   WorkflowConfig   `json:"workflow" mapstructure:"workflow"`
	Checkpoint CheckpointConfig `json:"checkpoint" mapstructure:"checkpoint"`
	Sessions   SessionsConfig   `json:"sessions" mapstructure:"sessions"`
	Reasoning  ReasoningConfig  `json:"reasoning" mapstructure:"reasoning"`
	Actions    ActionsConfig    `json:"actions" mapstructure:"actions"`
	Ingress    IngressConfig    `json:"ingress" mapstructure:"ingress"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// QueueConfig holds work queue settings
type QueueConfig struct {
	Workers            int `json:"workers" mapstructure:"workers"`
	AgingIntervalMs    int `json:"aging_interval_ms" mapstructure:"aging_interval_ms"` // 0 disables aging
	ShutdownTimeoutSec int `json:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
	FailureLogSize     int `json:"failure_log_size" mapstructure:"failure_log_size"`
}

// SupervisorConfig holds decision loop settings
type SupervisorConfig struct {
	Protocol     string `json:"protocol" mapstructure:"protocol"` // text, structured
	Organization string `json:"organization" mapstructure:"organization"`
}

// WorkflowConfig holds confirmation workflow settings
type WorkflowConfig struct {
	// ExpireAfterMinutes expires paused workflows; 0 keeps them forever
	ExpireAfterMinutes int    `json:"expire_after_minutes" mapstructure:"expire_after_minutes"`
	ReapSchedule       string `json:"reap_schedule" mapstructure:"reap_schedule"`
}

// CheckpointConfig selects and configures the checkpoint store backend
type CheckpointConfig struct {
	Backend string      `json:"backend" mapstructure:"backend"` // memory, sqlite, redis
	Path    string      `json:"path" mapstructure:"path"`       // sqlite database file
	Redis   RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"password" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`
}

// SessionsConfig holds live session settings
type SessionsConfig struct {
	IdleTTLMinutes  int    `json:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	TranscriptDir   string `json:"transcript_dir" mapstructure:"transcript_dir"`
}

// ReasoningConfig holds reasoning engine settings
type ReasoningConfig struct {
	Model           string      `json:"model" mapstructure:"model"`
	Temperature     float64     `json:"temperature" mapstructure:"temperature"`
	MaxTokens       int         `json:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSec      int         `json:"timeout_sec" mapstructure:"timeout_sec"`
	CooldownSeconds int         `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	Profiles        []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ActionsConfig configures the action executor
type ActionsConfig struct {
	// Endpoints maps an action name to an HTTP endpoint that runs it
	Endpoints  map[string]string `json:"endpoints" mapstructure:"endpoints"`
	TimeoutSec int               `json:"timeout_sec" mapstructure:"timeout_sec"`
	Retry      RetryConfig       `json:"retry" mapstructure:"retry"`
}

// RetryConfig holds bounded retry settings
type RetryConfig struct {
	MaxAttempts      int `json:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// IngressConfig holds HTTP ingress settings
type IngressConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	// RequestsPerMinute limits submissions per client address; 0 disables
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    false,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "devrel",
			SampleRatio: 1,
		},
		Queue: QueueConfig{
			Workers:            3,
			AgingIntervalMs:    30000,
			ShutdownTimeoutSec: 10,
			FailureLogSize:     100,
		},
		Supervisor: SupervisorConfig{
			Protocol: "text",
		},
		Workflow: WorkflowConfig{
			ExpireAfterMinutes: 0,
			ReapSchedule:       "@every 1h",
		},
		Checkpoint: CheckpointConfig{
			Backend: "sqlite",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "devrel:checkpoint:",
			},
		},
		Sessions: SessionsConfig{
			IdleTTLMinutes:  24 * 60,
			CleanupSchedule: "@every 10m",
		},
		Reasoning: ReasoningConfig{
			Model:           "gpt-4o-mini",
			Temperature:     0.2,
			MaxTokens:       1024,
			TimeoutSec:      60,
			CooldownSeconds: 60,
		},
		Actions: ActionsConfig{
			Endpoints:  map[string]string{},
			TimeoutSec: 30,
			Retry: RetryConfig{
				MaxAttempts:      3,
				InitialBackoffMs: 500,
				MaxBackoffMs:     5000,
			},
		},
		Ingress: IngressConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              8090,
			RequestsPerMinute: 120,
		},
	}
}

// AgingInterval returns the queue aging interval
func (c *Config) AgingInterval() time.Duration {
	return time.Duration(c.Queue.AgingIntervalMs) * time.Millisecond
}

// IdleTTL returns the live session idle expiry
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Sessions.IdleTTLMinutes) * time.Minute
}

// WorkflowExpiry returns the paused workflow expiry, 0 meaning never
func (c *Config) WorkflowExpiry() time.Duration {
	return time.Duration(c.Workflow.ExpireAfterMinutes) * time.Minute
}

// Validate runs the Validator and joins every problem into one error
func (c *Config) Validate() error {
	return joinErrors(NewValidator().ValidateConfig(c))
}

// String returns a JSON rendering with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Checkpoint.Redis.Password = mask(c.Checkpoint.Redis.Password)
	masked.Reasoning.Profiles = make([]AIProfile, len(c.Reasoning.Profiles))
	for i, p := range c.Reasoning.Profiles {
		p.APIKey = mask(p.APIKey)
		masked.Reasoning.Profiles[i] = p
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}
