package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}

// ValidateBackend validates the checkpoint backend name
func (v *Validator) ValidateBackend(backend string) error {
	return oneOf("checkpoint backend", backend, []string{"memory", "sqlite", "redis"})
}

// ValidateProtocol validates the supervisor decision protocol
func (v *Validator) ValidateProtocol(protocol string) error {
	return oneOf("decision protocol", protocol, []string{"text", "structured"})
}

// ValidateSchedule validates a cron spec or @descriptor
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	default:
		return fmt.Errorf("unsupported provider: %s", provider)
	}

	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if cfg.Queue.Workers <= 0 {
		errs = append(errs, fmt.Errorf("queue.workers must be > 0"))
	}
	if cfg.Queue.AgingIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("queue.aging_interval_ms must be >= 0"))
	}

	if err := v.ValidateProtocol(cfg.Supervisor.Protocol); err != nil {
		errs = append(errs, err)
	}

	if cfg.Workflow.ExpireAfterMinutes < 0 {
		errs = append(errs, fmt.Errorf("workflow.expire_after_minutes must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Workflow.ReapSchedule); err != nil {
		errs = append(errs, fmt.Errorf("workflow.reap_schedule: %w", err))
	}

	if err := v.ValidateBackend(cfg.Checkpoint.Backend); err != nil {
		errs = append(errs, err)
	}
	if cfg.Checkpoint.Backend == "redis" && cfg.Checkpoint.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("checkpoint.redis.addr is required for the redis backend"))
	}

	if cfg.Sessions.IdleTTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("sessions.idle_ttl_minutes must be >= 0"))
	}
	if err := v.ValidateSchedule(cfg.Sessions.CleanupSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sessions.cleanup_schedule: %w", err))
	}

	for i, profile := range cfg.Reasoning.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("reasoning profile %d (%s): %w", i, profile.ID, err))
		}
	}
	if cfg.Reasoning.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("reasoning.max_tokens must be > 0"))
	}

	for name := range cfg.Actions.Endpoints {
		if !isKnownAction(name) {
			errs = append(errs, fmt.Errorf("actions.endpoints: unknown action %q", name))
		}
	}
	if cfg.Actions.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("actions.retry.max_attempts must be >= 0"))
	}
	if cfg.Actions.Retry.InitialBackoffMs < 0 || cfg.Actions.Retry.MaxBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("actions.retry backoff values must be >= 0"))
	}

	if cfg.Ingress.Enabled && (cfg.Ingress.Port <= 0 || cfg.Ingress.Port > 65535) {
		errs = append(errs, fmt.Errorf("ingress.port must be between 1 and 65535, got %d", cfg.Ingress.Port))
	}
	if cfg.Ingress.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("ingress.requests_per_minute must be >= 0"))
	}

	return errs
}

// isKnownAction mirrors the executable names in pkg/actions.
func isKnownAction(name string) bool {
	switch name {
	case "web_search", "faq_handler", "onboarding", "github_toolkit":
		return true
	}
	return false
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
