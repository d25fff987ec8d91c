package cli

import (
	"fmt"

	"github.com/harun/devrel/internal/config"
	"github.com/spf13/cobra"
)

var configureOpts struct {
	organization string
	protocol     string
	backend      string
	redisAddr    string
	expireAfter  int
	ingressPort  int
}

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the configuration file",
	Long: `Write the configuration file, starting from the current config (or the
defaults) and applying the given flags. API keys are never written; set
OPENAI_API_KEY or ANTHROPIC_API_KEY in the environment or a .env file.`,
	RunE: runConfigure,
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&configureOpts.organization, "organization", "", "organization name used in prompts")
	f.StringVar(&configureOpts.protocol, "protocol", "", "supervisor decision protocol (text, structured)")
	f.StringVar(&configureOpts.backend, "checkpoint-backend", "", "checkpoint backend (memory, sqlite, redis)")
	f.StringVar(&configureOpts.redisAddr, "redis-addr", "", "redis address for the redis checkpoint backend, empty clears it")
	f.IntVar(&configureOpts.expireAfter, "expire-after", -1, "minutes before a paused workflow expires, 0 disables")
	f.IntVar(&configureOpts.ingressPort, "ingress-port", 0, "HTTP ingress port")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if configureOpts.organization != "" {
		cfg.Supervisor.Organization = configureOpts.organization
	}
	if configureOpts.protocol != "" {
		cfg.Supervisor.Protocol = configureOpts.protocol
	}
	if configureOpts.backend != "" {
		cfg.Checkpoint.Backend = configureOpts.backend
	}
	if cmd.Flags().Changed("redis-addr") {
		cfg.Checkpoint.Redis.Addr = configureOpts.redisAddr
	}
	if configureOpts.expireAfter >= 0 {
		cfg.Workflow.ExpireAfterMinutes = configureOpts.expireAfter
	}
	if configureOpts.ingressPort > 0 {
		cfg.Ingress.Port = configureOpts.ingressPort
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Keys picked up from the environment stay there.
	profiles := cfg.Reasoning.Profiles
	cfg.Reasoning.Profiles = nil
	for _, p := range profiles {
		if p.ID != "env-openai" && p.ID != "env-anthropic" {
			cfg.Reasoning.Profiles = append(cfg.Reasoning.Profiles, p)
		}
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start DevRel with: devrel start")
	return nil
}
