package cli

import (
	"fmt"
	"time"

	"github.com/harun/devrel/pkg/checkpoint"
	"github.com/harun/devrel/pkg/workflow"
	"github.com/spf13/cobra"
)

var reapOlderThan time.Duration

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired workflow checkpoints",
	Long: `Delete paused workflow checkpoints that have not been touched within the
configured workflow expiry, or within --older-than when given.`,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().DurationVar(&reapOlderThan, "older-than", 0, "override the configured expiry")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	expiry := cfg.WorkflowExpiry()
	if reapOlderThan > 0 {
		expiry = reapOlderThan
	}
	if expiry <= 0 {
		return fmt.Errorf("workflow expiry is disabled; pass --older-than")
	}

	store, err := checkpoint.Open(checkpoint.Options{
		Backend:       cfg.Checkpoint.Backend,
		Path:          cfg.Checkpoint.Path,
		RedisAddr:     cfg.Checkpoint.Redis.Addr,
		RedisPassword: cfg.Checkpoint.Redis.Password,
		RedisDB:       cfg.Checkpoint.Redis.DB,
		KeyPrefix:     cfg.Checkpoint.Redis.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	reaper := workflow.NewReaper(store, workflow.PolicyFor(expiry), cfg.Workflow.ReapSchedule)
	n, err := reaper.ReapOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired checkpoint(s)\n", n)
	return nil
}
