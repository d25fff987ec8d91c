package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/devrel/internal/daemon"
	"github.com/harun/devrel/pkg/coordinator"
	"github.com/harun/devrel/pkg/eventbus"
	"github.com/spf13/cobra"
)

var askOpts struct {
	platform string
	user     string
	thread   string
	timeout  time.Duration
}

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Answer one message with an in-process daemon",
	Long: `Start the daemon in process with the ingress disabled, answer one message
and exit. Pass the same --thread to continue a session, including a paused
troubleshooting workflow. Fails when a daemon already owns the data directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	f := askCmd.Flags()
	f.StringVar(&askOpts.platform, "platform", "system", "source platform (github, discord, slack, discourse, system)")
	f.StringVar(&askOpts.user, "user", "cli", "user id")
	f.StringVar(&askOpts.thread, "thread", "cli", "thread id; the session id is derived from it")
	f.DurationVar(&askOpts.timeout, "timeout", 2*time.Minute, "how long to wait for the reply")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	platform, err := eventbus.ParsePlatform(askOpts.platform)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Ingress.Enabled = false
	cfg.Logging.Console = false

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), askOpts.timeout)
	defer cancel()

	reply, err := d.Ask(ctx, coordinator.Request{
		UserID:   askOpts.user,
		Platform: platform,
		ThreadID: askOpts.thread,
		Content:  strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
