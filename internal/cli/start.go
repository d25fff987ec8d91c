package cli

import (
	"fmt"

	"github.com/harun/devrel/internal/config"
	"github.com/harun/devrel/internal/daemon"
	"github.com/harun/devrel/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the DevRel daemon service",
	Long: `Start the DevRel daemon in the foreground.
The daemon serves the HTTP ingress, runs the worker pool and reloads the log
level when the config file changes. Stop it with Ctrl+C or "devrel stop".`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

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

	watcher, err := config.NewWatcher(config.NewLoader(cfgFile), 0, func(next *config.Config) {
		if logLevel != "" {
			return
		}
		level := logger.SetLevel(next.Logging.Level)
		log.Info().Str("level", level.String()).Msg("Log level reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "DevRel daemon running (data dir: %s)\n", cfg.DataDir)
	if srv := d.GetIngress(); srv != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Ingress: http://%s\n", srv.Addr())
	}

	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return processAlive(pid)
}
