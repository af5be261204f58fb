package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nvshare-io/nvshare/internal/logging"
	"github.com/nvshare-io/nvshare/internal/transport"
	"github.com/nvshare-io/nvshare/scheduler"
)

func main() {
	cfg := scheduler.DefaultConfig()
	var verbose bool

	root := &cobra.Command{
		Use:   "nvshare-scheduler",
		Short: "GPU time-sharing scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, verbose)
		},
	}

	flags := root.Flags()
	flags.DurationVar(&cfg.Quantum, "quantum", cfg.Quantum, "time quantum a client holds the GPU lock before preemption")
	flags.BoolVar(&cfg.SchedulerOn, "scheduler-on", cfg.SchedulerOn, "start with scheduling enabled")
	flags.StringVar(&cfg.SockDir, "sock-dir", "", "directory for the control socket (defaults to NVSHARE_SOCK_DIR or "+transport.DefaultSockDir+")")
	flags.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "max new connections accepted per second")
	flags.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "burst size for connection accept rate limiting")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	viper.SetEnvPrefix("NVSHARE")
	viper.AutomaticEnv()
	if viper.GetString("SOCK_DIR") != "" && cfg.SockDir == "" {
		cfg.SockDir = viper.GetString("SOCK_DIR")
	}
	if viper.GetBool("DEBUG") {
		verbose = true
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg scheduler.Config, verbose bool) error {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)
	logging.SetDefault(logger)
	defer logger.Sync()

	if cfg.SockDir == "" {
		cfg.SockDir = transport.SockDir()
	}

	d := scheduler.New(cfg)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(runCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("scheduler exited with error", "error", err)
			return err
		}
		return nil
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("scheduler shutdown with error", "error", err)
			return err
		}
	case <-time.After(5 * time.Second):
		logger.Warn("scheduler did not shut down in time, exiting anyway")
	}

	return nil
}
