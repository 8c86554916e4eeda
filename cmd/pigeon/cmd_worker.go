package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/worker"
)

func workerCmd() *cobra.Command {
	var (
		maxJobs      int
		pollInterval time.Duration
		grace        time.Duration
		setMaxJobs   bool
		setPoll      bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job dispatcher in the foreground",
		Long: `worker scans the shared sessions directory, claims matching work, and
runs each claimed session through a PTY. It runs in the foreground; use
pigeond, or a process supervisor invoking "pigeon worker", to run it as a
long-lived service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			l := buildLayout(cfg)
			if err := l.EnsureDirs(); err != nil {
				return err
			}

			pinned := worker.Pinned{}
			if flagRoute != "" {
				pinned.Route = &flagRoute
			}
			if setMaxJobs {
				pinned.MaxJobs = &maxJobs
			}
			if setPoll {
				pinned.PollInterval = &pollInterval
			}
			if flagDebug {
				pinned.Debug = &flagDebug
			}

			host, _ := os.Hostname()
			w := worker.New(l, host, os.Getpid(), cfg, pinned, newLogger())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				fmt.Fprintf(os.Stderr, "pigeon worker: received %v, draining (up to %s)\n", sig, grace)
				cancel()
			}()
			defer signal.Stop(sigCh)

			return w.Run(ctx, flagConfigPath, grace)
		},
	}

	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "maximum concurrent jobs (default: config/4)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "session-directory poll interval (default: config/1s)")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "time to let in-flight jobs finish on shutdown")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		setMaxJobs = cmd.Flags().Changed("max-jobs")
		setPoll = cmd.Flags().Changed("poll-interval")
	}

	cmd.AddCommand(workerInstallCmd())
	return cmd
}
