// pigeon borrows a worker host's network by running commands through files on
// a shared filesystem instead of a socket. See `pigeon --help` for the full
// subcommand list; the default (no subcommand) form runs a command on
// whichever worker claims it first.
package main

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/debuglog"
	"github.com/pursuingf/pigeon/internal/layout"
)

var (
	flagRoute      string
	flagCwd        string
	flagWaitWorker time.Duration
	flagDebug      bool
	flagConfigPath string
	flagCache      string
	flagNamespace  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pigeon [flags] -- <cmd...>",
		Short: "Run a command on a shared-filesystem worker",
		Long: `pigeon runs a command on whichever worker host picks it up first,
using a shared filesystem as the transport instead of a network socket.

Examples:
  pigeon -- make test
  pigeon --route gpu -- nvidia-smi
  pigeon worker --route gpu
  pigeon watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runDefault(cmd, args)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", config.Path(), "config file path")
	rootCmd.PersistentFlags().StringVar(&flagCache, "cache", "", "cache root (overrides config/env)")
	rootCmd.PersistentFlags().StringVar(&flagNamespace, "namespace", "", "namespace (overrides config/env)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable structured debug logging on stderr")

	rootCmd.PersistentFlags().StringVar(&flagRoute, "route", "", "only run on (or claim as) a worker pinned to this route")
	rootCmd.PersistentFlags().StringVar(&flagCwd, "cwd", "", "remote working directory (default: client's cwd)")
	rootCmd.PersistentFlags().DurationVar(&flagWaitWorker, "wait-worker", 3*time.Second, "wait up to this long for a live worker before giving up")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(psCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pigeon: %v\n", err)
		os.Exit(exitCodeForErr(err))
	}
}

// loadedConfig resolves the config file + env layers and applies the
// PersistentFlags that are pinned and must win over a concurrent reload.
func loadedConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}
	if flagCache != "" {
		cfg.Cache = flagCache
	}
	if flagNamespace != "" {
		cfg.Namespace = flagNamespace
	}
	return cfg, nil
}

func buildLayout(cfg *config.Config) layout.Layout {
	ns := cfg.Namespace
	if ns == "" {
		ns = cfg.User
	}
	return layout.New(cfg.Cache, ns)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func newLogger() *debuglog.Logger {
	return debuglog.New(flagDebug)
}

// exitError carries the process exit code a failed run should use, distinct
// from cobra's own usage/argument errors which always exit 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

// exitCodeForErr maps an internal exitError to a process exit code; cobra's
// own argument/usage errors fall back to 1.
func exitCodeForErr(err error) int {
	if e, ok := err.(*exitError); ok {
		return e.ExitCode()
	}
	return 1
}
