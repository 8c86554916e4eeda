package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/client"
)

// runDefault implements `pigeon [flags] -- <cmd...>`: create a session,
// attach the local terminal, and exit with the remote process's own code.
func runDefault(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	l := buildLayout(cfg)
	if err := l.EnsureDirs(); err != nil {
		return err
	}

	route := flagRoute
	if route == "" {
		route = cfg.Route
	}

	cwd := flagCwd
	if cwd == "" {
		cwd, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	// SIGINT/SIGTERM are not handled here: the client forwards them to the
	// remote child and keeps waiting, so the exit code mirrors the remote
	// outcome.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := client.New(l, cfg, currentUser(), newLogger())
	code, runErr := c.Run(ctx, client.Options{
		Argv:       args,
		Cwd:        cwd,
		Route:      route,
		WaitWorker: flagWaitWorker,
	})
	if runErr != nil {
		return &exitError{code: code, err: runErr}
	}
	// A non-zero remote exit code is not a pigeon error — mirror it directly
	// rather than letting cobra print a spurious "pigeon: ..." line.
	os.Exit(code)
	return nil
}
