// pigeond runs the pigeon job dispatcher as a long-lived background process.
//
// Usage:
//
//	pigeond [--config <path>] [--route R] [--max-jobs N] [--poll-interval S] [--grace D]
//
// It is a thin wrapper around `pigeon worker` for use under a process
// supervisor (systemd/launchd); see `pigeon worker install`.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/debuglog"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/worker"
)

func main() {
	configPath := flag.String("config", config.Path(), "config file path")
	route := flag.String("route", "", "only claim sessions tagged with this route")
	maxJobs := flag.Int("max-jobs", 0, "maximum concurrent jobs (0: use config)")
	pollInterval := flag.Duration("poll-interval", 0, "session-directory poll interval (0: use config)")
	grace := flag.Duration("grace", 10*time.Second, "time to let in-flight jobs finish on shutdown")
	debug := flag.Bool("debug", false, "enable structured debug logging on stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("pigeond: load config: %v", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = cfg.User
	}
	l := layout.New(cfg.Cache, ns)
	if err := l.EnsureDirs(); err != nil {
		log.Fatalf("pigeond: %v", err)
	}

	pinned := worker.Pinned{}
	if *route != "" {
		pinned.Route = route
	}
	if *maxJobs != 0 {
		pinned.MaxJobs = maxJobs
	}
	if *pollInterval != 0 {
		pinned.PollInterval = pollInterval
	}
	if *debug {
		pinned.Debug = debug
	}

	host, err := os.Hostname()
	if err != nil {
		log.Fatalf("pigeond: hostname: %v", err)
	}
	w := worker.New(l, host, os.Getpid(), cfg, pinned, debuglog.New(*debug))

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "pigeond: received %v, draining (up to %s)\n", sig, *grace)
		cancel()
	}()

	if err := w.Run(ctx, *configPath, *grace); err != nil {
		log.Fatalf("pigeond: %v", err)
	}
}
