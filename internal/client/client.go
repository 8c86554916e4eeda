// Package client implements the foreground driver run by the pigeon CLI's
// default subcommand: it creates a session, streams the remote command's
// output to the local terminal, forwards local stdin and signals to the
// worker, and maps the session's terminal status onto a process exit code.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/pursuingf/pigeon/internal/argvnorm"
	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/debuglog"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/proto"
	"github.com/pursuingf/pigeon/internal/session"
)

// ExitWorkerTimeout is the exit code used when no live worker is found.
// ExitSessionError is used when the run fails locally or the session ends
// in the "error" state.
const (
	ExitWorkerTimeout = 124
	ExitSessionError  = 125
)

// StaleAfter is how long a worker heartbeat may go unrefreshed before it is
// treated as dead for the wait-for-worker precheck.
const StaleAfter = 5 * time.Second

// Client drives one foreground run.
type Client struct {
	Layout layout.Layout
	Cfg    *config.Config
	Host   string
	PID    int
	User   string
	Log    *debuglog.Logger
}

// New constructs a Client for the current process. logger may be nil, in
// which case debug events are silently dropped (see (*debuglog.Logger).Log).
func New(l layout.Layout, cfg *config.Config, user string, logger *debuglog.Logger) *Client {
	host, _ := os.Hostname()
	return &Client{Layout: l, Cfg: cfg, Host: host, PID: os.Getpid(), User: user, Log: logger}
}

// Options configures one Run.
type Options struct {
	Argv         []string
	Cwd          string
	Route        string
	WaitWorker   time.Duration
	EnvOverrides map[string]string
}

// Run creates a session for argv, attaches the local terminal to it, and
// blocks until the session reaches a terminal state or ctx is canceled. It
// returns the process exit code the caller should use.
func (c *Client) Run(ctx context.Context, opts Options) (int, error) {
	if len(opts.Argv) == 0 {
		return ExitSessionError, fmt.Errorf("client: empty command")
	}

	// Always precheck for a live worker before creating a session, even when
	// WaitWorker is the zero value: that means poll once and fail fast
	// rather than skip the check and let status.json be polled forever with
	// no worker ever going to write it.
	if !c.waitForWorker(ctx, opts.WaitWorker) {
		return ExitWorkerTimeout, fmt.Errorf("client: no live worker within %s", opts.WaitWorker)
	}

	argv, useShell := argvnorm.Normalize(opts.Argv)

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if c0, r0, err := term.GetSize(fd); err == nil {
		cols, rows = c0, r0
	}

	s, err := c.createSession(argv, useShell, opts, proto.TerminalSize{Cols: cols, Rows: rows})
	if err != nil {
		return ExitSessionError, err
	}

	oldState, rawErr := term.MakeRaw(fd)
	if rawErr == nil {
		defer term.Restore(fd, oldState)
	}

	stdinW, err := s.StdinWriter(c.Cfg.AppendFsync)
	if err != nil {
		return ExitSessionError, err
	}
	defer stdinW.Close()

	controlW, err := s.ControlWriter(c.Cfg.AppendFsync)
	if err != nil {
		return ExitSessionError, err
	}
	defer controlW.Close()

	stopPumps := make(chan struct{})
	defer close(stopPumps)

	go c.pumpStdin(fd, stdinW, stopPumps)
	go c.pumpStdout(s, stopPumps)
	winchStop := c.pumpResize(fd, controlW, stopPumps)
	defer winchStop()
	sigStop := c.pumpSignals(controlW, stopPumps)
	defer sigStop()

	st := c.waitTerminal(ctx, s)
	time.Sleep(100 * time.Millisecond) // let the final stdout poll catch trailing output

	return exitCodeFor(st), nil
}

// createSession picks a fresh session id, retrying on the rare collision
// against an existing directory, and writes request.json.
func (c *Client) createSession(argv []string, useShell bool, opts Options, size proto.TerminalSize) (session.Session, error) {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := session.NewID()
		if err != nil {
			return session.Session{}, fmt.Errorf("client: generate session id: %w", err)
		}
		s := session.New(c.Layout, id)
		req := proto.Request{
			SessionID:    id,
			Cwd:          opts.Cwd,
			Argv:         argv,
			UseShell:     useShell,
			EnvOverrides: opts.EnvOverrides,
			Route:        opts.Route,
			Terminal:     size,
			CreatedAt:    nowSeconds(),
			Client:       proto.ClientInfo{Host: c.Host, PID: c.PID, User: c.User},
		}
		if err := s.Create(req); err != nil {
			if os.IsExist(err) {
				continue
			}
			return session.Session{}, fmt.Errorf("client: create session: %w", err)
		}
		c.Log.Log(debuglog.EventSessionCreate, "session", id, "cwd", opts.Cwd, "route", opts.Route)
		return s, nil
	}
	return session.Session{}, fmt.Errorf("client: could not allocate a unique session id")
}

// waitForWorker polls the workers directory until a heartbeat refreshed
// within StaleAfter appears, or timeout elapses.
func (c *Client) waitForWorker(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		entries, _ := os.ReadDir(c.Layout.WorkersDir())
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(c.Layout.WorkersDir(), e.Name()))
			if err != nil {
				continue
			}
			var hb proto.Heartbeat
			if json.Unmarshal(data, &hb) == nil && nowSeconds()-hb.UpdatedAt < StaleAfter.Seconds() {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// pumpStdin copies local stdin to stdin.jsonl until EOF, then appends an
// EOF record.
func (c *Client) pumpStdin(fd int, w interface{ Append(any) error }, stop <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			w.Append(proto.StdinRecord{T: nowSeconds(), DataB64: base64.StdEncoding.EncodeToString(buf[:n])})
		}
		if err != nil {
			w.Append(proto.StdinRecord{T: nowSeconds(), EOF: true})
			return
		}
	}
}

// pumpStdout tails stream.jsonl and writes decoded payloads to stdout,
// polling every 20ms until stop is closed. One final poll runs after stop
// fires, to pick up output written between the last tick and shutdown.
func (c *Client) pumpStdout(s session.Session, stop <-chan struct{}) {
	tailer := s.StreamTailer()
	decode := func(line []byte) error {
		var rec proto.StreamRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		data, err := base64.StdEncoding.DecodeString(rec.DataB64)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		tailer.Poll(decode, nil)

		select {
		case <-stop:
			tailer.Poll(decode, nil)
			return
		case <-ticker.C:
		}
	}
}

// pumpResize forwards SIGWINCH as control.jsonl resize records, including
// one sent immediately so the worker picks up the starting size even if it
// never changes.
func (c *Client) pumpResize(fd int, w interface{ Append(any) error }, stop <-chan struct{}) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	send := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			w.Append(proto.ControlRecord{T: nowSeconds(), Kind: proto.ControlResize, Cols: cols, Rows: rows})
		}
	}
	send()
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ch:
				send()
			}
		}
	}()
	return func() { signal.Stop(ch) }
}

// pumpSignals forwards SIGINT/SIGTERM/SIGQUIT received by the client
// process itself as control.jsonl signal records, rather than letting the
// local process die and lose the chance to notify the worker.
func (c *Client) pumpSignals(w interface{ Append(any) error }, stop <-chan struct{}) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for {
			select {
			case <-stop:
				return
			case sig := <-ch:
				name := signalName(sig)
				if name == "" {
					continue
				}
				w.Append(proto.ControlRecord{T: nowSeconds(), Kind: proto.ControlSignal, Signal: name})
			}
		}
	}()
	return func() { signal.Stop(ch) }
}

// waitTerminal polls status.json until it reaches a terminal state or ctx
// is canceled.
func (c *Client) waitTerminal(ctx context.Context, s session.Session) proto.Status {
	ticker := time.NewTicker(30 * time.Millisecond)
	defer ticker.Stop()
	for {
		if st, ok, _ := s.ReadStatus(); ok && proto.Terminal(st.State) {
			return st
		}
		select {
		case <-ctx.Done():
			return proto.Status{State: proto.StateError, Message: "canceled"}
		case <-ticker.C:
		}
	}
}

func exitCodeFor(st proto.Status) int {
	switch st.State {
	case proto.StateExited:
		return st.Code
	case proto.StateSignaled:
		return 128 + signalNumber(st.Signal)
	default:
		return ExitSessionError
	}
}

func signalNumber(name string) int {
	switch name {
	case proto.SignalINT:
		return int(syscall.SIGINT)
	case proto.SignalTERM:
		return int(syscall.SIGTERM)
	case proto.SignalQUIT:
		return int(syscall.SIGQUIT)
	default:
		return 0
	}
}

func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return proto.SignalINT
	case syscall.SIGTERM:
		return proto.SignalTERM
	case syscall.SIGQUIT:
		return proto.SignalQUIT
	default:
		return ""
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
