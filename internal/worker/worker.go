// Package worker implements the long-lived job dispatcher: it scans the
// shared sessions directory, claims matching work under a route filter,
// serializes same-cwd sessions behind a file lock, and runs each claimed
// session through ptyrunner.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/pursuingf/pigeon/internal/applog"
	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/debuglog"
	"github.com/pursuingf/pigeon/internal/filelock"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/proto"
	"github.com/pursuingf/pigeon/internal/ptyrunner"
	"github.com/pursuingf/pigeon/internal/session"
)

// previewBytes bounds the stdin/stdout preview debug events to their first
// N bytes.
const previewBytes = 32

// Pinned holds the command-line values that are not subject to reload:
// once set on the command line they hold for the process lifetime even
// if the config file changes underneath it.
type Pinned struct {
	Route        *string
	MaxJobs      *int
	PollInterval *time.Duration
	Debug        *bool
}

// Worker is one long-lived dispatcher process.
type Worker struct {
	Layout layout.Layout
	Host   string
	PID    int
	Log    *debuglog.Logger

	pinned    Pinned
	cfg       atomic.Pointer[config.Config]
	startedAt time.Time

	active atomic.Int32
	eg     *errgroup.Group
	nudge  chan struct{}
}

// New constructs a Worker bound to l, using cfg as the initial (and,
// minus pinned fields, reloadable) configuration. The errgroup limit is
// resolved once from cfg/pinned at construction time. scanOnce re-reads
// maxJobs() on every pass, so a reload that lowers max_jobs stops new
// claims at the lower count; a reload that raises it does not raise the
// errgroup limit set here.
func New(l layout.Layout, host string, pid int, cfg *config.Config, pinned Pinned, logger *debuglog.Logger) *Worker {
	w := &Worker{
		Layout:    l,
		Host:      host,
		PID:       pid,
		Log:       logger,
		pinned:    pinned,
		startedAt: time.Now(),
		nudge:     make(chan struct{}, 1),
	}
	w.cfg.Store(cfg)
	w.eg = &errgroup.Group{}
	w.eg.SetLimit(w.maxJobs())
	return w
}

func (w *Worker) route() string {
	if w.pinned.Route != nil {
		return *w.pinned.Route
	}
	return w.cfg.Load().Worker.Route
}

func (w *Worker) maxJobs() int {
	if w.pinned.MaxJobs != nil {
		return *w.pinned.MaxJobs
	}
	if n := w.cfg.Load().Worker.MaxJobs; n > 0 {
		return n
	}
	return 4
}

func (w *Worker) pollInterval() time.Duration {
	if w.pinned.PollInterval != nil {
		return *w.pinned.PollInterval
	}
	if d := w.cfg.Load().Worker.PollInterval; d > 0 {
		return d
	}
	return time.Second
}

func (w *Worker) debugEnabled() bool {
	if w.pinned.Debug != nil {
		return *w.pinned.Debug
	}
	return w.cfg.Load().Worker.Debug
}

// syncDebug applies the current debugEnabled() value to the logger, so a config
// reload takes effect without a restart, the same way route/poll_interval
// reloads do.
func (w *Worker) syncDebug() {
	if w.Log == nil {
		return
	}
	w.Log.Enabled = w.debugEnabled()
}

// Run executes the main loop until ctx is canceled, then stops scanning for
// new work and waits up to grace for in-flight jobs before returning.
func (w *Worker) Run(ctx context.Context, configPath string, grace time.Duration) error {
	if err := w.Layout.EnsureDirs(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.syncDebug()

	reloadStop := w.startReloadLoop(ctx, configPath)
	defer reloadStop()

	watchStop := w.startWatchNudge(ctx)
	defer watchStop()

	defer w.cleanupHeartbeat()

	interval := w.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.publishHeartbeat()
		w.scanOnce()

		select {
		case <-ctx.Done():
			w.Log.Log(debuglog.EventJobEnd, "reason", "shutdown, draining")
			w.drain(grace)
			return nil
		case <-ticker.C:
		case <-w.nudge:
		}

		if d := w.pollInterval(); d != interval {
			interval = d
			ticker.Reset(d)
		}
	}
}

// startWatchNudge watches the sessions directory with fsnotify and wakes
// the scan loop early on any change, so a newly-written request.json is
// picked up without waiting for the next tick. The poll ticker remains the
// primary driver: on network filesystems inotify events are frequently
// unavailable, so fsnotify here is an optimization layered over polling,
// not a replacement for it.
func (w *Worker) startWatchNudge(ctx context.Context) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}
	}
	if err := watcher.Add(w.Layout.SessionsDir()); err != nil {
		watcher.Close()
		return func() {}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case w.nudge <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { watcher.Close() }
}

func (w *Worker) startReloadLoop(ctx context.Context, configPath string) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				if next, err := config.Load(configPath); err == nil {
					w.cfg.Store(next)
					w.syncDebug()
				}
			}
		}
	}()
	return func() { close(stop) }
}

func (w *Worker) publishHeartbeat() {
	hb := proto.Heartbeat{
		Host:      w.Host,
		PID:       w.PID,
		Route:     w.route(),
		StartedAt: float64(w.startedAt.UnixNano()) / 1e9,
		UpdatedAt: nowSeconds(),
		MaxJobs:   w.maxJobs(),
		Active:    int(w.active.Load()),
	}
	data := mustMarshalHeartbeat(hb)
	path := w.Layout.HeartbeatPath(w.Host, w.PID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

func (w *Worker) cleanupHeartbeat() {
	os.Remove(w.Layout.HeartbeatPath(w.Host, w.PID))
}

// scanOnce lists sessions/ in lexicographic order and dispatches every
// claimable one under the current route and max_jobs budget.
func (w *Worker) scanOnce() {
	ids, err := session.ListSessionIDs(w.Layout)
	if err != nil {
		return
	}

	for _, id := range ids {
		if int(w.active.Load()) >= w.maxJobs() {
			return
		}

		s := session.New(w.Layout, id)
		if s.IsClaimed() {
			continue
		}
		if st, ok, _ := s.ReadStatus(); ok && (st.State == proto.StateRunning || proto.Terminal(st.State)) {
			continue
		}

		req, err := s.ReadRequest()
		if err != nil {
			s.WriteTerminal(proto.Status{State: proto.StateError, Message: "malformed request.json: " + err.Error(), EndedAt: nowSeconds()})
			continue
		}

		if !w.acceptsRoute(req.Route) {
			continue
		}

		claim := proto.Claim{Host: w.Host, PID: w.PID, Epoch: nowSeconds()}
		if err := s.TryClaim(claim); err != nil {
			w.Log.Log(debuglog.EventClaimLost, "session", id)
			continue
		}
		w.Log.Log(debuglog.EventClaimWon, "session", id)

		w.active.Add(1)
		if !w.eg.TryGo(func() error {
			defer w.active.Add(-1)
			w.runJob(s, req)
			return nil
		}) {
			// maxJobs() already gated the loop above, so TryGo should never
			// refuse; if it does (a reload raced the limit check), run the
			// claimed job inline rather than abandon it mid-claim.
			w.runJob(s, req)
			w.active.Add(-1)
		}
	}
}

// acceptsRoute reports whether this worker should consume a request with
// the given route tag. An untagged request (route == "") is accepted by
// every worker regardless of its own route; a tagged request is accepted
// only by a worker whose route (pinned or from config) is that same route.
// There is no setting that makes a routed worker refuse untagged requests.
func (w *Worker) acceptsRoute(reqRoute string) bool {
	workerRoute := w.route()
	if reqRoute == "" {
		return true
	}
	return reqRoute == workerRoute
}

// runJob executes one claimed session end to end: acquire the cwd lock,
// build the environment, run under the PTY, write the terminal status,
// release the lock.
func (w *Worker) runJob(s session.Session, req proto.Request) {
	w.Log.Log(debuglog.EventJobStart, "session", req.SessionID, "cwd", req.Cwd)

	lock := filelock.New(w.Layout.LockPath(req.Cwd))
	w.Log.Log(debuglog.EventLockWait, "session", req.SessionID, "cwd", req.Cwd)
	if err := lock.Lock(); err != nil {
		s.WriteTerminal(proto.Status{State: proto.StateError, Message: "cwd lock: " + err.Error(), EndedAt: nowSeconds()})
		return
	}
	w.Log.Log(debuglog.EventLockAcquire, "session", req.SessionID)
	defer func() {
		lock.Unlock()
		w.Log.Log(debuglog.EventLockRelease, "session", req.SessionID)
	}()

	startedAt := nowSeconds()
	if err := s.WriteRunning(proto.Status{Worker: proto.WorkerRef{Host: w.Host, PID: w.PID}, StartedAt: startedAt}); err != nil {
		return
	}

	streamW, err := s.StreamWriter(w.cfg.Load().AppendFsync)
	if err != nil {
		s.WriteTerminal(proto.Status{State: proto.StateError, Message: err.Error(), EndedAt: nowSeconds()})
		return
	}
	defer streamW.Close()

	argv, env := w.buildCommand(req)

	stdinCh := make(chan ptyrunner.StdinEvent, 64)
	controlCh := make(chan ptyrunner.ControlEvent, 64)
	stopReplay := make(chan struct{})
	replayDone := make(chan struct{})
	go w.replayLogs(s, stdinCh, controlCh, stopReplay, replayDone)
	defer func() {
		close(stopReplay)
		<-replayDone
	}()

	sink := &streamSink{w: streamW, log: w.Log, sessionID: req.SessionID}
	result, err := ptyrunner.Run(argv, req.Cwd, env, req.Terminal, stdinCh, controlCh, sink)
	if err != nil {
		s.WriteTerminal(proto.Status{State: proto.StateError, Message: err.Error(), StartedAt: startedAt, EndedAt: nowSeconds()})
		return
	}

	st := proto.Status{
		State:     result.State,
		Code:      result.Code,
		Signal:    result.Signal,
		Message:   result.Message,
		StartedAt: startedAt,
		EndedAt:   nowSeconds(),
	}
	s.WriteTerminal(st)
	w.Log.Log(debuglog.EventJobEnd, "session", req.SessionID, "state", result.State)
}

// buildCommand applies the env precedence (worker process env, then
// request.env_overrides, then config.remote_env, last one wins) and
// expands a shell-requested argv into a single bash -lc invocation.
func (w *Worker) buildCommand(req proto.Request) (argv []string, env []string) {
	argv = req.Argv
	if req.UseShell {
		joined := ""
		for i, a := range req.Argv {
			if i > 0 {
				joined += " "
			}
			joined += a
		}
		argv = []string{"bash", "-lc", joined}
	}

	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := cut(kv, '='); ok {
			merged[k] = v
		}
	}
	for k, v := range req.EnvOverrides {
		merged[k] = v
	}
	for k, v := range w.cfg.Load().Worker.RemoteEnv {
		merged[k] = v
	}

	env = make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return argv, env
}

func cut(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// replayLogs tails stdin.jsonl and control.jsonl and forwards decoded
// records onto the channels ptyrunner consumes, until stop is closed.
func (w *Worker) replayLogs(s session.Session, stdinCh chan<- ptyrunner.StdinEvent, controlCh chan<- ptyrunner.ControlEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	stdinTailer := s.StdinTailer()
	controlTailer := s.ControlTailer()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		stdinTailer.Poll(func(line []byte) error {
			var rec proto.StdinRecord
			if err := jsonUnmarshal(line, &rec); err != nil {
				return err
			}
			if rec.EOF {
				// Block rather than drop: the tailer offset has already
				// advanced past this record, so a dropped send here is lost
				// forever and stdin replay would never see its EOF.
				select {
				case stdinCh <- ptyrunner.StdinEvent{EOF: true}:
				case <-stop:
				}
				return nil
			}
			data, err := b64Decode(rec.DataB64)
			if err != nil {
				return err
			}
			w.Log.Log(debuglog.EventStdinPreview, "session", s.ID, "preview", debuglog.Preview(data, previewBytes))
			select {
			case stdinCh <- ptyrunner.StdinEvent{Data: data}:
			case <-stop:
			}
			return nil
		}, func(line []byte, err error) {
			w.Log.Log("stdin-decode-error", "error", err)
		})

		controlTailer.Poll(func(line []byte) error {
			var rec proto.ControlRecord
			if err := jsonUnmarshal(line, &rec); err != nil {
				return err
			}
			ev := ptyrunner.ControlEvent{Kind: rec.Kind, Signal: rec.Signal, Cols: rec.Cols, Rows: rec.Rows}
			if rec.Kind == proto.ControlSignal {
				w.Log.Log(debuglog.EventSignalForward, "signal", rec.Signal)
			}
			select {
			case controlCh <- ev:
			case <-stop:
			}
			return nil
		}, func(line []byte, err error) {
			w.Log.Log("control-decode-error", "error", err)
		})

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// drain waits up to grace for in-flight jobs to finish on their own. Jobs
// still running after grace elapses are left running; drain only bounds
// how long Run blocks before returning.
func (w *Worker) drain(grace time.Duration) {
	doneCh := make(chan struct{})
	go func() {
		w.eg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(grace):
	}
}

type streamSink struct {
	w         *applog.Writer
	log       *debuglog.Logger
	sessionID string
}

func (s *streamSink) Write(fd int, data []byte) error {
	s.log.Log(debuglog.EventStdoutPreview, "session", s.sessionID, "preview", debuglog.Preview(data, previewBytes))
	return s.w.Append(proto.StreamRecord{
		T:       nowSeconds(),
		FD:      fd,
		DataB64: b64Encode(data),
	})
}
