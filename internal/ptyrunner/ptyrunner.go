// Package ptyrunner runs a command under a pseudo-terminal and streams its
// output, stdin, and control events through the session's append logs.
package ptyrunner

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/pursuingf/pigeon/internal/proto"
)

// chunkCap bounds each stream.jsonl record's payload size.
const chunkCap = 64 * 1024

// drainTimeout bounds how long Run waits to collect trailing PTY output
// after the child has exited.
const drainTimeout = 200 * time.Millisecond

// StdinEvent is a decoded stdin.jsonl record: either Data bytes to write to
// the PTY, or EOF true to signal end of input.
type StdinEvent struct {
	Data []byte
	EOF  bool
}

// ControlEvent is a decoded control.jsonl record.
type ControlEvent struct {
	Kind   string // proto.ControlSignal or proto.ControlResize
	Signal string
	Cols   int
	Rows   int
}

// OutputSink receives PTY output chunks as they are read. Implementations
// must be safe to call from the reader goroutine only (Run never calls it
// concurrently with itself).
type OutputSink interface {
	Write(fd int, data []byte) error
}

// Result is the classified outcome of a completed run.
type Result struct {
	State   string // proto.StateExited, StateSignaled, or StateError
	Code    int
	Signal  string
	Message string
}

// Run spawns argv under a PTY in cwd with env, replays stdin/control events
// from the given channels into the child, streams PTY output to sink, and
// blocks until the child exits. Run takes no context: the only way to stop
// the child is a control-channel signal event, delivered to its process
// group.
func Run(argv []string, cwd string, env []string, size proto.TerminalSize, stdin <-chan StdinEvent, control <-chan ControlEvent, sink OutputSink) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("ptyrunner: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(size.Cols),
		Rows: uint16(size.Rows),
	})
	if err != nil {
		return Result{State: proto.StateError, Message: err.Error()}, nil
	}
	defer ptm.Close()

	readerDone := make(chan struct{})
	go pumpOutput(ptm, sink, readerDone)

	stop := make(chan struct{})

	stdinDone := make(chan struct{})
	go replayStdin(ptm, stdin, stop, stdinDone)

	controlDone := make(chan struct{})
	go replayControl(ptm, cmd, control, stop, controlDone)

	waitErr := cmd.Wait()

	// The child has exited; stop accepting further control/stdin replay and
	// give the reader goroutine a bounded window to drain trailing output
	// before closing the master, so output written before exit reaches
	// stream.jsonl before the terminal status is written.
	close(stop)
	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
	}
	ptm.Close()
	<-stdinDone
	<-controlDone

	return classify(waitErr), nil
}

func pumpOutput(ptm *os.File, sink OutputSink, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, chunkCap)
	for {
		n, err := ptm.Read(buf)
		if n > 0 {
			if werr := sink.Write(1, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func replayStdin(ptm *os.File, stdin <-chan StdinEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev := <-stdin:
			if ev.EOF {
				// Send EOT (Ctrl-D) rather than closing the master: the
				// master is still owned by the reader goroutine draining
				// trailing output, and closing it here would race that read.
				ptm.Write([]byte{0x04})
				continue
			}
			if len(ev.Data) > 0 {
				ptm.Write(ev.Data)
			}
		}
	}
}

func replayControl(ptm *os.File, cmd *exec.Cmd, control <-chan ControlEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev := <-control:
			switch ev.Kind {
			case proto.ControlResize:
				pty.Setsize(ptm, &pty.Winsize{
					Cols: uint16(ev.Cols),
					Rows: uint16(ev.Rows),
				})
			case proto.ControlSignal:
				deliverSignal(cmd, ev.Signal)
			}
		}
	}
}

func deliverSignal(cmd *exec.Cmd, name string) {
	if cmd.Process == nil {
		return
	}
	sig := signalFromName(name)
	if sig == 0 {
		return
	}
	// pty.Start places the child in its own session (setsid), so its PGID
	// equals its PID, but look it up explicitly rather than assume it.
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil && pgid > 0 {
		syscall.Kill(-pgid, sig)
		return
	}
	syscall.Kill(cmd.Process.Pid, sig)
}

func signalFromName(name string) syscall.Signal {
	switch name {
	case proto.SignalINT:
		return syscall.SIGINT
	case proto.SignalTERM:
		return syscall.SIGTERM
	case proto.SignalQUIT:
		return syscall.SIGQUIT
	default:
		return 0
	}
}

func classify(waitErr error) Result {
	if waitErr == nil {
		return Result{State: proto.StateExited, Code: 0}
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return Result{State: proto.StateError, Message: waitErr.Error()}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return Result{State: proto.StateExited, Code: exitErr.ExitCode()}
	}
	if ws.Signaled() {
		return Result{State: proto.StateSignaled, Signal: signalName(ws.Signal())}
	}
	return Result{State: proto.StateExited, Code: ws.ExitStatus()}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return proto.SignalINT
	case syscall.SIGTERM:
		return proto.SignalTERM
	case syscall.SIGQUIT:
		return proto.SignalQUIT
	default:
		return sig.String()
	}
}
