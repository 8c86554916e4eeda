package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/proto"
	"github.com/pursuingf/pigeon/internal/session"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of workers and sessions",
		Long:  `Refreshes every second (and on terminal resize) until Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			l := buildLayout(cfg)
			runWatch(l)
			return nil
		},
	}
}

func runWatch(l layout.Layout) {
	fd := int(os.Stdout.Fd())

	fmt.Print("\033[?1049h\033[?25l")
	defer fmt.Print("\033[?25h\033[?1049l")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	defer signal.Stop(winchCh)

	drawWatch(fd, l)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return
		case <-winchCh:
			drawWatch(fd, l)
		case <-ticker.C:
			drawWatch(fd, l)
		}
	}
}

func drawWatch(fd int, l layout.Layout) {
	width, _, err := term.GetSize(fd)
	if err != nil || width < 40 {
		width = 100
	}

	var buf strings.Builder
	buf.WriteString("\033[H")
	fmt.Fprintf(&buf, "pigeon watch  —  namespace %s\n\n", l.Namespace)

	workers := readHeartbeats(l)
	buf.WriteString("WORKERS\n")
	if len(workers) == 0 {
		buf.WriteString("  (none)\n")
	}
	for _, hb := range workers {
		age := nowSeconds() - hb.UpdatedAt
		status := "live"
		if age > 5 {
			status = "stale"
		}
		route := hb.Route
		if route == "" {
			route = "-"
		}
		fmt.Fprintf(&buf, "  %-20s route=%-8s jobs=%d/%d %s (%.0fs ago)\n",
			fmt.Sprintf("%s-%d", hb.Host, hb.PID), route, hb.Active, hb.MaxJobs, status, age)
	}

	ids, _ := session.ListSessionIDs(l)
	const idW, stateW = 28, 10
	cmdW := width - idW - stateW - 4
	if cmdW < 10 {
		cmdW = 10
	}

	buf.WriteString("\nSESSIONS\n")
	fmt.Fprintf(&buf, "  %-*s  %-*s  %s\n", idW, "ID", stateW, "STATE", "COMMAND")
	if len(ids) == 0 {
		buf.WriteString("  (none)\n")
	}
	running := 0
	for _, id := range ids {
		s := session.New(l, id)
		req, _ := s.ReadRequest()
		st, ok, _ := s.ReadStatus()
		state := "queued"
		if s.IsClaimed() {
			state = "claimed"
		}
		if ok {
			state = st.State
		}
		if state == proto.StateRunning {
			running++
		}
		fmt.Fprintf(&buf, "  %-*s  %-*s  %s\n", idW, truncate(id, idW), stateW, state, truncate(strings.Join(req.Argv, " "), cmdW))
	}

	fmt.Fprintf(&buf, "\n%d session(s)  ·  %d running  ·  %s\n", len(ids), running, time.Now().Format("15:04:05"))
	buf.WriteString("\033[J")
	fmt.Print(buf.String())
}

func readHeartbeats(l layout.Layout) []proto.Heartbeat {
	entries, err := os.ReadDir(l.WorkersDir())
	if err != nil {
		return nil
	}
	var out []proto.Heartbeat
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(l.WorkersDir(), e.Name()))
		if err != nil {
			continue
		}
		var hb proto.Heartbeat
		if json.Unmarshal(data, &hb) == nil {
			out = append(out, hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
