// Package layout computes the deterministic filesystem paths that back a
// session, a per-cwd lock, and a worker heartbeat, given a cache root and a
// namespace. The path builders create nothing; EnsureDirs and
// EnsureSessionDir create the directories the paths imply.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// Layout is a pure (cacheRoot, namespace) pair plus the path builders
// derived from it. It holds no mutable state and is safe to share.
type Layout struct {
	CacheRoot string
	Namespace string
}

// New resolves the namespace: configured user, then OS user, then "default".
func New(cacheRoot, configuredUser string) Layout {
	ns := configuredUser
	if ns == "" {
		if u, err := user.Current(); err == nil && u.Username != "" {
			ns = u.Username
		}
	}
	if ns == "" {
		ns = "default"
	}
	return Layout{CacheRoot: cacheRoot, Namespace: ns}
}

// NamespaceDir is <cache>/namespaces/<ns>.
func (l Layout) NamespaceDir() string {
	return filepath.Join(l.CacheRoot, "namespaces", l.Namespace)
}

// SessionsDir is <cache>/namespaces/<ns>/sessions.
func (l Layout) SessionsDir() string {
	return filepath.Join(l.NamespaceDir(), "sessions")
}

// SessionDir is <cache>/namespaces/<ns>/sessions/<sid>.
func (l Layout) SessionDir(sid string) string {
	return filepath.Join(l.SessionsDir(), sid)
}

func (l Layout) sessionFile(sid, name string) string {
	return filepath.Join(l.SessionDir(sid), name)
}

// RequestPath, StatusPath, ClaimPath, StreamPath, StdinPath, and
// ControlPath name the per-session files.
func (l Layout) RequestPath(sid string) string { return l.sessionFile(sid, "request.json") }
func (l Layout) StatusPath(sid string) string  { return l.sessionFile(sid, "status.json") }
func (l Layout) ClaimPath(sid string) string   { return l.sessionFile(sid, "worker.claim") }
func (l Layout) StreamPath(sid string) string  { return l.sessionFile(sid, "stream.jsonl") }
func (l Layout) StdinPath(sid string) string   { return l.sessionFile(sid, "stdin.jsonl") }
func (l Layout) ControlPath(sid string) string { return l.sessionFile(sid, "control.jsonl") }

// WorkersDir is <cache>/namespaces/<ns>/workers.
func (l Layout) WorkersDir() string {
	return filepath.Join(l.NamespaceDir(), "workers")
}

// HeartbeatPath is <cache>/namespaces/<ns>/workers/<host>-<pid>.json.
func (l Layout) HeartbeatPath(host string, pid int) string {
	return filepath.Join(l.WorkersDir(), fmt.Sprintf("%s-%d.json", host, pid))
}

// LocksDir is <cache>/namespaces/<ns>/locks.
func (l Layout) LocksDir() string {
	return filepath.Join(l.NamespaceDir(), "locks")
}

// LockPath returns the per-cwd lock path: locks/<sha256(abs cwd)>.lock.
// cwd must already be absolute; LockPath does not resolve it.
func (l Layout) LockPath(cwd string) string {
	sum := sha256.Sum256([]byte(cwd))
	return filepath.Join(l.LocksDir(), hex.EncodeToString(sum[:])+".lock")
}

// EnsureDirs creates sessions/, workers/, and locks/ under the namespace
// directory with mkdir-p semantics. Call once before first use; individual
// writers also call it defensively since directories can be pruned.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.SessionsDir(), l.WorkersDir(), l.LocksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureSessionDir creates the directory for a single session.
func (l Layout) EnsureSessionDir(sid string) error {
	return os.MkdirAll(l.SessionDir(sid), 0o755)
}
