// Package session implements the on-disk session state machine: atomic
// writes of request.json/status.json, exclusive claim creation, and
// append-log handles for stream/stdin/control.
//
// Writes marshal, write to a temp file, then rename into place — atomic
// within one filesystem, which is the durability assumption the whole
// design rests on.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pursuingf/pigeon/internal/applog"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/proto"
)

// ErrAlreadyClaimed is returned by TryClaim when another worker already
// holds the claim.
var ErrAlreadyClaimed = errors.New("session: already claimed")

// ErrTerminal is returned by WriteTerminal when status.json is already in a
// terminal state — status.json transitions are monotonic and a terminal
// state is never overwritten.
var ErrTerminal = errors.New("session: status already terminal")

// Session binds a layout and a session id to the on-disk operations for
// that session.
type Session struct {
	ID string
	L  layout.Layout
}

// New returns a Session handle. It does not create any files.
func New(l layout.Layout, id string) Session {
	return Session{ID: id, L: l}
}

// Create materializes the session directory and writes request.json
// atomically. request.json is immutable thereafter — nothing else in this
// package ever opens it for writing again.
func (s Session) Create(req proto.Request) error {
	if err := s.L.EnsureSessionDir(s.ID); err != nil {
		return err
	}
	return writeAtomic(s.L.RequestPath(s.ID), req)
}

// ReadRequest reads request.json.
func (s Session) ReadRequest() (proto.Request, error) {
	var req proto.Request
	data, err := os.ReadFile(s.L.RequestPath(s.ID))
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request.json for %s: %w", s.ID, err)
	}
	return req, nil
}

// ReadStatus reads status.json. A missing file means the session is still
// queued — that is not an error, (zero, false, nil) is returned.
func (s Session) ReadStatus() (proto.Status, bool, error) {
	var st proto.Status
	data, err := os.ReadFile(s.L.StatusPath(s.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return st, false, nil
		}
		return st, false, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, false, fmt.Errorf("parse status.json for %s: %w", s.ID, err)
	}
	return st, true, nil
}

// TryClaim attempts the exclusive-create claim primitive: at most one
// worker's TryClaim call for a given session succeeds.
func (s Session) TryClaim(claim proto.Claim) error {
	data, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("marshal claim: %w", err)
	}
	f, err := os.OpenFile(s.L.ClaimPath(s.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyClaimed
		}
		return fmt.Errorf("create claim for %s: %w", s.ID, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write claim for %s: %w", s.ID, err)
	}
	return nil
}

// IsClaimed reports whether worker.claim exists.
func (s Session) IsClaimed() bool {
	_, err := os.Stat(s.L.ClaimPath(s.ID))
	return err == nil
}

// WriteRunning writes the "running" phase of status.json. It is the one
// status write that is allowed to proceed unconditionally, since "running"
// only ever follows the implicit queued phase.
func (s Session) WriteRunning(st proto.Status) error {
	st.State = proto.StateRunning
	return writeAtomic(s.L.StatusPath(s.ID), st)
}

// WriteTerminal writes a terminal status.json (exited/signaled/error). It
// refuses to overwrite an already-terminal status, since the filesystem
// gives no compare-and-swap primitive to make that check race-free against
// a concurrent writer — in practice only one worker ever writes a given
// session's status, so the check is a correctness assertion, not a lock.
func (s Session) WriteTerminal(st proto.Status) error {
	if !proto.Terminal(st.State) {
		return fmt.Errorf("session: %q is not a terminal state", st.State)
	}
	existing, ok, err := s.ReadStatus()
	if err != nil {
		return err
	}
	if ok && proto.Terminal(existing.State) {
		return ErrTerminal
	}
	return writeAtomic(s.L.StatusPath(s.ID), st)
}

// StreamWriter opens stream.jsonl for appending.
func (s Session) StreamWriter(fsync bool) (*applog.Writer, error) {
	return applog.Open(s.L.StreamPath(s.ID), fsync)
}

// StdinWriter opens stdin.jsonl for appending (client side).
func (s Session) StdinWriter(fsync bool) (*applog.Writer, error) {
	return applog.Open(s.L.StdinPath(s.ID), fsync)
}

// ControlWriter opens control.jsonl for appending (client side).
func (s Session) ControlWriter(fsync bool) (*applog.Writer, error) {
	return applog.Open(s.L.ControlPath(s.ID), fsync)
}

// StreamTailer, StdinTailer, and ControlTailer return fresh tailers over
// the respective logs, each starting at offset 0.
func (s Session) StreamTailer() *applog.Tailer  { return applog.NewTailer(s.L.StreamPath(s.ID)) }
func (s Session) StdinTailer() *applog.Tailer   { return applog.NewTailer(s.L.StdinPath(s.ID)) }
func (s Session) ControlTailer() *applog.Tailer { return applog.NewTailer(s.L.ControlPath(s.ID)) }

// writeAtomic marshals v, writes it to a temp file beside path, and renames
// it into place, so a reader never observes a partially-written file.
func writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// ListSessionIDs returns the session ids currently present under the
// namespace's sessions directory, in lexicographic order.
func ListSessionIDs(l layout.Layout) ([]string, error) {
	entries, err := os.ReadDir(l.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Remove deletes a session's entire directory. Used only by the external
// pruner, never by the worker or client — neither of those garbage-collects
// session state on its own.
func Remove(l layout.Layout, id string) error {
	return os.RemoveAll(filepath.Join(l.SessionsDir(), id))
}
