package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/proto"
)

func newTestLayout(t *testing.T) layout.Layout {
	t.Helper()
	l := layout.New(t.TempDir(), "ns")
	require.NoError(t, l.EnsureDirs())
	return l
}

func TestCreateAndReadRequest(t *testing.T) {
	l := newTestLayout(t)
	s := New(l, "sid-1")

	req := proto.Request{SessionID: "sid-1", Cwd: "/tmp", Argv: []string{"echo", "hi"}}
	require.NoError(t, s.Create(req))

	got, err := s.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestReadStatusMissingIsNotAnError(t *testing.T) {
	l := newTestLayout(t)
	s := New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1"}))

	st, ok, err := s.ReadStatus()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, proto.Status{}, st)
}

func TestTryClaimIsExclusive(t *testing.T) {
	l := newTestLayout(t)
	s := New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1"}))

	assert.False(t, s.IsClaimed())
	require.NoError(t, s.TryClaim(proto.Claim{Host: "h1", PID: 1}))
	assert.True(t, s.IsClaimed())

	err := s.TryClaim(proto.Claim{Host: "h2", PID: 2})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestWriteTerminalIsMonotonic(t *testing.T) {
	l := newTestLayout(t)
	s := New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1"}))

	require.NoError(t, s.WriteRunning(proto.Status{Worker: proto.WorkerRef{Host: "h1"}}))
	st, ok, err := s.ReadStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.StateRunning, st.State)

	require.NoError(t, s.WriteTerminal(proto.Status{State: proto.StateExited, Code: 0}))
	st, ok, err = s.ReadStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.StateExited, st.State)

	err = s.WriteTerminal(proto.Status{State: proto.StateExited, Code: 1})
	assert.ErrorIs(t, err, ErrTerminal)

	// The first terminal write wins; the rejected second write left it alone.
	st, _, err = s.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Code)
}

func TestWriteTerminalRejectsNonTerminalState(t *testing.T) {
	l := newTestLayout(t)
	s := New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1"}))

	err := s.WriteTerminal(proto.Status{State: proto.StateRunning})
	assert.Error(t, err)
}

func TestListSessionIDsAndRemove(t *testing.T) {
	l := newTestLayout(t)
	for _, id := range []string{"b", "a", "c"} {
		s := New(l, id)
		require.NoError(t, s.Create(proto.Request{SessionID: id}))
	}

	ids, err := ListSessionIDs(l)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, Remove(l, "b"))
	ids, err = ListSessionIDs(l)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestListSessionIDsOnMissingDirIsEmpty(t *testing.T) {
	l := layout.New(t.TempDir(), "ns")
	ids, err := ListSessionIDs(l)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStreamWriterAndTailerRoundTrip(t *testing.T) {
	l := newTestLayout(t)
	s := New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1"}))

	w, err := s.StreamWriter(false)
	require.NoError(t, err)
	require.NoError(t, w.Append(proto.StreamRecord{FD: 1, DataB64: "aGVsbG8="}))
	require.NoError(t, w.Close())

	tailer := s.StreamTailer()
	var got []proto.StreamRecord
	n, err := tailer.Poll(func(line []byte) error {
		var r proto.StreamRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, "aGVsbG8=", got[0].DataB64)
}
