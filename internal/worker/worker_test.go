package worker

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pursuingf/pigeon/internal/config"
	"github.com/pursuingf/pigeon/internal/debuglog"
	"github.com/pursuingf/pigeon/internal/layout"
	"github.com/pursuingf/pigeon/internal/proto"
	"github.com/pursuingf/pigeon/internal/ptyrunner"
	"github.com/pursuingf/pigeon/internal/session"
)

func newTestWorker(t *testing.T, pinned Pinned) (*Worker, layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir(), "ns")
	require.NoError(t, l.EnsureDirs())
	cfg := &config.Config{}
	cfg.Worker.MaxJobs = 4
	cfg.Worker.PollInterval = time.Second
	w := New(l, "host1", 1234, cfg, pinned, nil)
	return w, l
}

func TestAcceptsRouteMatrix(t *testing.T) {
	unrouted, _ := newTestWorker(t, Pinned{})
	assert.True(t, unrouted.acceptsRoute(""), "untagged request accepted by unrouted worker")
	assert.False(t, unrouted.acceptsRoute("gpu"), "tagged request rejected by unrouted worker")

	gpuRoute := "gpu"
	routed, _ := newTestWorker(t, Pinned{Route: &gpuRoute})
	assert.True(t, routed.acceptsRoute(""), "untagged request still accepted by a routed worker")
	assert.True(t, routed.acceptsRoute("gpu"), "matching tagged request accepted")
	assert.False(t, routed.acceptsRoute("cpu"), "mismatched tagged request rejected")
}

func TestMaxJobsPinnedOverridesConfig(t *testing.T) {
	n := 2
	w, _ := newTestWorker(t, Pinned{MaxJobs: &n})
	assert.Equal(t, 2, w.maxJobs())
}

func TestMaxJobsFallsBackToConfigThenDefault(t *testing.T) {
	w, _ := newTestWorker(t, Pinned{})
	assert.Equal(t, 4, w.maxJobs())

	cfg := &config.Config{}
	w2 := New(w.Layout, "h", 1, cfg, Pinned{}, nil)
	assert.Equal(t, 4, w2.maxJobs()) // default when config.Worker.MaxJobs is zero
}

func TestScanOnceSkipsAlreadyClaimedSession(t *testing.T) {
	w, l := newTestWorker(t, Pinned{})
	s := session.New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1", Argv: []string{"true"}, Cwd: t.TempDir()}))
	require.NoError(t, s.TryClaim(proto.Claim{Host: "other-host", PID: 999}))

	w.scanOnce()

	assert.Equal(t, int32(0), w.active.Load())
	_, ok, err := s.ReadStatus()
	require.NoError(t, err)
	assert.False(t, ok, "a session claimed by another worker is never touched")
}

func TestScanOnceSkipsMismatchedRoute(t *testing.T) {
	gpuRoute := "gpu"
	w, l := newTestWorker(t, Pinned{Route: &gpuRoute})
	s := session.New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1", Argv: []string{"true"}, Cwd: t.TempDir(), Route: "cpu"}))

	w.scanOnce()

	assert.False(t, s.IsClaimed())
}

func TestScanOnceClaimsAndRunsMatchingSession(t *testing.T) {
	w, l := newTestWorker(t, Pinned{})
	workdir := t.TempDir()
	s := session.New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1", Argv: []string{"echo", "hello"}, Cwd: workdir}))

	w.scanOnce()
	assert.True(t, s.IsClaimed())

	require.Eventually(t, func() bool {
		st, ok, _ := s.ReadStatus()
		return ok && proto.Terminal(st.State)
	}, 5*time.Second, 20*time.Millisecond, "job never reached terminal status")

	st, ok, err := s.ReadStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, proto.Terminal(st.State))
	assert.Equal(t, proto.StateExited, st.State)
	assert.Equal(t, 0, st.Code)
}

func TestScanOnceRespectsMaxJobsBudget(t *testing.T) {
	zero := 0
	w, l := newTestWorker(t, Pinned{MaxJobs: &zero})
	s := session.New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1", Argv: []string{"true"}, Cwd: t.TempDir()}))

	w.scanOnce()

	assert.False(t, s.IsClaimed(), "a zero job budget must claim nothing")
}

func TestDebugEnabledPinnedOverridesConfig(t *testing.T) {
	on := true
	w, _ := newTestWorker(t, Pinned{Debug: &on})
	assert.True(t, w.debugEnabled())
}

func TestDebugEnabledFallsBackToConfig(t *testing.T) {
	w, _ := newTestWorker(t, Pinned{})
	assert.False(t, w.debugEnabled())

	cfg := &config.Config{}
	cfg.Worker.Debug = true
	w.cfg.Store(cfg)
	assert.True(t, w.debugEnabled())
}

func TestSyncDebugUpdatesLoggerOnReload(t *testing.T) {
	w, _ := newTestWorker(t, Pinned{})
	w.Log = debuglog.New(false)

	w.syncDebug()
	assert.False(t, w.Log.Enabled, "debug starts disabled in the test config")

	cfg := &config.Config{}
	cfg.Worker.Debug = true
	w.cfg.Store(cfg)
	w.syncDebug()
	assert.True(t, w.Log.Enabled, "a config reload toggling debug must reach the logger without a restart")
}

func TestSyncDebugNoOpWithNilLogger(t *testing.T) {
	w, _ := newTestWorker(t, Pinned{})
	assert.Nil(t, w.Log)
	assert.NotPanics(t, func() { w.syncDebug() })
}

// TestReplayLogsBlocksRatherThanDropsUnderBackpressure exercises the fix
// where a full stdin/control channel used to silently drop the record via a
// non-blocking select-default send, even though the tailer offset had
// already advanced past it. An unbuffered channel here maximizes
// backpressure: every send in replayLogs must block until this test reads
// it, so a single dropped record would wedge the loop instead of vanishing.
func TestReplayLogsBlocksRatherThanDropsUnderBackpressure(t *testing.T) {
	w, l := newTestWorker(t, Pinned{})
	s := session.New(l, "sid-1")
	require.NoError(t, s.Create(proto.Request{SessionID: "sid-1", Argv: []string{"true"}, Cwd: t.TempDir()}))

	sw, err := s.StdinWriter(false)
	require.NoError(t, err)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, sw.Append(proto.StdinRecord{
			T:       nowSeconds(),
			DataB64: base64.StdEncoding.EncodeToString([]byte{byte(i)}),
		}))
	}
	require.NoError(t, sw.Append(proto.StdinRecord{T: nowSeconds(), EOF: true}))
	require.NoError(t, sw.Close())

	stdinCh := make(chan ptyrunner.StdinEvent)
	controlCh := make(chan ptyrunner.ControlEvent)
	stop := make(chan struct{})
	done := make(chan struct{})
	go w.replayLogs(s, stdinCh, controlCh, stop, done)

	received := 0
	sawEOF := false
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev := <-stdinCh:
			if ev.EOF {
				sawEOF = true
				break loop
			}
			received++
		case <-timeout:
			t.Fatalf("timed out after receiving %d/%d records, eof=%v", received, n, sawEOF)
		}
	}

	close(stop)
	<-done

	assert.Equal(t, n, received, "every stdin record before EOF must be delivered, none dropped")
	assert.True(t, sawEOF, "the EOF record must always reach the consumer")
}
