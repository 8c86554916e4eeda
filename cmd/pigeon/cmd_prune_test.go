package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pursuingf/pigeon/internal/proto"
	"github.com/pursuingf/pigeon/internal/session"
)

func withTestCacheFlags(t *testing.T) {
	t.Helper()
	origCache, origNS, origPath := flagCache, flagNamespace, flagConfigPath
	flagCache = t.TempDir()
	flagNamespace = "testns"
	flagConfigPath = flagCache + "/config.yaml"
	t.Cleanup(func() {
		flagCache, flagNamespace, flagConfigPath = origCache, origNS, origPath
	})
}

func TestPruneRemovesOnlyTerminalSessionsMatchingFilter(t *testing.T) {
	withTestCacheFlags(t)
	cfg, err := loadedConfig()
	require.NoError(t, err)
	l := buildLayout(cfg)
	require.NoError(t, l.EnsureDirs())

	mk := func(id string) session.Session {
		s := session.New(l, id)
		require.NoError(t, s.Create(proto.Request{SessionID: id}))
		return s
	}

	queued := mk("queued-1")

	exited := mk("exited-1")
	require.NoError(t, exited.WriteTerminal(proto.Status{State: proto.StateExited, EndedAt: nowSeconds() - 1000}))

	errored := mk("errored-1")
	require.NoError(t, errored.WriteTerminal(proto.Status{State: proto.StateError, EndedAt: nowSeconds() - 1000}))

	recentExit := mk("recent-1")
	require.NoError(t, recentExit.WriteTerminal(proto.Status{State: proto.StateExited, EndedAt: nowSeconds()}))

	cmd := pruneCmd()
	cmd.SetArgs([]string{"--state", "exited", "--older-than", "1m"})
	require.NoError(t, cmd.Execute())

	ids, err := session.ListSessionIDs(l)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"queued-1", "errored-1", "recent-1"}, ids,
		"only the old, state-matching exited session should be pruned")
}

func TestPruneWithNoFilterDropsAllOldTerminalSessions(t *testing.T) {
	withTestCacheFlags(t)
	cfg, err := loadedConfig()
	require.NoError(t, err)
	l := buildLayout(cfg)
	require.NoError(t, l.EnsureDirs())

	mk := func(id, state string) session.Session {
		s := session.New(l, id)
		require.NoError(t, s.Create(proto.Request{SessionID: id}))
		require.NoError(t, s.WriteTerminal(proto.Status{State: state, EndedAt: nowSeconds() - 1000}))
		return s
	}
	mk("a", proto.StateExited)
	mk("b", proto.StateSignaled)
	mk("c", proto.StateError)

	cmd := pruneCmd()
	cmd.SetArgs([]string{"--older-than", (1 * time.Minute).String()})
	require.NoError(t, cmd.Execute())

	ids, err := session.ListSessionIDs(l)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
