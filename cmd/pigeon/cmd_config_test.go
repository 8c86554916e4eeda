package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSetThenGetRoundTrip(t *testing.T) {
	withTestCacheFlags(t)

	setCmd := configSetCmd()
	var out bytes.Buffer
	setCmd.SetOut(&out)
	setCmd.SetArgs([]string{"worker.max_jobs", "9"})
	require.NoError(t, setCmd.Execute())

	getCmd := configGetCmd()
	getCmd.SetArgs([]string{"worker.max_jobs"})
	require.NoError(t, getCmd.Execute())

	cfg, err := loadedConfig()
	require.NoError(t, err)
	v, ok := cfg.Get("worker.max_jobs")
	require.True(t, ok)
	assert.Equal(t, "9", v)
}

func TestConfigGetUnknownKeyErrors(t *testing.T) {
	withTestCacheFlags(t)

	getCmd := configGetCmd()
	getCmd.SetArgs([]string{"not.a.real.key"})
	assert.Error(t, getCmd.Execute())
}
