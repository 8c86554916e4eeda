package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeForErr(t *testing.T) {
	assert.Equal(t, 124, exitCodeForErr(&exitError{code: 124, err: errors.New("timeout")}))
	assert.Equal(t, 1, exitCodeForErr(errors.New("plain cobra error")))
}

func TestExitErrorMessage(t *testing.T) {
	e := &exitError{code: 125, err: errors.New("boom")}
	assert.Equal(t, "boom", e.Error())
	assert.Equal(t, 125, e.ExitCode())
}
