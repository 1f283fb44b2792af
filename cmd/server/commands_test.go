package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "syncplant dev\n", out.String())
}

func TestServeCommand_InvalidConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"serve", "--log-level", "loud"})
	assert.Error(t, cmd.Execute())

	cmd = newRootCommand()
	cmd.SetArgs([]string{"serve", "--config", "does-not-exist.yaml"})
	assert.Error(t, cmd.Execute())
}
