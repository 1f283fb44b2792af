package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/observability/log"
)

func TestDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, DriverMemory, c.Storage.Driver)
	assert.Equal(t, AuthTrust, c.Auth.Mode)
	assert.True(t, c.Auth.AutoCreateUsers)
	assert.Equal(t, log.LevelInfo, c.LogLevel())
	assert.Equal(t, "/sync", c.ServerConfig().WebsocketPath)
	assert.Equal(t, 1024, c.GroupConfig().DedupeWindow)
}

func TestLoad_File(t *testing.T) {
	c, err := Load("testdata/server.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", c.Server.ListenAddr)
	assert.Equal(t, log.LevelDebug, c.LogLevel())
	assert.Equal(t, map[string]string{"t-alice": "alice"}, c.Auth.Tokens)
	assert.False(t, c.Auth.AutoCreateUsers)

	srv := c.ServerConfig()
	assert.Equal(t, "/ws", srv.WebsocketPath)
	assert.Equal(t, "0.0.0.0:9001", srv.QUICAddr)
	assert.Equal(t, 500, srv.MaxClients)
	assert.Equal(t, 64, srv.Protocol.OutboxSize)
	assert.Equal(t, 5*time.Second, srv.Protocol.WriteTimeout)
	assert.Equal(t, 4<<20, srv.Protocol.MaxMessageSize, "unset keys keep their defaults")

	grp := c.GroupConfig()
	assert.Equal(t, 64, grp.DedupeWindow)
	assert.Equal(t, 250*time.Millisecond, grp.RetryDelay)
	assert.Equal(t, 32, grp.MaxCascade)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "server:\n  listen: x\n"},
		{"log level", "log:\n  level: loud\n"},
		{"auth mode", "auth:\n  mode: magic\n"},
		{"token without tokens", "auth:\n  mode: token\n"},
		{"sqlite without dsn", "storage:\n  driver: sqlite\nsequencer:\n  driver: bolt\n  path: c.db\n"},
		{"durable storage with memory clocks", "storage:\n  driver: sqlite\n  dsn: d.db\n"},
		{"bolt without path", "sequencer:\n  driver: bolt\n"},
		{"storage sequencer in memory", "sequencer:\n  driver: storage\n"},
		{"negative cascade", "group:\n  max_cascade: -1\n"},
		{"no outbox", "server:\n  outbox_size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDecode_SQLClocks(t *testing.T) {
	c, err := Decode(strings.NewReader("storage:\n  driver: postgres\n  dsn: postgres://localhost/sync\nsequencer:\n  driver: storage\n"))
	require.NoError(t, err)
	assert.Equal(t, DriverStorage, c.Sequencer.Driver)
}
