package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"", LevelInfo},
		{"DEBUG", LevelDebug},
		{" warning ", LevelWarn},
		{"error", LevelError},
		{"off", LevelSilent},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLogger_LevelIsShared(t *testing.T) {
	logger := New(LevelInfo)
	child := logger.With(String("component", "test")).Named("child")

	logger.SetLevel(LevelError)
	assert.Equal(t, LevelError, child.GetLevel())
	assert.Equal(t, "error", child.GetLevel().String())
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	logger := New(LevelDebug)
	assert.Same(t, logger, OrNop(logger))

	// A nop logger accepts every field kind without panicking.
	Nop().Info("ignored", Int("n", 1), Strings("s", []string{"a"}), Error(assert.AnError))
}
