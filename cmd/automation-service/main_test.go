package main

import (
	"log/slog"
	"testing"

	"automation/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}

func TestOpenStoresInMemory(t *testing.T) {
	t.Parallel()
	st, err := openStores(t.Context(), &config.ServiceConfig{AdminUsers: []string{"admin"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.ledger.TopUp(t.Context(), "alice", 5))
	balance, err := st.ledger.Balance(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
	assert.True(t, st.ledger.IsPrivileged(t.Context(), "admin"))
	require.NoError(t, st.history.Ping(t.Context()))
}
