package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://bsky.network"}, cfg.RelayHosts)
	assert.Equal(t, "https://public.api.bsky.app", cfg.APIHost)
	assert.Equal(t, "atgraph.db", cfg.DB)
	assert.Empty(t, cfg.MetricsAddr)
	assert.False(t, cfg.Verbose)
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--relay-host", "wss://relay-a.test",
		"--relay-host", "wss://relay-b.test",
		"--db", "postgres://atgraph@localhost/atgraph",
		"--metrics-addr", ":9100",
		"-v",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://relay-a.test", "wss://relay-b.test"}, cfg.RelayHosts)
	assert.Equal(t, "postgres://atgraph@localhost/atgraph", cfg.DB)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.True(t, cfg.Verbose)
}

func TestLoadEnvFallback(t *testing.T) {
	t.Setenv("ATGRAPH_API_HOST", "https://appview.test")
	t.Setenv("ATGRAPH_RELAY_HOSTS", "wss://one.test, wss://two.test")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "https://appview.test", cfg.APIHost)
	assert.Equal(t, []string{"wss://one.test", "wss://two.test"}, cfg.RelayHosts)
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	t.Setenv("ATGRAPH_DB", "env.db")

	cfg, err := Load([]string{"--db", "flag.db"})
	require.NoError(t, err)
	assert.Equal(t, "flag.db", cfg.DB)
}

func TestLoadBadFlag(t *testing.T) {
	_, err := Load([]string{"--no-such-flag"})
	assert.Error(t, err)
}
