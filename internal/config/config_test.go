package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Relay.WSAddr)
	assert.Equal(t, 500, cfg.Relay.MaxQueryLimit)
	assert.Equal(t, 256, cfg.Relay.SendBufferSize)
	assert.False(t, cfg.Relay.TrustProxy)
	assert.Equal(t, 30*time.Second, cfg.Policy.CacheTTL)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Policy.Whitelist.PubKeys)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadEnvironment(t *testing.T) {
	a := strings.Repeat("a", 64)
	b := strings.Repeat("b", 64)
	t.Setenv("WHITELIST_PUBKEYS", " "+strings.ToUpper(a)+", "+b+","+a)
	t.Setenv("ADMIN_PUBKEYS", b)
	t.Setenv("EVENTS_PER_SECOND_PER_IP", "3")
	t.Setenv("MAX_CONNECTIONS_PER_IP", "7")
	t.Setenv("DATABASE_URL", "postgres://relay@localhost:5432/relay")
	t.Setenv("RELAY_RELAY_MAX_QUERY_LIMIT", "100")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, cfg.Policy.Whitelist.PubKeys)
	assert.Equal(t, []string{b}, cfg.Policy.AdminPubKeys)
	assert.Equal(t, 3, cfg.Relay.Throttling.EventsPerSecondPerIP)
	assert.Equal(t, 7, cfg.Relay.Throttling.MaxConnectionsPerIP)
	assert.Equal(t, "postgres://relay@localhost:5432/relay", cfg.Database.URL)
	assert.Equal(t, 100, cfg.Relay.MaxQueryLimit)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  name: members-only\n  max_subscriptions: 7\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "members-only", cfg.Relay.Name)
	assert.Equal(t, 7, cfg.Relay.MaxSubscriptions)
	assert.Equal(t, 10, cfg.Relay.MaxFilters)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "dev bypass in production",
			env:  map[string]string{"WHITELIST_DEV_ALLOW_ALL": "true", "RELAY_GENERAL_ENVIRONMENT": "production"},
			want: "dev_allow_all cannot be enabled",
		},
		{
			name: "malformed whitelist key",
			env:  map[string]string{"WHITELIST_PUBKEYS": "npub1notahexkey"},
			want: "64-character hexadecimal",
		},
		{
			name: "plain http public url",
			env:  map[string]string{"RELAY_RELAY_PUBLIC_URL": "http://relay.example.com"},
			want: "PublicURL",
		},
		{
			name: "bad listen address",
			env:  map[string]string{"RELAY_RELAY_WS_ADDR": "8080"},
			want: "WebSocket address",
		},
		{
			name: "non postgres database",
			env:  map[string]string{"DATABASE_URL": "mysql://localhost"},
			want: "must start with",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
