package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.True(t, cfg.Mongo.TLS)
	assert.Equal(t, "primaryPreferred", cfg.Mongo.ReadPreference)
	assert.Equal(t, "region", cfg.Mongo.RegionTag)
	assert.Equal(t, "provider", cfg.Mongo.ProviderTag)
	assert.Equal(t, 30*time.Second, cfg.Rescan.Timeout)
	assert.Equal(t, uint64(3), cfg.Rescan.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Rescan.InitialBackoff)
	assert.True(t, cfg.Sink.Console)
	assert.Equal(t, "topology.events", cfg.Sink.NATS.SubjectPrefix)
	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// No credentials by default.
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mongo:
  uri: "mongodb+srv://%s:%s@cluster0.example.mongodb.net"
  user: monitor
  password: "p@ss word"
  tls: false
rescan:
  max_retries: 5
  min_interval: 2s
sink:
  console: false
  nats:
    url: nats://127.0.0.1:4222
    stream: TOPOLOGY
server:
  enabled: true
  addr: 127.0.0.1:9999
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "monitor", cfg.Mongo.User)
	assert.Equal(t, "p@ss word", cfg.Mongo.Password)
	assert.False(t, cfg.Mongo.TLS)
	assert.Equal(t, uint64(5), cfg.Rescan.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Rescan.MinInterval)
	assert.False(t, cfg.Sink.Console)
	assert.Equal(t, "TOPOLOGY", cfg.Sink.NATS.Stream)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TOPOLOGY_LISTENER_MONGO_USER", "env-user")
	t.Setenv("TOPOLOGY_LISTENER_RESCAN_TIMEOUT", "5s")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "env-user", cfg.Mongo.User)
	assert.Equal(t, 5*time.Second, cfg.Rescan.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(New(), "")
		require.NoError(t, err)

		cfg.Mongo.URI = "mongodb://%s:%s@mongos:27017"
		cfg.Mongo.User = "u"
		cfg.Mongo.Password = "p"

		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "missing uri", mutate: func(c *Config) { c.Mongo.URI = "" }, errMsg: "mongo.uri is required"},
		{name: "one placeholder", mutate: func(c *Config) { c.Mongo.URI = "mongodb://%s@mongos" }, errMsg: "found 1"},
		{name: "missing user", mutate: func(c *Config) { c.Mongo.User = "" }, errMsg: "mongo.user is required"},
		{name: "missing password", mutate: func(c *Config) { c.Mongo.Password = "" }, errMsg: "mongo.password is required"},
		{name: "backoff bounds", mutate: func(c *Config) { c.Rescan.MaxBackoff = time.Millisecond }, errMsg: "rescan.max_backoff"},
		{name: "stream without url", mutate: func(c *Config) { c.Sink.NATS.Stream = "S" }, errMsg: "sink.nats.stream requires"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}
