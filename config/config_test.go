package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5555, cfg.Server.Port)
	assert.Equal(t, 5556, cfg.VoicePort())
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, DuplicateReject, cfg.Server.DuplicateLogin)
	assert.True(t, cfg.Server.VoiceRequiresLogin)
	assert.Equal(t, 50, cfg.History.Limit)
	assert.Equal(t, DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, "chat_server.db", cfg.DB.Path)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
  duplicate_login: supersede
  write_timeout: 3s
history:
  limit: 10
`), 0o600))

	t.Setenv("CHATRELAY_HISTORY_LIMIT", "20")
	t.Setenv("CHATRELAY_LOG_FORMAT", "json")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("host", "0.0.0.0", "")
	flags.Int("port", DefaultPort, "")
	require.NoError(t, flags.Parse([]string{"--host", "127.0.0.1"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port, "unchanged flag must not override the file")
	assert.Equal(t, 7001, cfg.VoicePort())
	assert.Equal(t, DuplicateSupersede, cfg.Server.DuplicateLogin)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 20, cfg.History.Limit)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:7000", cfg.TextAddr())
	assert.Equal(t, "127.0.0.1:7001", cfg.VoiceAddr())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.DuplicateLogin = "kick"
	cfg.DB.Driver = "mysql"
	cfg.Server.Port = 70000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate_login")
	assert.Contains(t, err.Error(), "mysql")
	assert.Contains(t, err.Error(), "out of range")

	cfg = Default()
	cfg.Server.VoicePort = cfg.Server.Port
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DB.Driver = DriverPostgres
	assert.Error(t, cfg.Validate())
	cfg.DB.DSN = "postgres://localhost/chat"
	assert.NoError(t, cfg.Validate())
}
