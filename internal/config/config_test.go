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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "kafka", cfg.Queue.Driver)
	assert.Equal(t, "campaign.dispatch", cfg.Queue.Topic)
	assert.Equal(t, 16, cfg.Dispatcher.Fanout)
	assert.Equal(t, 10*time.Minute, cfg.Dispatcher.LockTTL)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Empty(t, cfg.SMS.Providers)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  driver: amqp
sms:
  default_country_code: "98"
  providers:
    - name: primary
      enabled: true
      base_url: http://sms.local
      send_path: /send
      breaker:
        fail_threshold: 5
`), 0o600))

	t.Setenv("CGW_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "amqp", cfg.Queue.Driver)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	require.Len(t, cfg.SMS.Providers, 1)
	assert.Equal(t, "primary", cfg.SMS.Providers[0].Name)
	assert.Equal(t, 5, cfg.SMS.Providers[0].Breaker.FailThreshold)
	assert.Equal(t, "98", cfg.SMS.DefaultCountryCode)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Queue.Driver = "sqs"
	assert.Error(t, cfg.Validate())
}
