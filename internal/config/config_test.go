package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
naver:
  client_id: id-123
  client_secret: secret-456
  timeout_seconds: 20
fetch:
  page_size: 50
  backoff_seconds: [1, 2, 3]
  dedupe_window_seconds: 60
store:
  provider: postgres
db:
  dsn: postgres://localhost/newstab
pubsub:
  enabled: true
  project_id: demo-project
  alert_keywords: ["recall", "breach"]
refresh:
  enabled: true
  interval_minutes: 5
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "id-123", cfg.Naver.ClientID)
	require.Equal(t, 50, cfg.Fetch.PageSize)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, cfg.BackoffSchedule())
	require.Equal(t, time.Minute, cfg.DedupeWindow())
	require.Equal(t, "postgres", cfg.Store.Provider)
	require.Equal(t, []string{"recall", "breach"}, cfg.PubSub.AlertKeywords)
	require.Equal(t, 20*time.Second, cfg.NaverTimeout())
	require.Equal(t, 5*time.Second, cfg.WorkerTimeout())
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
naver:
  client_id: id
  client_secret: secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 100, cfg.Fetch.PageSize)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}, cfg.BackoffSchedule())
	require.Equal(t, "memory", cfg.Store.Provider)
	require.True(t, cfg.Logging.Development)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Server:   ServerConfig{Port: 8080},
			Naver:    NaverConfig{ClientID: "id", ClientSecret: "secret", TimeoutSeconds: 15},
			Fetch:    FetchConfig{PageSize: 100, BackoffSeconds: []int{2}},
			Store:    StoreConfig{Provider: "memory"},
			Shutdown: ShutdownConfig{WorkerTimeoutSeconds: 5},
		}
	}

	cfg := base()
	cfg.Naver.ClientSecret = ""
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Fetch.PageSize = 500
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store.Provider = "postgres"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Backup = BackupConfig{Enabled: true, Provider: "gcs"}
	require.Error(t, cfg.Validate())

	require.NoError(t, base().Validate())
}
