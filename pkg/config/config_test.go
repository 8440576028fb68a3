package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enkore/borgcube/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
data_dir: /tmp/borgcube-test
secret: hunter2
tick_interval: 10s
log:
  level: debug
  json: true
repositories:
  - id: repo1
    name: main
    url: /srv/backups/repo1
clients:
  - hostname: host1
    remote: root@host1
    rsh_options: ["-oBatchMode=yes"]
schedules:
  - id: nightly
    name: Nightly backups
    start: 2025-06-01T02:00:00Z
    unit: daily
    interval: 1
    actions:
      - kind: backup
        repository: repo1
        client: host1
retention_policies:
  - name: default
    keep_daily: 7
    keep_weekly: 4
    keep_monthly: 6
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, time.Duration(cfg.TickInterval))
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Repositories, 1)
	repo := cfg.Repositories[0].Repository()
	assert.Equal(t, "/srv/backups/repo1", repo.URL)

	require.Len(t, cfg.Clients, 1)
	client := cfg.Clients[0].Client()
	assert.Equal(t, "root@host1", client.Connection.Remote)

	require.Len(t, cfg.Schedules, 1)
	sched := cfg.Schedules[0].Schedule()
	assert.Equal(t, types.RecurDaily, sched.Recurrence.Unit)
	require.Len(t, sched.Actions, 1)
	assert.Equal(t, types.ActionBackup, sched.Actions[0].Kind)

	policies := cfg.Policies()
	require.Contains(t, policies, "default")
	assert.Equal(t, 7, policies["default"].KeepDaily)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "secret: s\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8200", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/borgcube", cfg.DataDir)
	assert.Equal(t, "/var/lib/borgcube/gateway.sock", cfg.SocketPath)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.TickInterval))
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing secret", "listen: \":1\"\n"},
		{"repository without url", "secret: s\nrepositories:\n  - id: r1\n"},
		{"duplicate repository", "secret: s\nrepositories:\n  - {id: r1, url: /a}\n  - {id: r1, url: /b}\n"},
		{"backup action without client", "secret: s\nschedules:\n  - id: s1\n    actions:\n      - kind: backup\n        repository: r1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}
