package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCheckListsSeedTasks(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  timezone: UTC
tasks:
  - id: daily-gmv
    name: Daily GMV
    cron: "0 9 * * *"
    sql: SELECT 1
    enabled: true
  - id: paused
    name: Paused
    cron: "@hourly"
    sql: SELECT 2
`)

	out, err := execute(t, "check", "--config", path, "--ping=false")
	require.NoError(t, err)
	require.Contains(t, out, "config ok: Feishu-Doris scheduled push platform 1.0.0 on 0.0.0.0:7000")
	require.Contains(t, out, "daily-gmv")
	require.Contains(t, out, "09:00:00 UTC")
	require.Contains(t, out, "paused")
}

func TestCheckRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: -1\n")

	_, err := execute(t, "check", "--config", path, "--ping=false")
	require.ErrorContains(t, err, "server.port")
}

func TestCheckPingFailure(t *testing.T) {
	path := writeConfig(t, "doris:\n  host: 127.0.0.1\n  port: 1\n")

	_, err := execute(t, "check", "--config", path)
	require.ErrorContains(t, err, "unreachable")
}

func TestRunRequiresTaskID(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
}
