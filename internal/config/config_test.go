package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeConfig(t, "omnidim.yaml", `
server:
  address: "0.0.0.0:9090"
llm:
  openai:
    api_key_env: TEST_OPENAI_KEY
dispatch:
  queue:
    driver: redis
    redis:
      address: "localhost:6379"
agents:
  - id: caller
    name: Caller
    status: active
    capabilities: [call]
runtime:
  data_dir: state
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.LLM.OpenAI.APIKey)
	assert.Equal(t, "gpt-3.5-turbo", cfg.LLM.OpenAI.Model)
	assert.Equal(t, 0.7, cfg.LLM.OpenAI.Temperature)
	assert.Equal(t, "http://127.0.0.1:9090/api/omnidimension/chat", cfg.Reply.RemoteURL)
	assert.Equal(t, 30, cfg.Reply.RemoteTimeoutSeconds)
	assert.Equal(t, 15, cfg.Widget.TimeoutSeconds)
	assert.Equal(t, 10, cfg.Reply.HistoryDepth)
	assert.Equal(t, "memory", cfg.Dispatch.Store.Driver)
	assert.Equal(t, "redis", cfg.Dispatch.Queue.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state"), cfg.Runtime.DataDir)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, []string{"call"}, cfg.Agents[0].Capabilities)
	assert.False(t, cfg.Server.TrustForwardedFor)
	assert.Equal(t, 5, cfg.Alerting.TimeoutSeconds)
}

func TestLoadAlertingAndProxyTrust(t *testing.T) {
	t.Setenv("TEST_ALERT_HOOK", "https://hooks.example.com/omnidim")
	t.Setenv("OMNIDIMENSION_ALERT_WEBHOOK", "")
	path := writeConfig(t, "omnidim.yaml", `
server:
  trust_forwarded_for: true
alerting:
  webhook_url_env: TEST_ALERT_HOOK
  timeout_seconds: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Server.TrustForwardedFor)
	assert.Equal(t, "https://hooks.example.com/omnidim", cfg.Alerting.WebhookURL)
	assert.Equal(t, 2, cfg.Alerting.TimeoutSeconds)
	assert.True(t, cfg.Alerting.Enabled())
	assert.False(t, Default().Alerting.Enabled())
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "omnidim.json", `{"server": {"address": ":7070"}, "widget": {"enabled": true, "base_url": "https://widget.example", "secret_key": "s3cret"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.True(t, cfg.Widget.Enabled)
	assert.Equal(t, "s3cret", cfg.Widget.SecretKey)
	assert.Equal(t, "http://127.0.0.1:7070/api/omnidimension/chat", cfg.Reply.RemoteURL)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "bad.yaml", "dispatch:\n  store:\n    driver: postgres\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))

	t.Setenv(EnvConfigPath, "/etc/omnidim.yaml")
	assert.Equal(t, "/etc/omnidim.yaml", ResolvePath(""))
	assert.Equal(t, "local.yaml", ResolvePath("local.yaml"))
}

func TestLoadOrDefaultMissingDefaultFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := LoadOrDefault(DefaultPath)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)

	_, err = LoadOrDefault(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
