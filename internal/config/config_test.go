package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  base_path: /openedx-ai-extensions/
session:
  backend: redis
  max_record_bytes: 2048
providers:
  default:
    kind: openai
    model: gpt-4o-mini
    timeout: 45s
prompts:
  summarize: "Summarize: {{.Context}}"
profiles:
  - id: chat-course-1
    scope:
      course_id: "course-v1:edX+*"
    orchestrator_class: threaded
    processor_config:
      - name: history
        function: history
        options:
          max_context_messages: 6
      - name: llm
        function: model
        provider: default
        options:
          stream: true
    actuator_config:
      request:
        component: AIRequestComponent
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "openedx-ai-extensions", cfg.Server.BasePath)
	assert.Equal(t, "redis", cfg.Session.Backend)
	assert.Equal(t, 2048, cfg.Session.MaxRecordBytes)
	assert.Equal(t, 10, cfg.Session.DefaultPageSize)
	assert.Equal(t, 30*time.Second, cfg.Tasks.DedupeWindow)
	assert.Equal(t, 45*time.Second, cfg.Providers["default"].Timeout)

	require.Len(t, cfg.Profiles, 1)
	p := cfg.Profiles[0]
	assert.Equal(t, "chat-course-1", p.ID)
	assert.Equal(t, "course-v1:edX+*", p.Scope.CourseID)
	assert.Equal(t, "threaded", p.OrchestratorClass)
	require.Len(t, p.ProcessorConfig, 2)
	assert.Equal(t, "model", p.ProcessorConfig[1].Function)
	assert.Equal(t, "default", p.ProcessorConfig[1].Provider)
	assert.Equal(t, true, p.ProcessorConfig[1].Options["stream"])
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AIWF_SESSION_BACKEND", "postgres")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Session.Backend)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "session:\n  backend: sqlite\n"))
	assert.ErrorContains(t, err, "session.backend")
}

func TestLoadConfigRejectsUnknownProviderKind(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "providers:\n  x:\n    kind: llama\n"))
	assert.ErrorContains(t, err, "unknown kind")
}

func TestLoadConfigRequiresTLSFiles(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server:\n  tls:\n    enable: true\n    cert_file: cert.pem\n"))
	assert.ErrorContains(t, err, "server.tls")
}

func TestLoadConfigRejectsDefaultPageAboveMax(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "session:\n  default_page_size: 50\n  max_page_size: 20\n"))
	assert.ErrorContains(t, err, "session.max_page_size")
}

func TestNormalizeOktaIssuer(t *testing.T) {
	assert.Equal(t, "https://dev.okta.com/oauth2/default", normalizeOktaIssuer(" https://dev.okta.com/oauth2/default/ "))
}
