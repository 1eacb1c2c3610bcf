package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig places a YAML config in the fake home's allowed directory
// with safe permissions.
func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "ai-team")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1", cfg.Models.Default)
	assert.Equal(t, 3, cfg.Run.MaxRetries)
	assert.InDelta(t, 0.8, cfg.Run.CoverageThreshold, 1e-9)
	assert.InDelta(t, 7.0, cfg.Run.QualityThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.Run.ConfidenceThreshold, 1e-9)
	assert.Equal(t, "abort", cfg.Run.FeedbackDefault)
	assert.Equal(t, filepath.Join(home, ".local", "share", "ai-team", "runs"), cfg.Workspace.PersistDir)
	assert.False(t, cfg.Memory.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, home, `
models:
  default: qwen2.5-coder
  roles:
    qa_engineer: llama3.1
run:
  max_retries: 5
  coverage_threshold: 0.9
memory:
  enabled: true
workspace:
  persist_dir: /tmp/ai-team-runs
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder", cfg.Models.Default)
	assert.Equal(t, "llama3.1", cfg.RoleModel("qa_engineer"))
	assert.Equal(t, "qwen2.5-coder", cfg.RoleModel("architect"))
	assert.Equal(t, 5, cfg.Run.MaxRetries)
	assert.InDelta(t, 0.9, cfg.Run.CoverageThreshold, 1e-9)
	assert.Equal(t, "/tmp/ai-team-runs", cfg.Workspace.PersistDir)
	assert.True(t, cfg.Memory.Enabled)
	assert.Equal(t, filepath.Join("/tmp/ai-team-runs", "metrics.db"), cfg.Memory.MetricsPath)
}

func TestEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, home, `
run:
  max_retries: 5
ollama:
  base_url: http://file-host:11434
`)
	t.Setenv("AITEAM_RUN_MAX_RETRIES", "7")
	t.Setenv("AITEAM_OLLAMA_BASE_URL", "http://env-host:11434")
	t.Setenv("AITEAM_MODELS_DEFAULT", "mistral")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Run.MaxRetries)
	assert.Equal(t, "http://env-host:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "mistral", cfg.Models.Default)
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, home, "run:\n  max_retries: 5\n")
	require.NoError(t, os.Chmod(path, 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadRejectsPathOutsideAllowedDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("{}"), 0600))

	_, err := Load(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file must be in")
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := &Config{}
	cfg.Models.Default = "llama3.1"
	cfg.Workspace.PersistDir = "/tmp/runs"
	cfg.Run.CoverageThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Run.CoverageThreshold = 0.8
	cfg.Run.QualityThreshold = 11
	assert.Error(t, cfg.Validate())

	cfg.Run.QualityThreshold = 7
	cfg.Run.FeedbackDefault = "shrug"
	assert.Error(t, cfg.Validate())

	cfg.Run.FeedbackDefault = "abort"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresModelBinding(t *testing.T) {
	cfg := &Config{}
	cfg.Workspace.PersistDir = "/tmp/runs"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model bound")

	cfg.Models.Roles = map[string]string{}
	for _, role := range DeliveryRoles() {
		cfg.Models.Roles[role] = "llama3.1"
	}
	assert.NoError(t, cfg.Validate())
}

func TestRoleModelsResolved(t *testing.T) {
	cfg := &Config{}
	cfg.Models.Default = "llama3.1"
	cfg.Models.Roles = map[string]string{"backend_developer": "qwen2.5-coder"}

	table := cfg.RoleModels()
	assert.Len(t, table, len(DeliveryRoles()))
	assert.Equal(t, "qwen2.5-coder", table["backend_developer"])
	assert.Equal(t, "llama3.1", table["product_owner"])
}

func TestDangerousPatternsCompile(t *testing.T) {
	cfg := &Config{}
	cfg.Guardrails.DangerousPatterns = []PatternConfig{
		{ID: "raw-sql", Description: "string-built SQL", Pattern: `execute\s*\(\s*f?"`, Critical: true},
	}
	patterns, err := cfg.DangerousPatterns()
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.True(t, patterns[0].Pattern.MatchString(`cursor.execute(f"select {x}")`))

	cfg.Guardrails.DangerousPatterns[0].Pattern = "("
	_, err = cfg.DangerousPatterns()
	assert.Error(t, err)
}

func TestFlowOptionsConversion(t *testing.T) {
	cfg := &Config{}
	cfg.Models.Default = "llama3.1"
	cfg.Workspace.PersistDir = "/tmp/runs"
	cfg.Workspace.ExtraRoots = []string{"/srv/shared"}
	cfg.Run.MaxRetries = 4
	cfg.Run.CoverageThreshold = 0.85
	cfg.Run.FeedbackTimeout = 30 * time.Minute
	cfg.Guardrails.DependencyBlocklist = []string{"leftpad"}
	cfg.Memory.Enabled = true

	opts, err := cfg.FlowOptions()
	require.NoError(t, err)
	assert.Equal(t, 4, opts.MaxRetries)
	assert.InDelta(t, 0.85, opts.CoverageThreshold, 1e-9)
	assert.Equal(t, "/tmp/runs", opts.PersistDir)
	assert.Equal(t, []string{"/srv/shared"}, opts.WorkspaceRoots)
	assert.Equal(t, []string{"leftpad"}, opts.DependencyBlocklist)
	assert.Equal(t, 30*time.Minute, opts.FeedbackTimeout)
	assert.True(t, opts.MemoryEnabled)
	assert.Equal(t, "llama3.1", opts.RoleModels["devops"])
}
