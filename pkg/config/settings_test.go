package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/govframe/pkg/engine"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, 5, s.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, s.Retry.Interval)
	assert.Equal(t, 10, s.AccountPoll.MaxAttempts)
	assert.Equal(t, 20*time.Second, s.AccountPoll.Interval)
	assert.Equal(t, 4*time.Hour, s.Timeouts.Deploy)
	assert.Equal(t, ArtifactBackendMemory, s.Artifacts.Backend)
	assert.Equal(t, DeployModeRunner, s.DeployMode)
	assert.NoError(t, s.Validate())
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "govframe.yaml")
	content := `
store_path: /var/lib/govframe/runs.db
aws:
  region: us-gov-east-1
  profile: framework
artifacts:
  backend: dir
  dir: /var/lib/govframe/outputs
retry:
  interval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("GOVFRAME_PARALLELISM", "4")
	t.Setenv("GOVFRAME_RETRY_MAX_ATTEMPTS", "3")

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/govframe/runs.db", s.StorePath)
	assert.Equal(t, "us-gov-east-1", s.AWS.Region)
	assert.Equal(t, "framework", s.AWS.Profile)
	assert.Equal(t, ArtifactBackendDir, s.Artifacts.Backend)
	assert.Equal(t, 2*time.Second, s.Retry.Interval)
	assert.Equal(t, 3, s.Retry.MaxAttempts)
	assert.Equal(t, 4, s.Parallelism)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"sns without topic", "notifications:\n  sink: sns\n"},
		{"dir backend without dir", "artifacts:\n  backend: dir\n"},
		{"unknown backend", "artifacts:\n  backend: gcs\n"},
		{"zero parallelism", "parallelism: 0\n"},
		{"bad deploy mode", "deploy_mode: lambda\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "govframe.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := LoadSettings(path)
			require.Error(t, err)
			assert.True(t, engine.IsConfiguration(err), "expected configuration error, got %v", err)
		})
	}
}

func TestLoadSettings_MissingExplicitFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
