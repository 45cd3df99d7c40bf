package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/catalog"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "memory", cfg.Recorder.Backend)
	require.False(t, cfg.Compute.AllowOfflineFallback)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
attestation:
  endpoint: https://verifier.example
compute:
  datasetId: did:op:dataset
  algorithmId: did:op:algo
  pollInterval: 250ms
timeouts:
  job: 10m
  attestation: 1m
  compute: 8m
retry:
  maxRetries: 5
recorder:
  backend: sqlite
  sqlitePath: /tmp/records.db
`), 0o600))

	t.Setenv("AGENT_RETRY_MAX", "1")
	t.Setenv("AGENT_COMPUTE_ALLOW_OFFLINE_FALLBACK", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://verifier.example", cfg.Attestation.Endpoint)
	require.Equal(t, 250*time.Millisecond, cfg.Compute.PollInterval)
	require.Equal(t, 10*time.Minute, cfg.Timeouts.Job)
	require.Equal(t, 1, cfg.Retry.MaxRetries)
	require.True(t, cfg.Compute.AllowOfflineFallback)
	require.Equal(t, "sqlite", cfg.Recorder.Backend)
	// untouched keys keep their defaults
	require.Equal(t, "default", cfg.Compute.Namespace)
	require.Equal(t, 2*time.Second, cfg.Retry.Delay)
}

func TestValidateRejectsOverlappingBudgets(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Job = 5 * time.Minute
	cfg.Timeouts.Attestation = 2 * time.Minute
	cfg.Timeouts.Compute = 3 * time.Minute

	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, catalog.HasCode(err, catalog.InvalidTimeoutConfig))
}

func TestValidateBackends(t *testing.T) {
	cfg := Default()
	cfg.Recorder.Backend = "minio"
	require.Error(t, cfg.Validate())

	cfg.Recorder.MinIO.Endpoint = "localhost:9000"
	require.NoError(t, cfg.Validate())

	cfg.Recorder.Backend = "etcd"
	require.Error(t, cfg.Validate())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"AGENT_TIMEOUT_JOB": "soon",
		"AGENT_RETRY_MAX":   "x",
		"AGENT_VERBOSE":     "true",
	}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.ErrorContains(t, err, "AGENT_TIMEOUT_JOB")
	require.ErrorContains(t, err, "AGENT_RETRY_MAX")
	require.True(t, cfg.Verbose)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
