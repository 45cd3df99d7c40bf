package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/adapters/ipfs"
	"c2dagent/internal/config"
	"c2dagent/internal/logging"
	"c2dagent/internal/recorder"
)

func TestLoadCriteriaYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "criteria.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
requireAge:
  minimumAge: 21
requireResidency:
  allowedCountries: [US, CA]
requireIdentity:
  requireHuman: true
  maxRiskScore: 40
`), 0o600))

	c, err := loadCriteria(path)
	require.NoError(t, err)
	require.Equal(t, 21, c.Age.MinimumAge)
	require.Equal(t, []string{"US", "CA"}, c.Residency.AllowedCountries)
	require.Nil(t, c.Residency.BlockedCountries)
	require.True(t, c.Identity.RequireHuman)
	require.Nil(t, c.Role)

	empty, err := loadCriteria("")
	require.NoError(t, err)
	require.Nil(t, empty.Age)
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()

	s, err := openStore(ctx, config.RecorderConfig{Backend: "memory"})
	require.NoError(t, err)
	require.IsType(t, &recorder.MemoryStore{}, s)

	s, err = openStore(ctx, config.RecorderConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "a.db")})
	require.NoError(t, err)
	require.IsType(t, &recorder.SQLiteStore{}, s)
	require.NoError(t, s.Close())
}

func TestAttestationServiceSelection(t *testing.T) {
	_, err := newAttestationService(config.AttestationConfig{}, logging.Discard)
	require.Error(t, err)

	svc, err := newAttestationService(config.AttestationConfig{Endpoint: "https://verifier.example", Credential: "k"}, logging.Discard)
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func TestFetcherSelection(t *testing.T) {
	f, err := newFetcher(config.ComputeConfig{AssetMirror: t.TempDir()}, logging.Discard)
	require.NoError(t, err)
	require.IsType(t, &ipfs.MirrorClient{}, f)

	f, err = newFetcher(config.ComputeConfig{AssetGateway: "https://ipfs.example"}, logging.Discard)
	require.NoError(t, err)
	require.IsType(t, &ipfs.GatewayClient{}, f)
}
