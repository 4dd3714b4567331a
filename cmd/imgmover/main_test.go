package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringSliceFlag_AccumulatesAndJoins(t *testing.T) {
	var s stringSliceFlag
	require.NoError(t, s.Set("docker.io"))
	require.NoError(t, s.Set("ghcr.io"))
	require.Equal(t, "docker.io,ghcr.io", s.String())
}

func TestBaseConfig_ReadsEnvironment(t *testing.T) {
	t.Setenv("IMGMOVER_CACHE_DIR", "/tmp/custom-cache")
	t.Setenv("IMGMOVER_CONCURRENCY", "3")
	t.Setenv("IMGMOVER_REGISTRY_USER", "alice")
	t.Setenv("IMGMOVER_REGISTRY_PASS", "hunter2")
	t.Setenv("IMGMOVER_REGISTRY_HOST", "registry.example.com")

	cfg := baseConfig()
	require.Equal(t, "/tmp/custom-cache", cfg.CacheDir)
	require.Equal(t, 3, cfg.Concurrency)
	require.Equal(t, "alice", cfg.Credentials["registry.example.com"].Username)
	require.Equal(t, "hunter2", cfg.Credentials["registry.example.com"].Password)
}

func TestBaseConfig_NoCredentialsWithoutUser(t *testing.T) {
	cfg := baseConfig()
	require.Empty(t, cfg.Credentials)
}
