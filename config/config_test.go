package config

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoSource(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":8443", cfg.BindAddress)
	assert.Equal(t, 10000, cfg.QueueCapacity)
	assert.Equal(t, 3600, cfg.DedupTTLSeconds)
}

func TestLoadFromLocalYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "aimesh-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("bind_address: \":9000\"\nqueue_capacity: 500\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name(), nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.BindAddress)
	assert.Equal(t, 500, cfg.QueueCapacity)
}

func TestLoadFromRemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Write([]byte("bind_address: \":9100\"\n"))
	}))
	defer srv.Close()

	t.Setenv("CONFIG_TOKEN", "secret")
	cfg, err := Load(srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.BindAddress)
}

func TestEnvironmentOverridesYAML(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "aimesh-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("queue_capacity: 500\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv("QUEUE_CAPACITY", "750")
	cfg, err := Load(f.Name(), nil)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.QueueCapacity)
}

func TestDedupTTLAndShutdownGraceHelpers(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 3600, int(cfg.DedupTTL().Seconds()))
	assert.Equal(t, 30, int(cfg.ShutdownGrace().Seconds()))
}

func TestTracingDefaultsAndOverrides(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.TracingEndpoint)
	assert.Equal(t, 0.1, cfg.TracingSampleRatio)

	t.Setenv("TRACING_ENDPOINT", "collector:4318")
	t.Setenv("TRACING_INSECURE", "true")
	t.Setenv("TRACING_SAMPLE_RATIO", "1")
	cfg, err = Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "collector:4318", cfg.TracingEndpoint)
	assert.True(t, cfg.TracingInsecure)
	assert.Equal(t, 1.0, cfg.TracingSampleRatio)
}
