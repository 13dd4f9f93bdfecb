package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 0.50, cfg.PricePerImage)
	assert.Equal(t, 2, cfg.MinutesPerImage)
	assert.Equal(t, []string{"glovoapp.com"}, cfg.AllowedCatalogHosts)
	assert.Equal(t, 24*60*60.0, cfg.CatalogMaxAge().Seconds())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9090"
database_driver: postgres
database_url: postgres://u:p@localhost:5432/jobs
price_per_image: 1.25
allowed_catalog_hosts: [glovoapp.com, example.org]
pending_max_limit: 20
`), 0o644))

	t.Setenv("MINUTES_PER_IMAGE", "3")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 1.25, cfg.PricePerImage)
	assert.Equal(t, 3, cfg.MinutesPerImage)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"glovoapp.com", "example.org"}, cfg.AllowedCatalogHosts)
	assert.Equal(t, 20, cfg.PendingMaxLimit)
	assert.Equal(t, 5, cfg.PendingDefaultLimit)
}

func TestLoadConfig_Invalid(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("database_driver: mysql\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("database_driver: postgres\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	t.Setenv("PRICE_PER_IMAGE", "cheap")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

// chdir stands in for testing.T.Chdir (Go 1.24+): it switches the working
// directory for the duration of the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
