package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"woreda-stats/config"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)
	if yaml != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	}
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "https://earthengine.googleapis.com", cfg.EarthEngine.BaseURL)
	assert.Equal(t, time.Minute, cfg.EarthEngine.Timeout)
	assert.Equal(t, "https://storage.googleapis.com", cfg.Storage.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, "mean", cfg.Export.Reducer)
	assert.Equal(t, "Woreda_ID", cfg.Export.IDProperty)
	assert.Equal(t, 1e13, cfg.ExportRequest().MaxPixels)
	assert.Equal(t, "woreda-stats.db", cfg.JobStore.Path)
	assert.Equal(t, 8, cfg.Workers)
}

func TestLoad_File(t *testing.T) {
	cfg, err := config.Load(newViper(t, `
earthengine:
  project: ee-woredas
  access_token: ya29.token
  requests_per_second: 2.5
storage:
  access_key_id: GOOG1EXAMPLE
  secret_access_key: secret
export:
  collection: COPERNICUS/S2_SR_HARMONIZED
  scale: 10
  start: "2023-01-01"
  end: "2023-02-01"
  bucket: coffee-exports
  folder: s2
  bands: [B4, B8]
  max_pixels: 1e9
monitor:
  interval: 1m
  max_duration: 6h
`))
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateEarthEngine())

	ee := cfg.EarthEngineClient()
	assert.Equal(t, "ee-woredas", ee.Project)
	assert.Equal(t, 2.5, ee.RequestsPerSecond)

	store := cfg.ObjectStore()
	assert.Equal(t, "GOOG1EXAMPLE", store.AccessKeyID)

	req := cfg.ExportRequest()
	assert.Equal(t, "COPERNICUS/S2_SR_HARMONIZED", req.Collection)
	assert.Equal(t, 10.0, req.Scale)
	assert.Equal(t, []string{"B4", "B8"}, req.Bands)
	assert.Equal(t, 1e9, req.MaxPixels)
	assert.Equal(t, "Woreda Name", req.Attributes.Name)
	require.NoError(t, req.Validate())

	mon := cfg.NewMonitor(nil)
	assert.Equal(t, time.Minute, mon.Interval)
	assert.Equal(t, 6*time.Hour, mon.MaxDuration)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("WOREDA_STATS_EARTHENGINE_PROJECT", "from-env")
	t.Setenv("WOREDA_STATS_WORKERS", "3")
	t.Setenv("WOREDA_STATS_EXPORT_MAX_PIXELS", "5e8")

	cfg, err := config.Load(newViper(t, "earthengine:\n  project: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.EarthEngine.Project)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 5e8, cfg.Export.MaxPixels)
}

func TestValidateEarthEngine(t *testing.T) {
	cfg, err := config.Load(newViper(t, "earthengine:\n  base_url: earthengine.googleapis.com\n"))
	require.NoError(t, err)

	err = cfg.ValidateEarthEngine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "earthengine.project")
	assert.Contains(t, err.Error(), "access_token")
	assert.Contains(t, err.Error(), "base_url")
}
