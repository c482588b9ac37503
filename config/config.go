// Package config loads the tool's settings from a YAML file, WOREDA_STATS_*
// environment variables and command flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"woreda-stats/boundaries"
	"woreda-stats/earthengine"
	"woreda-stats/exporter"
	"woreda-stats/objectsync"
)

const EnvPrefix = "WOREDA_STATS"

type Config struct {
	EarthEngine EarthEngineConfig `mapstructure:"earthengine"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Export      ExportConfig      `mapstructure:"export"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	JobStore    JobStoreConfig    `mapstructure:"jobstore"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Workers     int               `mapstructure:"workers"`
}

type EarthEngineConfig struct {
	Project           string        `mapstructure:"project"`
	BaseURL           string        `mapstructure:"base_url"`
	AccessToken       string        `mapstructure:"access_token"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// ExportConfig is the export recipe; flags of the export command override it.
type ExportConfig struct {
	Collection   string   `mapstructure:"collection"`
	Reducer      string   `mapstructure:"reducer"`
	Scale        float64  `mapstructure:"scale"`
	Start        string   `mapstructure:"start"`
	End          string   `mapstructure:"end"`
	Bucket       string   `mapstructure:"bucket"`
	Folder       string   `mapstructure:"folder"`
	Prefix       string   `mapstructure:"prefix"`
	Bands        []string `mapstructure:"bands"`
	TileScale    float64  `mapstructure:"tile_scale"`
	MaxPixels    float64  `mapstructure:"max_pixels"`
	IDProperty   string   `mapstructure:"id_property"`
	NameProperty string   `mapstructure:"name_property"`
}

type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxRounds   int           `mapstructure:"max_rounds"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

type JobStoreConfig struct {
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	Addr     string `mapstructure:"addr"`
	Textfile string `mapstructure:"textfile"`
}

// SetDefaults registers every key so that environment variables are seen
// by Unmarshal even when no config file sets them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("earthengine.project", "")
	v.SetDefault("earthengine.base_url", earthengine.DefaultBaseURL)
	v.SetDefault("earthengine.access_token", "")
	v.SetDefault("earthengine.requests_per_second", 5.0)
	v.SetDefault("earthengine.burst", 1)
	v.SetDefault("earthengine.timeout", time.Minute)

	v.SetDefault("storage.endpoint", objectsync.DefaultEndpoint)
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.use_ssl", false)

	v.SetDefault("export.collection", "")
	v.SetDefault("export.reducer", earthengine.ReducerMean)
	v.SetDefault("export.scale", 0.0)
	v.SetDefault("export.start", "")
	v.SetDefault("export.end", "")
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.folder", "")
	v.SetDefault("export.prefix", "")
	v.SetDefault("export.bands", []string{})
	v.SetDefault("export.tile_scale", float64(exporter.DefaultTileScale))
	v.SetDefault("export.max_pixels", exporter.DefaultMaxPixels)
	v.SetDefault("export.id_property", boundaries.DefaultIDProperty)
	v.SetDefault("export.name_property", boundaries.DefaultNameProperty)

	v.SetDefault("monitor.interval", exporter.DefaultPollInterval)
	v.SetDefault("monitor.max_rounds", 0)
	v.SetDefault("monitor.max_duration", time.Duration(0))

	v.SetDefault("jobstore.path", "woreda-stats.db")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("workers", 8)
}

// BindEnv makes WOREDA_STATS_EARTHENGINE_PROJECT and friends visible to v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load unmarshals the settings held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &cfg, nil
}

// ValidateEarthEngine checks the settings needed to talk to the imagery backend.
func (c *Config) ValidateEarthEngine() error {
	var errs []error
	if c.EarthEngine.Project == "" {
		errs = append(errs, errors.New("earthengine.project is required"))
	}
	if c.EarthEngine.AccessToken == "" {
		errs = append(errs, fmt.Errorf("earthengine.access_token is required (or %s_EARTHENGINE_ACCESS_TOKEN)", EnvPrefix))
	}
	if !strings.HasPrefix(c.EarthEngine.BaseURL, "http://") && !strings.HasPrefix(c.EarthEngine.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("earthengine.base_url must start with http:// or https://, got %q", c.EarthEngine.BaseURL))
	}
	return errors.Join(errs...)
}

func (c *Config) EarthEngineClient() earthengine.ClientConfig {
	return earthengine.ClientConfig{
		BaseURL:           c.EarthEngine.BaseURL,
		Project:           c.EarthEngine.Project,
		AccessToken:       c.EarthEngine.AccessToken,
		Timeout:           c.EarthEngine.Timeout,
		RequestsPerSecond: c.EarthEngine.RequestsPerSecond,
		Burst:             c.EarthEngine.Burst,
	}
}

func (c *Config) ObjectStore() objectsync.StoreConfig {
	return objectsync.StoreConfig{
		Endpoint:        c.Storage.Endpoint,
		Region:          c.Storage.Region,
		AccessKeyID:     c.Storage.AccessKeyID,
		SecretAccessKey: c.Storage.SecretAccessKey,
		UseSSL:          c.Storage.UseSSL,
	}
}

func (c *Config) ExportRequest() exporter.ExportRequest {
	return exporter.ExportRequest{
		Collection: c.Export.Collection,
		Reducer:    c.Export.Reducer,
		Scale:      c.Export.Scale,
		Start:      c.Export.Start,
		End:        c.Export.End,
		Bucket:     c.Export.Bucket,
		Folder:     c.Export.Folder,
		Prefix:     c.Export.Prefix,
		Bands:      c.Export.Bands,
		TileScale:  c.Export.TileScale,
		MaxPixels:  c.Export.MaxPixels,
		Attributes: boundaries.Attributes{ID: c.Export.IDProperty, Name: c.Export.NameProperty},
	}
}

func (c *Config) NewMonitor(client exporter.StatusClient) *exporter.Monitor {
	return &exporter.Monitor{
		Client:      client,
		Interval:    c.Monitor.Interval,
		MaxRounds:   c.Monitor.MaxRounds,
		MaxDuration: c.Monitor.MaxDuration,
	}
}
