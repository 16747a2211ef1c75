package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	ALS      ALSConfig      `yaml:"als" mapstructure:"als"`
	Geocode  GeocodeConfig  `yaml:"geocode" mapstructure:"geocode"`
	Borders  BordersConfig  `yaml:"borders" mapstructure:"borders"`
	Verify   VerifyConfig   `yaml:"verify" mapstructure:"verify"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ALSConfig holds the location-service client settings.
type ALSConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GeocodeConfig holds the reverse geocoding client settings.
type GeocodeConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BordersConfig points at the admin-0 country border shapefile.
type BordersConfig struct {
	ShapefilePath string `yaml:"shapefile_path" mapstructure:"shapefile_path"`
}

// VerifyConfig configures the pipeline runners.
type VerifyConfig struct {
	Mode                string `yaml:"mode" mapstructure:"mode"`
	AttemptTimeoutSecs  int    `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	IdleBackoffMillis   int    `yaml:"idle_backoff_millis" mapstructure:"idle_backoff_millis"`
	ImportBackoffMillis int    `yaml:"import_backoff_millis" mapstructure:"import_backoff_millis"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CELLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "cellwatch.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("als.base_url", "https://gs-loc.apple.com/clls/wloc")
	v.SetDefault("als.rate_per_sec", 2)
	v.SetDefault("als.timeout_secs", 15)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.rate_per_sec", 1)
	v.SetDefault("geocode.timeout_secs", 15)
	v.SetDefault("borders.shapefile_path", "data/borders.shp")
	v.SetDefault("verify.mode", "live")
	v.SetDefault("verify.attempt_timeout_secs", 10)
	v.SetDefault("verify.idle_backoff_millis", 500)
	v.SetDefault("verify.import_backoff_millis", 1000)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	switch mode {
	case "verify":
		if c.Verify.Mode != "live" && c.Verify.Mode != "analysis" {
			problems = append(problems, "verify.mode must be live or analysis")
		}
		if c.Verify.AttemptTimeoutSecs <= 0 {
			problems = append(problems, "verify.attempt_timeout_secs must be > 0")
		}
		if c.ALS.BaseURL == "" {
			problems = append(problems, "als.base_url is required")
		}
		if c.Geocode.BaseURL == "" {
			problems = append(problems, "geocode.base_url is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "store":
		// Store checks above are enough.
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
