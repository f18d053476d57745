package main

import (
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-query-cache/cache"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Settings is the YAML file read by --config. The cache section uses the
// same keys as cache.Config.
type Settings struct {
	Database DatabaseSettings `yaml:"database"`
	Redis    RedisSettings    `yaml:"redis"`
	Cache    cache.Config     `yaml:"cache"`
}

type DatabaseSettings struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisSettings enables the Redis change transport when Addr is set.
type RedisSettings struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

func DefaultSettings() Settings {
	return Settings{
		Database: DatabaseSettings{
			Driver: driverSQLite,
			DSN:    "file:querycache.db?cache=shared",
		},
		Cache: cache.DefaultConfig(),
	}
}

func (s Settings) Validate() error {
	err := validation.ValidateStruct(&s.Database,
		validation.Field(&s.Database.Driver, validation.Required, validation.In(driverSQLite, driverPostgres)),
		validation.Field(&s.Database.DSN, validation.Required),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid database settings")
	}
	err = validation.ValidateStruct(&s.Redis,
		validation.Field(&s.Redis.DB, validation.Min(0)),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid redis settings")
	}
	return s.Cache.Validate()
}

// ParseSettings reads YAML on top of DefaultSettings.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to parse settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadSettings reads path, or returns the defaults when path is empty.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		s := DefaultSettings()
		return s, s.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read settings").
			WithMetadata(map[string]any{"path": path})
	}
	return ParseSettings(data)
}
