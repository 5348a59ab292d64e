package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the netstore CLI configuration.
// Use mapstructure tags for Viper unmarshaling.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Cookies CookiesConfig `mapstructure:"cookies"`
	Log     LogConfig     `mapstructure:"log"`
}

// CacheConfig holds disk cache settings.
type CacheConfig struct {
	Dir     string `mapstructure:"dir"`
	Workers int    `mapstructure:"workers"`
}

// CookiesConfig holds cookie jar settings. Redis is used when Redis.Addr is
// set, the file otherwise.
type CookiesConfig struct {
	File            string        `mapstructure:"file"`
	AccessThreshold time.Duration `mapstructure:"access-threshold"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds the connection settings of a Redis cookie store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LogConfig holds log file rotation settings.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max-size"`
	MaxBackups int    `mapstructure:"max-backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) error {
	cacheDir, err := CacheDir()
	if err != nil {
		return err
	}
	cookieFile, err := CookieFile()
	if err != nil {
		return err
	}
	v.SetDefault("cache.dir", cacheDir)
	v.SetDefault("cache.workers", 0)
	v.SetDefault("cookies.file", cookieFile)
	v.SetDefault("cookies.access-threshold", "60s")
	v.SetDefault("cookies.redis.prefix", "netstore")
	v.SetDefault("log.max-size", 10)
	v.SetDefault("log.max-backups", 3)
	return nil
}

// Load decodes the effective configuration from v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}
	if err := v.Unmarshal(&cfg, decoderOpt); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
