// vidnet/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE"`

	YtdlpBin      string `mapstructure:"YTDLP_BIN"`
	FFBin         string `mapstructure:"FF_BIN"`
	YtdlpExtraRaw string `mapstructure:"YTDLP_EXTRA_ARGS"`

	DownloadsDir    string        `mapstructure:"DOWNLOADS_DIR"`
	MaxConcurrency  int           `mapstructure:"MAX_CONCURRENCY"`
	QueueSize       int           `mapstructure:"QUEUE_SIZE"`
	ExtractTimeout  time.Duration `mapstructure:"EXTRACT_TIMEOUT"`
	MetadataTimeout time.Duration `mapstructure:"METADATA_TIMEOUT"`

	FileTTL          time.Duration `mapstructure:"FILE_TTL"`
	TaskTTLGrace     time.Duration `mapstructure:"TASK_TTL_GRACE"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	MetadataCacheTTL time.Duration `mapstructure:"METADATA_CACHE_TTL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK"`
}

// TaskTTL is how long task status stays queryable in the cache. It extends
// past the file TTL so clients can still poll after the file expired.
func (c *Config) TaskTTL() time.Duration {
	return c.FileTTL + c.TaskTTLGrace
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	// Set default values as strings, the hooks will handle them.
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("YTDLP_EXTRA_ARGS", "")
	vp.SetDefault("DOWNLOADS_DIR", "downloads")
	vp.SetDefault("MAX_CONCURRENCY", 5)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("EXTRACT_TIMEOUT", "15m")
	vp.SetDefault("METADATA_TIMEOUT", "30s")
	vp.SetDefault("FILE_TTL", "30m")
	vp.SetDefault("TASK_TTL_GRACE", "10m")
	vp.SetDefault("SWEEP_INTERVAL", "5m")
	vp.SetDefault("METADATA_CACHE_TTL", "1h")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)
	vp.SetDefault("RATE_LIMIT_RPS", 10.0)
	vp.SetDefault("RATE_LIMIT_BURST", 20)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")

	// Load from config file
	vp.SetConfigName("vidnet_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/vidnet/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("VIDNET")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
