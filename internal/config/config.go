package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`

	AuthMode  string `mapstructure:"auth_mode"`
	JWTSecret string `mapstructure:"jwt_secret"`

	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads one yaml file. A missing file is not an error; RELAY_*
// environment variables override both file and defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("secret", "")
	v.SetDefault("auth_mode", "jwt")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("rate_limit", 50)
	v.SetDefault("rate_interval", "1s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod <= 0 || cfg.WriteWait <= 0 {
		return nil, fmt.Errorf("ping_period and write_wait must be positive")
	}
	if cfg.PongWait <= cfg.PingPeriod {
		return nil, fmt.Errorf("pong_wait (%s) must exceed ping_period (%s)", cfg.PongWait, cfg.PingPeriod)
	}
	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("send_buffer must be positive, got %d", cfg.SendBuffer)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("auth", cfg.AuthMode).Msg("config ready")
	return &cfg, nil
}
