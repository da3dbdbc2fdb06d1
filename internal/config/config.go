package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	ReportCacheTTL   time.Duration `mapstructure:"REPORT_CACHE_TTL"`
	KafkaBrokers     []string      `mapstructure:"-"`
	KafkaTopic       string        `mapstructure:"KAFKA_TOPIC"`
	CORSOrigins      []string      `mapstructure:"-"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AlertLowPercent  float64       `mapstructure:"ALERT_LOW_PERCENT"`
	AlertHighPercent float64       `mapstructure:"ALERT_HIGH_PERCENT"`
	AlertMaxCount    int           `mapstructure:"ALERT_MAX_COUNT"`
	TrendMaxMonths   int           `mapstructure:"TREND_MAX_MONTHS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REPORT_CACHE_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "ALERT_LOW_PERCENT", "ALERT_HIGH_PERCENT", "ALERT_MAX_COUNT",
	"TREND_MAX_MONTHS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REPORT_CACHE_TTL", "60s")
	v.SetDefault("KAFKA_TOPIC", "ctms.compliance")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ALERT_LOW_PERCENT", 80)
	v.SetDefault("ALERT_HIGH_PERCENT", 100)
	v.SetDefault("ALERT_MAX_COUNT", 10)
	v.SetDefault("TREND_MAX_MONTHS", 36)

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks value ranges that the compliance engine relies on.
func (c *Config) Validate() error {
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must be between 0 and DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.AlertLowPercent < 0 || c.AlertLowPercent > 100 {
		return fmt.Errorf("ALERT_LOW_PERCENT must be between 0 and 100, got %v", c.AlertLowPercent)
	}
	if c.AlertHighPercent < c.AlertLowPercent {
		return fmt.Errorf("ALERT_HIGH_PERCENT (%v) must not be below ALERT_LOW_PERCENT (%v)", c.AlertHighPercent, c.AlertLowPercent)
	}
	if c.AlertMaxCount <= 0 {
		return fmt.Errorf("ALERT_MAX_COUNT must be positive, got %d", c.AlertMaxCount)
	}
	if c.TrendMaxMonths <= 0 {
		return fmt.Errorf("TREND_MAX_MONTHS must be positive, got %d", c.TrendMaxMonths)
	}
	if c.RequestTimeout < 0 || c.ReportCacheTTL < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT and REPORT_CACHE_TTL must not be negative")
	}
	return nil
}
