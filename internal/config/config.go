// Package config loads service settings from the environment, an optional
// .env file and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MEAL"

// Config holds every runtime setting of the API and its tools.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	PGDSN           string
	MenuFile        string
	LeadDays        int
	AuthSecret      string
	TokenTTL        time.Duration
	AdminKey        string
	RatePerSec      float64
	RateBurst       int
	KafkaBrokers    []string
	KafkaTopic      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("grpc_addr", ":9090")
	v.SetDefault("reservation_lead_days", 2)
	v.SetDefault("token_ttl", "15m")
	v.SetDefault("rate_per_sec", 50.0)
	v.SetDefault("rate_burst", 100)
	v.SetDefault("kafka_topic", "ledger.events")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "10s")
}

var keys = []string{
	"http_addr", "grpc_addr", "pg_dsn", "menu_file", "auth_secret", "token_ttl", "admin_key",
	"rate_per_sec", "rate_burst", "kafka_brokers", "kafka_topic", "log_level",
	"shutdown_timeout", "config_file",
}

// Load reads the configuration. envFile names a dotenv file to merge into
// the process environment; a missing file is not an error. Existing
// environment variables win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	defaults(v)
	for _, k := range keys {
		if err := v.BindEnv(k, envPrefix+"_"+strings.ToUpper(k)); err != nil {
			return Config{}, err
		}
	}
	// The lead time is also honoured under its historical unprefixed name.
	if err := v.BindEnv("reservation_lead_days", envPrefix+"_RESERVATION_LEAD_DAYS", "RESERVATION_LEAD_DAYS"); err != nil {
		return Config{}, err
	}

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		HTTPAddr:        v.GetString("http_addr"),
		GRPCAddr:        v.GetString("grpc_addr"),
		PGDSN:           v.GetString("pg_dsn"),
		MenuFile:        v.GetString("menu_file"),
		LeadDays:        v.GetInt("reservation_lead_days"),
		AuthSecret:      v.GetString("auth_secret"),
		TokenTTL:        v.GetDuration("token_ttl"),
		AdminKey:        v.GetString("admin_key"),
		RatePerSec:      v.GetFloat64("rate_per_sec"),
		RateBurst:       v.GetInt("rate_burst"),
		KafkaBrokers:    splitList(v.GetString("kafka_brokers")),
		KafkaTopic:      v.GetString("kafka_topic"),
		LogLevel:        v.GetString("log_level"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.LeadDays < 0 {
		errs = append(errs, fmt.Errorf("reservation lead days must be >= 0, got %d", c.LeadDays))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.RatePerSec <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit settings must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
