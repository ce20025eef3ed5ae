package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grader service.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	DatabaseURL      string
	RedisURL         string
	NATSURL          string
	JWTSecret        string
	JWTRefreshSecret string
	AIProvider       string
	AIModel          string
	AIBaseURL        string
	OpenAIAPIKey     string
	EventChannelBase string

	GradingConcurrency int
	GradingStagger     time.Duration
	CoalesceWindow     time.Duration
	SessionTimeout     time.Duration
	ProgressCacheTTL   time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("event.channel", "gema:events")
	v.SetDefault("grading.concurrency", 3)
	v.SetDefault("grading.stagger", "250ms")
	v.SetDefault("grading.coalesce_window", "150ms")
	v.SetDefault("grading.session_timeout", "4m")
	v.SetDefault("grading.progress_cache_ttl", "1h")

	stagger, err := time.ParseDuration(v.GetString("grading.stagger"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading stagger: %w", err)
	}

	coalesce, err := time.ParseDuration(v.GetString("grading.coalesce_window"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading coalesce window: %w", err)
	}

	sessionTimeout, err := time.ParseDuration(v.GetString("grading.session_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading session timeout: %w", err)
	}

	progressTTL, err := time.ParseDuration(v.GetString("grading.progress_cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading progress cache ttl: %w", err)
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		DatabaseURL:        v.GetString("database.url"),
		RedisURL:           v.GetString("redis.url"),
		NATSURL:            v.GetString("nats.url"),
		JWTSecret:          v.GetString("jwt.secret"),
		JWTRefreshSecret:   v.GetString("jwt.refresh_secret"),
		AIProvider:         strings.ToLower(v.GetString("ai.provider")),
		AIModel:            v.GetString("ai.model"),
		AIBaseURL:          v.GetString("ai.base_url"),
		OpenAIAPIKey:       v.GetString("openai_api_key"),
		EventChannelBase:   v.GetString("event.channel"),
		GradingConcurrency: v.GetInt("grading.concurrency"),
		GradingStagger:     stagger,
		CoalesceWindow:     coalesce,
		SessionTimeout:     sessionTimeout,
		ProgressCacheTTL:   progressTTL,
	}

	if cfg.JWTSecret == "" || cfg.JWTRefreshSecret == "" {
		return Config{}, fmt.Errorf("jwt secrets must be provided")
	}

	if cfg.GradingConcurrency <= 0 {
		cfg.GradingConcurrency = 3
	}

	return cfg, nil
}
