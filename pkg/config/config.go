package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	// Orchestration settings.
	TemplatesRoot    string        `mapstructure:"TEMPLATES_ROOT" validate:"required"`
	WorkspaceRoot    string        `mapstructure:"WORKSPACE_ROOT"`
	TerraformBin     string        `mapstructure:"TERRAFORM_BIN"`
	PhaseTimeout     time.Duration `mapstructure:"PHASE_TIMEOUT" validate:"required"`
	CancelGrace      time.Duration `mapstructure:"CANCEL_GRACE_PERIOD" validate:"required"`
	RetainWorkspaces bool          `mapstructure:"RETAIN_WORKSPACES"`
	DeployMaxRetry   int           `mapstructure:"DEPLOY_MAX_RETRY" validate:"gte=0,lte=25"`

	// Cloud credential pass-through. Terraform reads most credentials from
	// the process environment; these are only the identifiers the engine
	// itself needs to resolve a ProviderContext.
	AWSRegion           string `mapstructure:"AWS_REGION"`
	AzureSubscriptionID string `mapstructure:"AZURE_SUBSCRIPTION_ID"`
	GoogleProjectID     string `mapstructure:"GOOGLE_PROJECT_ID"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("TEMPLATES_ROOT", "./templates")
	v.SetDefault("WORKSPACE_ROOT", "")
	v.SetDefault("TERRAFORM_BIN", "")
	v.SetDefault("PHASE_TIMEOUT", "1h")
	v.SetDefault("CANCEL_GRACE_PERIOD", "30s")
	v.SetDefault("RETAIN_WORKSPACES", false)
	v.SetDefault("DEPLOY_MAX_RETRY", 5)
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"TEMPLATES_ROOT",
		"WORKSPACE_ROOT",
		"TERRAFORM_BIN",
		"PHASE_TIMEOUT",
		"CANCEL_GRACE_PERIOD",
		"RETAIN_WORKSPACES",
		"DEPLOY_MAX_RETRY",
		"AWS_REGION",
		"AZURE_SUBSCRIPTION_ID",
		"GOOGLE_PROJECT_ID",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	for _, d := range []struct {
		key  string
		dest *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"PHASE_TIMEOUT", &c.PhaseTimeout},
		{"CANCEL_GRACE_PERIOD", &c.CancelGrace},
	} {
		if s := v.GetString(d.key); s != "" {
			parsed, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dest = parsed
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
