package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Environment string `validate:"oneof=development production"`

	// RedisURL backs both the state store and the event bus when either
	// selects the redis backend.
	RedisURL string

	Log        LogConfig
	State      StateConfig
	Events     EventsConfig
	Resilience ResilienceConfig
	Emergency  EmergencyConfig
	WebSocket  WebSocketConfig
	Scheduler  SchedulerConfig
	Metrics    MetricsConfig
}

type LogConfig struct {
	Format string `validate:"oneof=console json"`
	Level  string `validate:"required"`
}

type StateConfig struct {
	Backend string `validate:"oneof=memory redis"`
}

type EventsConfig struct {
	Backend string `validate:"oneof=memory redis"`
	// QueueCapacity bounds each subscriber's delivery queue.
	QueueCapacity int `validate:"gt=0"`
}

type ResilienceConfig struct {
	RetryMaxAttempts        int           `validate:"gte=1"`
	RetryMinWait            time.Duration `validate:"gt=0"`
	RetryMaxWait            time.Duration `validate:"gt=0"`
	RetryMultiplier         float64       `validate:"gte=1"`
	CircuitFailureThreshold int           `validate:"gt=0"`
	CircuitRecoveryTimeout  time.Duration `validate:"gt=0"`
	CircuitHalfOpenMaxCalls int           `validate:"gt=0"`
	DefaultNodeTimeout      time.Duration `validate:"gt=0"`
}

type EmergencyConfig struct {
	// DailyLossLimit is a loss floor, always negative.
	DailyLossLimit     float64 `validate:"lt=0"`
	MaxPositionSize    float64 `validate:"gt=0"`
	MaxDrawdownPercent float64 `validate:"gt=0"`
	PersistState       bool
}

type WebSocketConfig struct {
	Host                 string
	Port                 int `validate:"gt=0,lte=65535"`
	AuthToken            string
	RequireAuth          bool
	RecentEventsCapacity int `validate:"gt=0"`
	CORSAllowedOrigins   []string
}

func (c *WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SchedulerConfig struct {
	Enabled bool
}

type MetricsConfig struct {
	// Addr enables the Prometheus exposition listener when non-empty.
	Addr string
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Load reads an optional config.yaml plus environment variables (flat
// option names, e.g. STATE_BACKEND) and validates the result. A
// *ValidationError is returned when any option is missing or out of range.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	env := v.GetString("environment")
	if env == "" {
		env = EnvDevelopment
	}
	setDefaults(v, env)

	cfg := fromViper(v, env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the per-environment defaults without consulting files or
// environment variables. Embedders that assemble infrastructure in code
// start from this and override what they need.
func Default(env string) *Config {
	if env == "" {
		env = EnvDevelopment
	}
	v := viper.New()
	setDefaults(v, env)
	return fromViper(v, env)
}

func fromViper(v *viper.Viper, env string) *Config {
	var cfg Config
	cfg.Environment = env
	cfg.RedisURL = v.GetString("redis_url")

	cfg.Log.Format = v.GetString("log_format")
	cfg.Log.Level = v.GetString("log_level")

	cfg.State.Backend = v.GetString("state_backend")
	cfg.Events.Backend = v.GetString("events_backend")
	cfg.Events.QueueCapacity = v.GetInt("events_queue_capacity")

	cfg.Resilience.RetryMaxAttempts = v.GetInt("retry_max_attempts")
	cfg.Resilience.RetryMinWait = secondsDuration(v.GetFloat64("retry_min_wait_seconds"))
	cfg.Resilience.RetryMaxWait = secondsDuration(v.GetFloat64("retry_max_wait_seconds"))
	cfg.Resilience.RetryMultiplier = v.GetFloat64("retry_multiplier")
	cfg.Resilience.CircuitFailureThreshold = v.GetInt("circuit_failure_threshold")
	cfg.Resilience.CircuitRecoveryTimeout = secondsDuration(v.GetFloat64("circuit_recovery_timeout_seconds"))
	cfg.Resilience.CircuitHalfOpenMaxCalls = v.GetInt("circuit_half_open_max_calls")
	cfg.Resilience.DefaultNodeTimeout = secondsDuration(v.GetFloat64("default_node_timeout_seconds"))

	cfg.Emergency.DailyLossLimit = v.GetFloat64("daily_loss_limit")
	cfg.Emergency.MaxPositionSize = v.GetFloat64("max_position_size")
	cfg.Emergency.MaxDrawdownPercent = v.GetFloat64("max_drawdown_percent")
	cfg.Emergency.PersistState = v.GetBool("persist_state")

	cfg.WebSocket.Host = v.GetString("ws_host")
	cfg.WebSocket.Port = v.GetInt("ws_port")
	cfg.WebSocket.AuthToken = v.GetString("auth_token")
	cfg.WebSocket.RequireAuth = v.GetBool("require_auth")
	cfg.WebSocket.RecentEventsCapacity = v.GetInt("recent_events_capacity")
	cfg.WebSocket.CORSAllowedOrigins = splitOrigins(v.GetString("cors_allowed_origins"))

	cfg.Scheduler.Enabled = v.GetBool("scheduler_enabled")
	cfg.Metrics.Addr = v.GetString("metrics_addr")

	return &cfg
}

func setDefaults(v *viper.Viper, env string) {
	v.SetDefault("state_backend", BackendMemory)
	v.SetDefault("events_backend", BackendMemory)
	v.SetDefault("events_queue_capacity", 1024)
	v.SetDefault("redis_url", "")

	v.SetDefault("retry_min_wait_seconds", 1.0)
	v.SetDefault("retry_max_wait_seconds", 30.0)
	v.SetDefault("retry_multiplier", 2.0)
	v.SetDefault("circuit_recovery_timeout_seconds", 60.0)
	v.SetDefault("circuit_half_open_max_calls", 3)
	v.SetDefault("default_node_timeout_seconds", 30.0)

	v.SetDefault("daily_loss_limit", -1000.0)
	v.SetDefault("max_position_size", 10000.0)
	v.SetDefault("max_drawdown_percent", 20.0)
	v.SetDefault("persist_state", false)

	v.SetDefault("ws_host", "0.0.0.0")
	v.SetDefault("ws_port", 8765)
	v.SetDefault("auth_token", "")
	v.SetDefault("require_auth", false)
	v.SetDefault("recent_events_capacity", 100)

	v.SetDefault("scheduler_enabled", false)
	v.SetDefault("metrics_addr", "")

	if env == EnvProduction {
		v.SetDefault("log_format", "json")
		v.SetDefault("log_level", "info")
		v.SetDefault("retry_max_attempts", 3)
		v.SetDefault("circuit_failure_threshold", 10)
		v.SetDefault("cors_allowed_origins", "")
	} else {
		v.SetDefault("log_format", "console")
		v.SetDefault("log_level", "debug")
		v.SetDefault("retry_max_attempts", 2)
		v.SetDefault("circuit_failure_threshold", 5)
		v.SetDefault("cors_allowed_origins", "*")
	}
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

var validate = validator.New()

// Validate checks presence and ranges, collecting every violation into a
// single *ValidationError rather than stopping at the first.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				verr.add(optionKey(fe.Namespace()), violationMessage(fe))
			}
		} else {
			return fmt.Errorf("config validation: %w", err)
		}
	}

	if (c.State.Backend == BackendRedis || c.Events.Backend == BackendRedis) && c.RedisURL == "" {
		verr.add("redis_url", "required when a redis backend is selected")
	}
	if c.WebSocket.RequireAuth && c.WebSocket.AuthToken == "" {
		verr.add("auth_token", "required when require_auth is true")
	}
	if c.IsProduction() && len(c.WebSocket.CORSAllowedOrigins) == 0 {
		verr.add("cors_allowed_origins", "production requires an explicit origin list")
	}
	if c.Resilience.RetryMaxWait < c.Resilience.RetryMinWait {
		verr.add("retry_max_wait_seconds", "must be >= retry_min_wait_seconds")
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

// ValidationError aggregates every invalid option found during Load.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) add(option, msg string) {
	e.Problems = append(e.Problems, option+": "+msg)
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// optionKey maps a validator namespace (Config.Resilience.RetryMultiplier)
// back to the flat option name users set (retry_multiplier).
func optionKey(namespace string) string {
	if key, ok := optionKeys[namespace]; ok {
		return key
	}
	return strings.ToLower(namespace)
}

var optionKeys = map[string]string{
	"Config.Environment":                        "environment",
	"Config.Log.Format":                         "log_format",
	"Config.Log.Level":                          "log_level",
	"Config.State.Backend":                      "state_backend",
	"Config.Events.Backend":                     "events_backend",
	"Config.Events.QueueCapacity":               "events_queue_capacity",
	"Config.Resilience.RetryMaxAttempts":        "retry_max_attempts",
	"Config.Resilience.RetryMinWait":            "retry_min_wait_seconds",
	"Config.Resilience.RetryMaxWait":            "retry_max_wait_seconds",
	"Config.Resilience.RetryMultiplier":         "retry_multiplier",
	"Config.Resilience.CircuitFailureThreshold": "circuit_failure_threshold",
	"Config.Resilience.CircuitRecoveryTimeout":  "circuit_recovery_timeout_seconds",
	"Config.Resilience.CircuitHalfOpenMaxCalls": "circuit_half_open_max_calls",
	"Config.Resilience.DefaultNodeTimeout":      "default_node_timeout_seconds",
	"Config.Emergency.DailyLossLimit":           "daily_loss_limit",
	"Config.Emergency.MaxPositionSize":          "max_position_size",
	"Config.Emergency.MaxDrawdownPercent":       "max_drawdown_percent",
	"Config.WebSocket.Port":                     "ws_port",
	"Config.WebSocket.RecentEventsCapacity":     "recent_events_capacity",
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing required value"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lt":
		return "must be < " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	default:
		return "invalid value"
	}
}
