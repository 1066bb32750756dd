package config

import (
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the environment-driven configuration of the minimization
// service. The LBFGS block carries the optimizer options recognized by the
// numerical core.
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	LBFGS struct {
		// Memory is the number of secant pairs the optimizer retains.
		Memory int `env:"LBFGS_MEMORY" envDefault:"10"`
		// Scaling selects the initial Hessian approximation: diagonal or scalar.
		Scaling string `env:"LBFGS_SCALING" envDefault:"diagonal"`
		// ValueTolerance is the average-improvement termination tolerance.
		ValueTolerance float64 `env:"LBFGS_TERMINATE_VALUE_TOLERANCE" envDefault:"1e-6"`
		// GradientTolerance is the numerically-zero-gradient tolerance.
		GradientTolerance float64 `env:"LBFGS_TERMINATE_GRADIENT_TOLERANCE" envDefault:"1e-8"`
		// MaxIterations caps the outer iterations; 0 means no cap.
		MaxIterations int `env:"LBFGS_MAX_NUMBER_OF_ITERATIONS" envDefault:"0"`
		// MaxEvaluations caps the objective evaluations; 0 means no cap.
		MaxEvaluations int `env:"LBFGS_MAX_EVALUATIONS" envDefault:"0"`
		// Tracing toggles verbose per-iteration diagnostics.
		Tracing bool `env:"SHOW_RUNNING_TRACING" envDefault:"false"`
	}
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// An empty log level in development selects debug. LOG_LEVEL defaults
	// to info, so this applies only when the level resolves to empty.
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}

// GetEnv returns the value of the environment variable or the default value.
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value.
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// GetEnvAsBool returns the value of the environment variable as bool or the default value.
func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := GetEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
