package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "helmsman.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags
	if args == nil {
		args = os.Args[1:]
	}

	fs := flag.NewFlagSet("helmsman", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "dsn":
			flags.DSN = dsn
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "HELMSMAN_PORT")
	setString(&cfg.Server.CORSOrigin, "HELMSMAN_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "HELMSMAN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "HELMSMAN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "HELMSMAN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "HELMSMAN_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "HELMSMAN_PG_HEALTH_CHECK")
	setString(&cfg.Logging.Level, "HELMSMAN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HELMSMAN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "HELMSMAN_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "HELMSMAN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "HELMSMAN_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.L1MaxSizeMB, "HELMSMAN_CACHE_L1_SIZE_MB")
	setBool(&cfg.MCP.Enabled, "HELMSMAN_MCP_ENABLED")
	setInt(&cfg.MCP.ServerPort, "HELMSMAN_MCP_SERVER_PORT")
	setDuration(&cfg.Session.EvictAfter, "HELMSMAN_SESSION_EVICT_AFTER")
	setDuration(&cfg.Session.SweepInterval, "HELMSMAN_SESSION_SWEEP_INTERVAL")
	setString(&cfg.Registry.Path, "HELMSMAN_REGISTRY_PATH")

	// Knowledge phase
	setInt(&cfg.Knowledge.MaxConcurrency, "KNOWLEDGE_MAX_CONCURRENCY")
	setInt(&cfg.Knowledge.TimeoutMS, "KNOWLEDGE_TIMEOUT_MS")
	setFloat64(&cfg.Knowledge.ConfidenceThreshold, "KNOWLEDGE_CONFIDENCE_THRESHOLD")
	setInt(&cfg.Knowledge.MaxResponseSize, "KNOWLEDGE_MAX_RESPONSE_SIZE")
	setBool(&cfg.Knowledge.AutoConnectionEnabled, "AUTO_CONNECTION_ENABLED")

	// Outbound rate limiting
	setInt(&cfg.RateLimit.RequestsPerMinute, "RATE_LIMIT_REQUESTS_PER_MINUTE")
	setInt(&cfg.RateLimit.WindowMS, "RATE_LIMIT_WINDOW_MS")

	// Content caps
	setInt(&cfg.Content.MaxLength, "MAX_CONTENT_LENGTH")
	setInt(&cfg.Content.MaxLength, "MAX_BODY_LENGTH")

	// Verification / execution / reasoning
	setInt(&cfg.Verification.CompletionThreshold, "VERIFICATION_COMPLETION_THRESHOLD")
	setFloat64(&cfg.Execution.SuccessRateThreshold, "EXECUTION_SUCCESS_RATE_THRESHOLD")
	setFloat64(&cfg.Reasoning.Initial, "INITIAL_REASONING_EFFECTIVENESS")
	setFloat64(&cfg.Reasoning.Min, "MIN_REASONING_EFFECTIVENESS")
	setFloat64(&cfg.Reasoning.Max, "MAX_REASONING_EFFECTIVENESS")

	// URL guard
	setStringSlice(&cfg.URLGuard.AllowedHosts, "ALLOWED_HOSTS")
	setBool(&cfg.URLGuard.EnableSSRFProtection, "ENABLE_SSRF_PROTECTION")
	setString(&cfg.Fetch.UserAgent, "USER_AGENT")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "HELMSMAN_OTEL_ENABLED")
	setString(&cfg.OTEL.ServiceName, "HELMSMAN_OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "HELMSMAN_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set and all range/consistency
// constraints are met. Validation fails fatally on the first
// violation encountered; it never mutates cfg, so a second call against the
// same cfg returns the same result (idempotent per the testable property).
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}

	if cfg.Knowledge.MaxConcurrency < 1 || cfg.Knowledge.MaxConcurrency > 10 {
		return errors.New("knowledge.max_concurrency must be in 1..10")
	}
	if cfg.Knowledge.TimeoutMS < 1000 || cfg.Knowledge.TimeoutMS > 30000 {
		return errors.New("knowledge.timeout_ms must be in 1000..30000")
	}
	if cfg.Knowledge.ConfidenceThreshold < 0 || cfg.Knowledge.ConfidenceThreshold > 1 {
		return errors.New("knowledge.confidence_threshold must be in 0..1")
	}
	if cfg.Knowledge.MaxResponseSize <= 0 {
		return errors.New("knowledge.max_response_size must be > 0")
	}

	if cfg.RateLimit.RequestsPerMinute < 1 {
		return errors.New("rate_limit.requests_per_minute must be >= 1")
	}
	if cfg.RateLimit.WindowMS < 1000 {
		return errors.New("rate_limit.window_ms must be >= 1000")
	}

	if cfg.Content.MaxLength < 1024 {
		return errors.New("content.max_length must be >= 1024")
	}

	if cfg.Verification.CompletionThreshold < 50 || cfg.Verification.CompletionThreshold > 100 {
		return errors.New("verification.completion_threshold must be in 50..100")
	}
	if cfg.Execution.SuccessRateThreshold < 0 || cfg.Execution.SuccessRateThreshold > 1 {
		return errors.New("execution.success_rate_threshold must be in 0..1")
	}

	if cfg.Reasoning.Min < 0 || cfg.Reasoning.Max > 1 {
		return errors.New("reasoning.min/max must be within 0..1")
	}
	if cfg.Reasoning.Min > cfg.Reasoning.Max {
		return errors.New("reasoning.min must be <= reasoning.max")
	}
	if cfg.Reasoning.Initial < cfg.Reasoning.Min || cfg.Reasoning.Initial > cfg.Reasoning.Max {
		return errors.New("reasoning.initial must be within [min, max]")
	}

	if !cfg.URLGuard.EnableSSRFProtection && isProduction() {
		return errors.New("url_guard.enable_ssrf_protection cannot be disabled in production")
	}
	if cfg.URLGuard.EnableSSRFProtection && len(cfg.URLGuard.AllowedHosts) == 0 && isProduction() {
		return errors.New("url_guard.allowed_hosts must be non-empty in production (empty allowlist denies all)")
	}

	return nil
}

// isProduction reports whether the process believes it is running in a
// production environment, gating the stricter SSRF-related checks.
func isProduction() bool {
	return strings.EqualFold(os.Getenv("APP_ENV"), "production")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
