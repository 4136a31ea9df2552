package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Load reads configuration from environment variables, applies defaults
// for unset values and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with a custom variable lookup; empty means unset.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, getenv); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := getenv(envName)
		if value == "" && envAlt != "" {
			value = getenv(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Database (only when a ledger is configured)
	if c.Database.URL != "" {
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "LEDGER_RETENTION must be non-negative")
	}
	if c.Database.PruneInterval <= 0 {
		errs = append(errs, "LEDGER_PRUNE_INTERVAL must be positive")
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case BackendLocal:
		if strings.TrimSpace(c.Storage.OutputDir) == "" {
			errs = append(errs, "LOCAL_OUTPUT_DIR is required for the local backend")
		}
	case BackendS3:
		if c.Storage.DestBucket == "" {
			errs = append(errs, "DEST_BUCKET is required for the s3 backend")
		}
		if c.Storage.UploadPartSize < 5*1024*1024 {
			errs = append(errs, "S3_UPLOAD_PART_SIZE must be at least 5MiB")
		}
		if c.Storage.UploadConcurrency <= 0 {
			errs = append(errs, "S3_UPLOAD_CONCURRENCY must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND (%q) must be one of: local, s3", c.Storage.Backend))
	}
	if strings.HasPrefix(c.Storage.DestPrefix, "/") || strings.Contains(c.Storage.DestPrefix, "..") {
		errs = append(errs, fmt.Sprintf("DEST_PREFIX (%q) must be relative without '..'", c.Storage.DestPrefix))
	}

	// Router
	switch strings.ToLower(c.Router.Policy) {
	case PolicySchool:
	case PolicyFields:
		if len(c.Router.PartitionFields) == 0 {
			errs = append(errs, "ROUTER_PARTITION_FIELDS is required for the fields policy")
		}
	default:
		errs = append(errs, fmt.Sprintf("ROUTER_POLICY (%q) must be one of: school, fields", c.Router.Policy))
	}
	if d := c.Router.Delimiter; utf8.RuneCountInString(d) != 1 || d == "\"" || d == "\r" || d == "\n" {
		errs = append(errs, fmt.Sprintf("ROUTER_DELIMITER (%q) must be a single character other than quote or newline", d))
	}

	// Runs
	if c.Run.MaxConcurrent <= 0 {
		errs = append(errs, "RUN_MAX_CONCURRENT must be positive")
	}
	if c.Run.MaxWaitTime <= 0 {
		errs = append(errs, "RUN_MAX_WAIT_TIME must be positive")
	}
	if c.Run.Timeout <= 0 {
		errs = append(errs, "RUN_TIMEOUT must be positive")
	}
	if c.Run.Retention < 0 {
		errs = append(errs, "RUN_RETENTION must be non-negative")
	}

	// Queue
	if c.Queue.Prefetch <= 0 {
		errs = append(errs, "AMQP_PREFETCH must be positive")
	}

	// Security
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Credentials in the database and queue URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Addr: %q}, ", c.Server.Addr())
	fmt.Fprintf(&b, "Database: {URL: %s, MaxConns: %d}, ", maskURL(c.Database.URL), c.Database.MaxConns)
	fmt.Fprintf(&b, "Storage: {Backend: %q, OutputDir: %q, DestBucket: %q, DestPrefix: %q}, ",
		c.Storage.Backend, c.Storage.OutputDir, c.Storage.DestBucket, c.Storage.DestPrefix)
	fmt.Fprintf(&b, "Router: {Policy: %q, Delimiter: %q}, ", c.Router.Policy, c.Router.Delimiter)
	fmt.Fprintf(&b, "Run: {MaxConcurrent: %d, Timeout: %s}, ", c.Run.MaxConcurrent, c.Run.Timeout)
	fmt.Fprintf(&b, "Queue: {URL: %s, Name: %q}, ", maskURL(c.Queue.URL), c.Queue.Name)
	fmt.Fprintf(&b, "Security: {RequireAPIKey: %t, APIKeys: %d configured}, ", c.Security.RequireAPIKey, len(c.Security.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func maskURL(raw string) string {
	if raw == "" {
		return "[UNSET]"
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return "[MASKED]"
	}
	u.User = url.User("xxxxx")
	return u.Redacted()
}
