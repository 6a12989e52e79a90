// Package config loads ForkDB settings from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nickyhof/ForkDB/ps"
	"gopkg.in/yaml.v3"
)

const (
	ProviderStatic = "static"
	ProviderOpenAI = "openai"
)

// Config is the root configuration.
type Config struct {
	DataDir   string `yaml:"data_dir" validate:"required"`
	Mainline  string `yaml:"mainline"`
	WorldsDir string `yaml:"worlds_dir"`
	Dialect   string `yaml:"dialect" validate:"oneof=sqlite3 sqlite duckdb"`

	// History records every mainline promotion in a git ledger under DataDir.
	History bool `yaml:"history"`

	Identity  IdentityConfig  `yaml:"identity"`
	Execution ExecutionConfig `yaml:"execution"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	S3        ps.S3Config     `yaml:"s3"`
}

type IdentityConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Email string `yaml:"email" validate:"required,email"`
}

type ExecutionConfig struct {
	// StatementTimeout bounds one statement. Zero disables the bound.
	StatementTimeout time.Duration `yaml:"statement_timeout" validate:"gte=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=1,lte=20"`
	RepairTimeout    time.Duration `yaml:"repair_timeout" validate:"gt=0"`
	SampleRows       int           `yaml:"sample_rows" validate:"gte=1,lte=100"`
	AutoCommit       bool          `yaml:"auto_commit"`
}

type OracleConfig struct {
	Provider          string  `yaml:"provider" validate:"oneof=static openai"`
	PlanFile          string  `yaml:"plan_file"`
	APIKey            string  `yaml:"api_key" validate:"required_if=Provider openai"`
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	Model             string  `yaml:"model"`
	Temperature       float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	MaxRetries        uint64  `yaml:"max_retries"`
	Branches          int     `yaml:"branches" validate:"gte=1,lte=10"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr"`
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`
	TLSCert     string `yaml:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey      string `yaml:"tls_key" validate:"required_with=TLSCert"`
}

var validate = validator.New()

// DefaultConfig returns a configuration rooted at ./forkdb with the static
// oracle and SQLite.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "forkdb",
		Mainline:  ps.DefaultMainline,
		WorldsDir: ps.DefaultWorldsDir,
		Dialect:   "sqlite3",
		History:   true,
		Identity: IdentityConfig{
			Name:  "ForkDB",
			Email: "forkdb@localhost",
		},
		Execution: ExecutionConfig{
			MaxRetries:    5,
			RepairTimeout: 60 * time.Second,
			SampleRows:    5,
		},
		Oracle: OracleConfig{
			Provider:          ProviderStatic,
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 2,
			MaxRetries:        3,
			Branches:          3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr: ":3306",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	overrides := map[string]*string{
		"FORKDB_DATA_DIR":        &c.DataDir,
		"FORKDB_DIALECT":         &c.Dialect,
		"FORKDB_LOG_LEVEL":       &c.Logging.Level,
		"FORKDB_LOG_FORMAT":      &c.Logging.Format,
		"FORKDB_ORACLE":          &c.Oracle.Provider,
		"FORKDB_PLAN_FILE":       &c.Oracle.PlanFile,
		"FORKDB_OPENAI_MODEL":    &c.Oracle.Model,
		"FORKDB_OPENAI_BASE_URL": &c.Oracle.BaseURL,
		"FORKDB_SERVER_ADDR":     &c.Server.Addr,
		"FORKDB_METRICS_ADDR":    &c.Server.MetricsAddr,
		"FORKDB_JWT_SECRET":      &c.Server.JWTSecret,
		"FORKDB_S3_ACCESS_KEY":   &c.S3.AccessKey,
		"FORKDB_S3_SECRET_KEY":   &c.S3.SecretKey,
		"FORKDB_S3_REGION":       &c.S3.Region,
		"FORKDB_S3_ENDPOINT":     &c.S3.Endpoint,
	}
	for key, target := range overrides {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}
	if key := os.Getenv("FORKDB_OPENAI_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	}

	if value := os.Getenv("FORKDB_MAX_RETRIES"); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid FORKDB_MAX_RETRIES: %w", err)
		}
		c.Execution.MaxRetries = n
	}
	if value := os.Getenv("FORKDB_REPAIR_TIMEOUT"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid FORKDB_REPAIR_TIMEOUT: %w", err)
		}
		c.Execution.RepairTimeout = d
	}
	if value := os.Getenv("FORKDB_AUTO_COMMIT"); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid FORKDB_AUTO_COMMIT: %w", err)
		}
		c.Execution.AutoCommit = b
	}

	return nil
}
