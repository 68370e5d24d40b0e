// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for all databases (always absolute)
	Port         int
	LogLevel     string
	DevMode      bool
	MLServiceURL string // Remote risk-prediction service; empty disables ML blending

	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
}

// RiskConfig holds the factor weights and blend parameters of the risk
// scoring engine. Defaults match the production weighting; a YAML file can
// override them without a rebuild.
type RiskConfig struct {
	Weights RiskWeights `yaml:"weights"`

	// MLBlendWeight is the share of the remote prediction in the blended
	// score; the base score carries the remainder.
	MLBlendWeight float64 `yaml:"ml_blend_weight"`

	// MLMinConfidence discards remote predictions below this confidence.
	MLMinConfidence float64 `yaml:"ml_min_confidence"`

	// CacheTTL bounds how long a computed score is served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RiskWeights are the six protocol factor weights. They sum to 1.0.
type RiskWeights struct {
	TVL        float64 `yaml:"tvl"`
	Audit      float64 `yaml:"audit"`
	Age        float64 `yaml:"age"`
	Volatility float64 `yaml:"volatility"`
	Complexity float64 `yaml:"complexity"`
	Community  float64 `yaml:"community"`
}

// ExecutionConfig holds the per-transaction retry policy and timeouts used
// by the execution orchestrator.
type ExecutionConfig struct {
	// TxTimeout bounds a single adapter call. A timeout is recorded as a
	// transaction failure, never a fatal abort of the operation.
	TxTimeout time.Duration `yaml:"tx_timeout"`

	// MaxAttempts is the per-transaction attempt budget (1 = no retry).
	MaxAttempts int `yaml:"max_attempts"`

	// RetryMinBackoff / RetryMaxBackoff bound the backoff between attempts.
	RetryMinBackoff time.Duration `yaml:"retry_min_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// DefaultRiskConfig returns the compiled-in risk engine parameters.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Weights: RiskWeights{
			TVL:        0.25,
			Audit:      0.20,
			Age:        0.15,
			Volatility: 0.15,
			Complexity: 0.15,
			Community:  0.10,
		},
		MLBlendWeight:   0.7,
		MLMinConfidence: 0.5,
		CacheTTL:        time.Hour,
	}
}

// DefaultExecutionConfig returns the compiled-in execution parameters.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		TxTimeout:       2 * time.Minute,
		MaxAttempts:     3,
		RetryMinBackoff: 2 * time.Second,
		RetryMaxBackoff: 30 * time.Second,
	}
}

// Load reads configuration from environment variables and the optional
// YAML overrides file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("REBALANCER_DATA_DIR", "./data")

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		Port:         getEnvAsInt("PORT", 8010),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		MLServiceURL: getEnv("ML_SERVICE_URL", ""),
		Risk:         DefaultRiskConfig(),
		Execution:    DefaultExecutionConfig(),
	}

	// Optional YAML overrides (risk weights, blend ratios, retry policy)
	overridesPath := getEnv("REBALANCER_CONFIG_FILE", filepath.Join(absDataDir, "rebalancer.yml"))
	if err := cfg.applyFileOverrides(overridesPath); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFileOverrides merges the YAML config file into cfg. A missing file is
// not an error; a malformed one is.
func (c *Config) applyFileOverrides(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	overrides := struct {
		Risk      *RiskConfig      `yaml:"risk"`
		Execution *ExecutionConfig `yaml:"execution"`
	}{}
	if err := yaml.Unmarshal(content, &overrides); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if overrides.Risk != nil {
		c.Risk = *overrides.Risk
		if c.Risk.CacheTTL == 0 {
			c.Risk.CacheTTL = time.Hour
		}
	}
	if overrides.Execution != nil {
		c.Execution = *overrides.Execution
	}

	return nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	w := c.Risk.Weights
	sum := w.TVL + w.Audit + w.Age + w.Volatility + w.Complexity + w.Community
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("risk factor weights must sum to 1.0, got %.3f", sum)
	}

	if c.Risk.MLBlendWeight < 0 || c.Risk.MLBlendWeight > 1 {
		return fmt.Errorf("ml_blend_weight must be in [0,1], got %.3f", c.Risk.MLBlendWeight)
	}

	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution max_attempts must be at least 1, got %d", c.Execution.MaxAttempts)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
