package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Matching holds the Auto-Match Engine knobs. Defaults are tuned so that an
// exact amount within two days of the same merchant clears the high
// threshold.
type Matching struct {
	AmountWeight   float64 `yaml:"amount_weight"`
	MerchantWeight float64 `yaml:"merchant_weight"`
	DateWeight     float64 `yaml:"date_weight"`

	HighThreshold   float64 `yaml:"high_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold"`

	// AmountTolerance is the relative drift still considered a full amount
	// match (0.005 = 0.5%).
	AmountTolerance float64 `yaml:"amount_tolerance"`
	// DateWindowDays is the window over which the date score decays to zero.
	DateWindowDays int `yaml:"date_window_days"`

	// Sum-match bounds. Both are hard caps, not hints.
	MaxCombinationSize int `yaml:"max_combination_size"`
	MaxCombinations    int `yaml:"max_combinations"`
}

// Extraction holds the extraction-service call policy.
type Extraction struct {
	Provider    string        `yaml:"provider"` // "gemini" or "stub"
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// ClassifierRules are the deterministic classification inputs.
type ClassifierRules struct {
	// SenderKinds maps an exact sender address to an event kind.
	SenderKinds map[string]string `yaml:"sender_kinds"`
	// SubjectPatterns maps a regular expression over the subject to a kind.
	SubjectPatterns map[string]string `yaml:"subject_patterns"`
}

// Config is the process-wide configuration, loaded once at start.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	BlobBucket  string `yaml:"blob_bucket"`

	// DefaultAccount receives events that carry no account routing header.
	DefaultAccount string `yaml:"default_account"`

	// GracePeriod is how long a receipt withholds transaction creation
	// while waiting for a corroborating alert.
	GracePeriod time.Duration `yaml:"grace_period"`
	// SweepSchedule is the cron expression for the grace-period sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	Matching   Matching        `yaml:"matching"`
	Extraction Extraction      `yaml:"extraction"`
	Classifier ClassifierRules `yaml:"classifier"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:           "8080",
		DefaultAccount: "primary",
		GracePeriod:    48 * time.Hour,
		SweepSchedule:  "*/10 * * * *",
		Matching: Matching{
			AmountWeight:       0.55,
			MerchantWeight:     0.25,
			DateWeight:         0.20,
			HighThreshold:      0.82,
			MediumThreshold:    0.55,
			AmountTolerance:    0.005,
			DateWindowDays:     7,
			MaxCombinationSize: 5,
			MaxCombinations:    10000,
		},
		Extraction: Extraction{
			Provider:    "gemini",
			Model:       "gemini-2.5-flash",
			Timeout:     45 * time.Second,
			MaxAttempts: 3,
			BaseBackoff: 2 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in increasing precedence. A .env file is honoured
// for local development.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.BlobBucket = v
	}
	if v := os.Getenv("DEFAULT_ACCOUNT"); v != "" {
		cfg.DefaultAccount = v
	}
	if v := os.Getenv("EXTRACTION_PROVIDER"); v != "" {
		cfg.Extraction.Provider = v
	}
	if v := os.Getenv("EXTRACTION_MODEL"); v != "" {
		cfg.Extraction.Model = v
	}
	if v := os.Getenv("GRACE_PERIOD_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h >= 0 {
			cfg.GracePeriod = time.Duration(h) * time.Hour
		}
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	m := c.Matching
	if m.HighThreshold <= m.MediumThreshold {
		return fmt.Errorf("config: high_threshold (%v) must exceed medium_threshold (%v)", m.HighThreshold, m.MediumThreshold)
	}
	if m.MaxCombinationSize < 2 {
		return fmt.Errorf("config: max_combination_size must be at least 2, got %d", m.MaxCombinationSize)
	}
	if m.MaxCombinations <= 0 {
		return fmt.Errorf("config: max_combinations must be positive, got %d", m.MaxCombinations)
	}
	if m.AmountTolerance < 0 {
		return fmt.Errorf("config: amount_tolerance must be non-negative, got %v", m.AmountTolerance)
	}
	if c.Extraction.MaxAttempts < 1 {
		return fmt.Errorf("config: extraction max_attempts must be at least 1, got %d", c.Extraction.MaxAttempts)
	}
	return nil
}

// AmountToleranceFor returns the absolute tolerance for a given amount.
func (m Matching) AmountToleranceFor(amount decimal.Decimal) decimal.Decimal {
	return amount.Abs().Mul(decimal.NewFromFloat(m.AmountTolerance))
}
