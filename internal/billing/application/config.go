package application

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FeeDefaults defines the transfer fee applied when a guardian has no
// fee configuration of its own.
type FeeDefaults struct {
	Mode  string  `yaml:"mode"`
	Value float64 `yaml:"value"`
}

// Config defines billing engine policy.
type Config struct {
	BaseCurrency            string         `yaml:"base_currency"`
	DueDays                 int            `yaml:"due_days"`
	DefaultMinLessonMinutes int            `yaml:"default_min_lesson_minutes"`
	TransferFee             FeeDefaults    `yaml:"transfer_fee"`
	MaxWriteRetries         int            `yaml:"max_write_retries"`
	EscalationWebhookURL    string         `yaml:"escalation_webhook_url"`
	GuardianThresholds      map[string]int `yaml:"guardian_thresholds"`
}

// LoadConfig loads billing policy from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		BaseCurrency:            getenvDefault("BILLING_BASE_CURRENCY", "USD"),
		DueDays:                 getenvIntDefault("BILLING_DUE_DAYS", 14),
		DefaultMinLessonMinutes: getenvIntDefault("BILLING_MIN_LESSON_MINUTES", 60),
		TransferFee:             FeeDefaults{Mode: "fixed", Value: 0},
		MaxWriteRetries:         getenvIntDefault("BILLING_WRITE_RETRIES", 3),
		EscalationWebhookURL:    os.Getenv("BILLING_ESCALATION_WEBHOOK_URL"),
	}

	if path := os.Getenv("BILLING_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.DueDays <= 0 {
		cfg.DueDays = 14
	}
	if cfg.MaxWriteRetries <= 0 {
		cfg.MaxWriteRetries = 3
	}
	if cfg.BaseCurrency == "" {
		return cfg, errors.New("billing config: base currency required")
	}
	return cfg, nil
}

// ThresholdForGuardian resolves the minimum-lesson threshold in minutes
// for a guardian: the guardian's own setting wins, then a per-guardian
// config override, then the global default.
func (c Config) ThresholdForGuardian(guardianID string, guardianMinutes int) int {
	if guardianMinutes > 0 {
		return guardianMinutes
	}
	if c.GuardianThresholds != nil {
		if override, ok := c.GuardianThresholds[guardianID]; ok && override > 0 {
			return override
		}
	}
	return c.DefaultMinLessonMinutes
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
