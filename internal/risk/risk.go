// Package risk provides the pure scoring and lockout policy consulted by
// the ceremony orchestrator.
package risk

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/keyfold/keyfold/internal/credential"
)

// Signal level attached to lockout outcomes and audit events.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score rates a credential's likelihood of compromise on a 0-100 scale.
// It is advisory: used for display and alerting, never as a hard gate.
func Score(c credential.Credential, now time.Time) int {
	score := 0

	// Newer credentials are riskier.
	age := now.Sub(c.CreatedAt)
	switch {
	case age <= 24*time.Hour:
		score += 20
	case age <= 7*24*time.Hour:
		score += 10
	}

	// Rarely used credentials are riskier.
	switch {
	case c.UsageCount == 0:
		score += 15
	case c.UsageCount < 5:
		score += 5
	}

	// Transport adjustments.
	if c.HasTransport("usb") {
		score -= 5
	}
	if c.HasTransport("nfc") {
		score += 5
	}

	if !c.BackupEligible {
		score += 10
	}

	return clamp(score, 0, 100)
}

// LockoutConfig controls the failed-attempt policy. The window is a fixed
// duration, not exponential backoff: the state is two fields on the
// identity, nothing more.
type LockoutConfig struct {
	WarnThreshold int           `env:"KEYFOLD_LOCKOUT_WARN_THRESHOLD" envDefault:"3"`
	LockThreshold int           `env:"KEYFOLD_LOCKOUT_THRESHOLD"      envDefault:"5"`
	LockDuration  time.Duration `env:"KEYFOLD_LOCKOUT_DURATION"       envDefault:"30m"`
}

// LoadLockoutConfigFromEnv returns lockout configuration with defaults.
func LoadLockoutConfigFromEnv() LockoutConfig {
	var cfg LockoutConfig
	if err := env.Parse(&cfg); err != nil {
		return DefaultLockoutConfig()
	}
	if cfg.WarnThreshold <= 0 || cfg.LockThreshold <= 0 || cfg.LockDuration <= 0 {
		return DefaultLockoutConfig()
	}
	return cfg
}

// DefaultLockoutConfig returns the policy shipped out of the box.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{WarnThreshold: 3, LockThreshold: 5, LockDuration: 30 * time.Minute}
}

// Outcome is the policy decision for one failed authentication.
type Outcome struct {
	Lock  bool
	Level Level
}

// Evaluate decides the lockout transition for the given consecutive
// failed-attempt count.
func Evaluate(cfg LockoutConfig, failedAttempts int) Outcome {
	switch {
	case failedAttempts >= cfg.LockThreshold:
		return Outcome{Lock: true, Level: LevelHigh}
	case failedAttempts >= cfg.WarnThreshold:
		return Outcome{Level: LevelMedium}
	default:
		return Outcome{Level: LevelLow}
	}
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
