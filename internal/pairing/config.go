package pairing

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls pairing session lifetime and how often the primary
// device should poll for completion.
type Config struct {
	SessionTTL   time.Duration `env:"KEYFOLD_PAIRING_SESSION_TTL"   envDefault:"2m"`
	PollInterval time.Duration `env:"KEYFOLD_PAIRING_POLL_INTERVAL" envDefault:"2s"`
}

// LoadConfigFromEnv returns pairing configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return DefaultConfig()
	}
	if cfg.SessionTTL <= 0 || cfg.PollInterval <= 0 {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns the timings shipped out of the box.
func DefaultConfig() Config {
	return Config{SessionTTL: 2 * time.Minute, PollInterval: 2 * time.Second}
}
