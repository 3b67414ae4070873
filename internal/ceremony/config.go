package ceremony

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls ceremony timing.
type Config struct {
	ChallengeTTL time.Duration `env:"KEYFOLD_CHALLENGE_TTL" envDefault:"5m"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return DefaultConfig()
	}
	if cfg.ChallengeTTL <= 0 {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns the timing shipped out of the box.
func DefaultConfig() Config {
	return Config{ChallengeTTL: 5 * time.Minute}
}
