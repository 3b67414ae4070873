package verifier

import (
	"github.com/caarlos0/env/v11"
)

// Config controls relying party settings for ceremony verification.
type Config struct {
	RPDisplayName string   `env:"KEYFOLD_RP_DISPLAY_NAME" envDefault:"Keyfold"`
	RPID          string   `env:"KEYFOLD_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string `env:"KEYFOLD_RP_ORIGINS"      envSeparator:","`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "Keyfold",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "Keyfold"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	return cfg
}
