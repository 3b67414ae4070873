// Package keyfold parses command configuration and runs the keyfold server.
package keyfold

import (
	"context"
	"flag"
	"log"
	"strconv"
	"strings"
	"time"

	server "github.com/keyfold/keyfold/internal/app"
	"github.com/keyfold/keyfold/internal/platform/otel"
)

const otelShutdownTimeout = 5 * time.Second

// Config holds keyfold command configuration.
type Config struct {
	Port int
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Port: envPortOrDefault(lookup, "KEYFOLD_PORT", 8086),
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "The keyfold gRPC server port")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run configures telemetry and starts the keyfold server.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "keyfold")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("keyfold otel shutdown: %v", err)
		}
	}()
	return server.Run(ctx, cfg.Port)
}

func envPortOrDefault(lookup EnvLookup, key string, fallback int) int {
	if lookup == nil {
		return fallback
	}
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	port, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || port <= 0 {
		return fallback
	}
	return port
}
