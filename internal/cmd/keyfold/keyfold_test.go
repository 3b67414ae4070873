package keyfold

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("keyfold", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8086 {
		t.Fatalf("expected default port 8086, got %d", cfg.Port)
	}
}

func TestParseConfigEnvPort(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "KEYFOLD_PORT" {
			return " 9100 ", true
		}
		return "", false
	}

	fs := flag.NewFlagSet("keyfold", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, lookup)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected env port 9100, got %d", cfg.Port)
	}
}

func TestParseConfigFlagOverridesEnv(t *testing.T) {
	lookup := func(string) (string, bool) { return "9100", true }

	fs := flag.NewFlagSet("keyfold", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "9200"}, lookup)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("expected flag port 9200, got %d", cfg.Port)
	}
}

func TestParseConfigIgnoresBadEnvPort(t *testing.T) {
	lookup := func(string) (string, bool) { return "not-a-port", true }

	fs := flag.NewFlagSet("keyfold", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, lookup)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8086 {
		t.Fatalf("expected fallback port 8086, got %d", cfg.Port)
	}
}
