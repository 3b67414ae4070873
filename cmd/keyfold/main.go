package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	keyfoldcmd "github.com/keyfold/keyfold/internal/cmd/keyfold"
)

func main() {
	cfg, err := keyfoldcmd.ParseConfig(flag.CommandLine, os.Args[1:], func(key string) (string, bool) {
		value, ok := os.LookupEnv(key)
		return value, ok
	})
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[KEYFOLD] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := keyfoldcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
