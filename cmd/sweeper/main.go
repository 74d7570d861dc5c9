package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/call-routing/internal/app"
	"github.com/acme/call-routing/internal/sweeper"
	"github.com/acme/call-routing/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "sweeper")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if container.Config.Session.Backend != "redis" {
		log.Fatalf("sweeper needs the shared redis session backend, got %q", container.Config.Session.Backend)
	}

	services, err := container.Services()
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}

	s := sweeper.New(services.Sessions, services.Routing, container.Config.Session.SweepInterval, container.Logger)
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("sweeper terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
