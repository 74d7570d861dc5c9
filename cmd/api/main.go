package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/call-routing/internal/api"
	"github.com/acme/call-routing/internal/api/handlers"
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

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if container.Config.Recorder.Sink == "kafka" {
		if err := container.EnsureTopics(ctx); err != nil {
			log.Fatalf("failed to ensure kafka topics: %v", err)
		}
	}

	services, err := container.Services()
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}
	repos, err := container.Repositories()
	if err != nil {
		log.Fatalf("failed to build repositories: %v", err)
	}

	// Memory sessions live in this process, so nothing else can sweep them.
	if container.Config.Session.Backend == "memory" {
		go func() {
			_ = sweeper.New(services.Sessions, services.Routing, container.Config.Session.SweepInterval, container.Logger).Run(ctx)
		}()
	}

	metricsPath := ""
	if container.Config.Metrics.Enabled {
		metricsPath = container.Config.Metrics.Path
	}

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Router:      services.Routing,
		Decisions:   repos.Decisions,
		Auctions:    repos.Auctions,
		Campaigns:   repos.Campaigns,
		Issuer:      services.Identity,
		Health:      container.Ping,
		MetricsPath: metricsPath,
		Logger:      container.Logger,
	})

	server := api.NewServer(container.Config.HTTP, handlerSet)
	container.Logger.Info("api: listening", zap.Int("port", container.Config.HTTP.Port))
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
