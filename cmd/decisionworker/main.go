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
	"github.com/acme/call-routing/internal/telemetry"
	"github.com/acme/call-routing/internal/worker/decision"
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

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App, "decision-worker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	repos, err := container.Repositories()
	if err != nil {
		log.Fatalf("failed to build repositories: %v", err)
	}

	cfg := container.Config
	reader := container.Kafka.NewReader(cfg.Kafka.DecisionTopic, cfg.Kafka.ConsumerGroupID)
	worker := decision.New(reader, repos.Decisions, decision.Options{
		Attempts: cfg.Recorder.WriteAttempts,
		Delay:    cfg.Recorder.RetryDelay,
		MaxDelay: cfg.Recorder.RetryMaxDelay,
	}, container.Logger)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
