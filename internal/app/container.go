package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/acme/call-routing/internal/bidder"
	"github.com/acme/call-routing/internal/config"
	"github.com/acme/call-routing/internal/infra/db"
	"github.com/acme/call-routing/internal/infra/redis"
	"github.com/acme/call-routing/internal/queue"
	"github.com/acme/call-routing/internal/repository"
	pgrepo "github.com/acme/call-routing/internal/repository/postgres"
	scyllarepo "github.com/acme/call-routing/internal/repository/scylla"
	"github.com/acme/call-routing/internal/service/auction"
	"github.com/acme/call-routing/internal/service/capacity"
	"github.com/acme/call-routing/internal/service/eligibility"
	"github.com/acme/call-routing/internal/service/identity"
	"github.com/acme/call-routing/internal/service/priority"
	"github.com/acme/call-routing/internal/service/recorder"
	"github.com/acme/call-routing/internal/service/routing"
	"github.com/acme/call-routing/internal/session"
	"github.com/acme/call-routing/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *repositories
		services     *services
		sinks        *sinks
		pool         *ants.Pool
	}
}

type repositories struct {
	Campaigns  repository.CampaignRepository
	Schedules  repository.ScheduleRepository
	Bidders    repository.BidderRepository
	Recipients repository.RecipientRepository
	Auctions   repository.AuctionRepository
	Decisions  repository.DecisionStore
}

type services struct {
	Routing  *routing.Service
	Engine   *auction.Engine
	Router   *priority.Router
	Identity *identity.Issuer
	Capacity capacity.Store
	Sessions session.Store
}

type sinks struct {
	Recorder  *recorder.Recorder
	Publisher *queue.DecisionPublisher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres, cfg.App.Name)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		scylla.Close()
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		redisClient.Close()
		scylla.Close()
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		schedules := pgrepo.NewScheduleRepository(c.Postgres.DB())
		repos := &repositories{
			Campaigns:  pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Schedules:  schedules,
			Bidders:    pgrepo.NewBidderRepository(c.Postgres.DB(), schedules),
			Recipients: pgrepo.NewRecipientRepository(c.Postgres.DB(), schedules),
			Auctions:   pgrepo.NewAuctionRepository(c.Postgres.DB()),
			Decisions:  scyllarepo.NewDecisionStore(c.Scylla.Session()),
		}

		out := &sinks{}
		var sink recorder.Sink = repos.Decisions
		if c.Config.Recorder.Sink == "kafka" {
			out.Publisher = queue.NewDecisionPublisher(c.Kafka, c.Config.Kafka.DecisionTopic)
			sink = out.Publisher
		}
		out.Recorder = recorder.New(sink, c.Logger)

		var pool *ants.Pool
		if size := c.Config.Auction.PoolSize; size > 0 {
			p, err := auction.NewPool(size)
			if err != nil {
				c.components.err = fmt.Errorf("bootstrap auction pool: %w", err)
				return
			}
			pool = p
		}

		counters := capacity.NewRedisStore(c.Redis.Inner(), c.Config.Capacity.KeyPrefix, c.Config.Capacity.ActiveTTL)

		var sessions session.Store
		switch c.Config.Session.Backend {
		case "memory":
			sessions = session.NewMemoryStore(c.Config.Session.TTL, c.Config.Session.Retention)
		default:
			sessions = session.NewRedisStore(c.Redis.Inner(), c.Config.Capacity.KeyPrefix, c.Config.Session.TTL, c.Config.Session.Retention)
		}

		bidCfg := c.Config.Bidder
		client := bidder.NewClient(&http.Client{}, bidder.Options{
			APIKeyHeader:    bidCfg.APIKeyHeader,
			UserAgent:       bidCfg.UserAgent,
			MaxBodyBytes:    bidCfg.MaxBodyBytes,
			BreakerInterval: bidCfg.BreakerInterval,
			BreakerTimeout:  bidCfg.BreakerTimeout,
			BreakerFailures: bidCfg.BreakerFailures,
		}, c.Logger)

		auctionCfg := c.Config.Auction
		engine := auction.NewEngine(client, repos.Auctions, out.Recorder, pool, auction.Config{
			DefaultTimeout: auctionCfg.DefaultTimeout,
			Deadline:       auctionCfg.Deadline,
			MinimumBidders: auctionCfg.MinimumBidders,
			TieBreak:       auction.TieBreak(auctionCfg.TieBreak),
		}, c.Logger)

		checker := eligibility.NewChecker()
		router := priority.NewRouter(repos.Recipients, counters, checker, out.Recorder, c.Logger)

		c.components.repositories = repos
		c.components.sinks = out
		c.components.pool = pool
		c.components.services = &services{
			Routing: routing.NewService(routing.Deps{
				Campaigns: repos.Campaigns,
				Bidders:   repos.Bidders,
				Engine:    engine,
				Router:    router,
				Checker:   checker,
				Counters:  counters,
				Sessions:  sessions,
				Recorder:  out.Recorder,
				Logger:    c.Logger,
			}),
			Engine:   engine,
			Router:   router,
			Identity: identity.NewIssuer(c.Config.Identity.MaxAttempts, c.Logger),
			Capacity: counters,
			Sessions: sessions,
		}
	})
	return c.components.err
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() (*repositories, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.repositories, nil
}

// Services exposes initialized services.
func (c *Container) Services() (*services, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.services, nil
}

// Sinks exposes the decision recorder and, when configured, its Kafka publisher.
func (c *Container) Sinks() (*sinks, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.sinks, nil
}

// Ping checks every backing store. Keys are store names.
func (c *Container) Ping(ctx context.Context) map[string]error {
	return map[string]error{
		"postgres": c.Postgres.Ping(ctx),
		"redis":    c.Redis.Ping(ctx),
		"scylla":   c.Scylla.Ping(ctx),
	}
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if s := c.components.sinks; s != nil && s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("decision publisher close: %w", err))
		}
	}
	if c.components.pool != nil {
		c.components.pool.Release()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}

// EnsureTopics ensures the decision topic exists.
func (c *Container) EnsureTopics(ctx context.Context) error {
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 24
	}
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.DecisionTopic}, partitions, 1)
}
