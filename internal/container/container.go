package container

import (
	"context"
	"fmt"

	"airbnb/scraper/internal/client"
	"airbnb/scraper/internal/config"
	"airbnb/scraper/internal/gateway"
	"airbnb/scraper/internal/proxy"
	"airbnb/scraper/internal/queue"
	"airbnb/scraper/internal/repository"
	"airbnb/scraper/internal/service"
	"airbnb/scraper/internal/state"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Container holds all initialized components
type Container struct {
	Config  *config.Config
	Gateway *gateway.Gateway
	Client  client.AirbnbClient
	Sink    repository.Sink
	Queue   queue.Queue
	Stats   state.StatsRecorder

	Service *service.Service

	db    *pgxpool.Pool
	redis *redis.Client
}

// New creates a new container with all dependencies initialized
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	container := &Container{
		Config: cfg,
	}

	ok := false
	defer func() {
		if !ok {
			container.Close()
		}
	}()

	// Initialize ProxySupplier
	proxySupplier, err := proxy.NewProxySupplier(ctx, cfg.Proxy.URLs, cfg.Proxy.TestURL, cfg.Proxy.Validate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize proxy supplier: %w", err)
	}
	if len(cfg.Proxy.URLs) == 0 {
		log.Warn("⚠️ No proxies configured, requests go out directly")
	}

	container.Gateway = gateway.NewGateway(gateway.Options{
		Currency:          cfg.Airbnb.Currency,
		APIKey:            cfg.Airbnb.APIKey,
		Timeout:           cfg.Airbnb.Timeout,
		MaxAttempts:       cfg.Airbnb.MaxAttempts,
		RetryDelay:        cfg.Airbnb.RetryDelay,
		RequestsPerSecond: cfg.Airbnb.MaxRequestsPerSecond,
	}, proxySupplier)
	container.Client = client.NewAirbnbClient(container.Gateway, cfg.Airbnb.BaseURL)

	// Initialize repository
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	container.db = db

	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	log.Info("✅ Connected to Postgres successfully")
	container.Sink = repository.NewListingRepository(db)

	switch cfg.Queue.Backend {
	case "memory":
		container.Queue = queue.NewMemoryQueue()
		container.Stats = state.NewMemoryStatsRecorder()
		log.Info("✅ Using in-memory queue")

	default:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
		})
		container.redis = rdb

		// Test connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("✅ Connected to Redis successfully")

		redisQueue, err := queue.NewRedisQueue(ctx, rdb, cfg.Redis, cfg.Run.ID)
		if err != nil {
			return nil, err
		}
		container.Queue = redisQueue
		container.Stats = state.NewRedisStatsRecorder(rdb, cfg.Run.ID)
	}

	container.Service = service.NewService(
		container.Client,
		container.Queue,
		container.Sink,
		container.Stats,
		service.OptionsFromConfig(cfg),
	)

	ok = true
	return container, nil
}

// Run crawls until the queue is drained or ctx is cancelled
func (c *Container) Run(ctx context.Context) error {
	return c.Service.Run(ctx)
}

// Close performs cleanup when shutting down
func (c *Container) Close() error {
	log.Info("Shutting down container...")

	if c.Gateway != nil {
		c.Gateway.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
	// The Redis queue owns the client when it was created.
	if c.Queue != nil {
		c.Queue.Close()
	} else if c.redis != nil {
		c.redis.Close()
	}

	log.Info("Container shut down successfully")
	return nil
}
