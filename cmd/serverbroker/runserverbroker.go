// Main entrypoint for the server broker. Handles config loading, dependency
// injection, and starting the application.
package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-server-broker/brokerservice"
	"github.com/tinywideclouds/go-server-broker/brokerservice/config"
	"github.com/tinywideclouds/go-server-broker/cmd"
	"github.com/tinywideclouds/go-server-broker/internal/app"
	"github.com/tinywideclouds/go-server-broker/internal/platform/messaging"
	"github.com/tinywideclouds/go-server-broker/internal/platform/persistence"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-server-broker").Logger()

	// 2. Load config.yaml and apply env overrides
	cfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err = config.UpdateConfigWithEnvOverrides(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// 4. Create the service
	service, err := brokerservice.New(cfg, deps, logger.With().Str("component", "BrokerService").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create broker service")
	}

	// 5. Run the application
	app.Run(ctx, logger, service)
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*broker.Dependencies, error) {
	if cfg.RunMode == "local" {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewFakeDependencies(ctx, cfg, logger)
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*broker.Dependencies, error) {
	resolver, err := newResolver(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	channel, err := newChannel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &broker.Dependencies{
		Resolver: resolver,
		Channel:  channel,
	}, nil
}

// newResolver creates the Firestore experience store, optionally wrapped in
// a Redis read-through cache.
func newResolver(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (broker.IdentityResolver, error) {
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}

	store, err := persistence.NewFirestoreStore(fsClient, cfg.Identity.ExperiencesCollection, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create experience store: %w", err)
	}

	cacheType := cfg.Identity.Cache.Type
	logger.Info().Str("type", cacheType).Msg("Initializing identity cache...")

	switch cacheType {
	case "", "none":
		return store, nil

	case "redis":
		redisAddr := cfg.Identity.Cache.Redis.Addr
		if redisAddr == "" {
			return nil, fmt.Errorf("identity cache type is redis but no address is configured")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		// Test the connection
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisAddr, err)
		}
		logger.Info().Str("addr", redisAddr).Msg("Connected to Redis identity cache")
		ttl := time.Duration(cfg.Identity.Cache.TTLSeconds) * time.Second
		return persistence.NewCachedResolver(store, rdb, ttl, logger)

	default:
		return nil, fmt.Errorf("invalid identity cache type: %s (must be 'none' or 'redis')", cacheType)
	}
}

// newChannel creates the pluggable out-of-band channel based on config.
func newChannel(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (broker.ChannelPublisher, error) {
	channelType := cfg.Channel.Type
	logger.Info().Str("type", channelType).Msg("Initializing out-of-band channel...")

	switch channelType {
	case "opencloud":
		return messaging.NewOpenCloudPublisher(cfg.Channel.OpenCloud.BaseURL, logger), nil

	case "pubsub":
		topicID := cfg.Channel.PubSub.TopicID
		if topicID == "" {
			return nil, fmt.Errorf("channel type is pubsub but no topic is configured")
		}
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		return messaging.NewPubSubPublisher(psClient.Publisher(topicID)), nil

	default:
		return nil, fmt.Errorf("invalid channel type: %s (must be 'opencloud' or 'pubsub')", channelType)
	}
}
