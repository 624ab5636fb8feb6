// Package handshake implements the two-phase capability-token handshake
// that promotes an unverified registration request into an active server
// connection. The connection token travels only over the out-of-band
// channel during Begin, so only the process that received it there can
// complete Verify.
package handshake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/internal/registry"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// Topic suffixes: the connection token is delivered on <secret_topic>0,
// heartbeat pings on <secret_topic>1.
const (
	ConnectTopicSuffix   = "0"
	HeartbeatTopicSuffix = "1"
)

// Coordinator orchestrates Begin/Verify across the pending store, the
// active registry, the identity resolver, and the out-of-band channel.
type Coordinator struct {
	pending  *registry.PendingStore
	servers  *registry.Registry
	resolver broker.IdentityResolver
	channel  broker.ChannelPublisher
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoordinator wires up a handshake coordinator.
func NewCoordinator(
	pending *registry.PendingStore,
	servers *registry.Registry,
	resolver broker.IdentityResolver,
	channel broker.ChannelPublisher,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		pending:  pending,
		servers:  servers,
		resolver: resolver,
		channel:  channel,
		logger:   logger.With().Str("component", "Handshake").Logger(),
		now:      time.Now,
	}
}

// BeginRequest is the first phase of the handshake.
type BeginRequest struct {
	APIKey      string
	PlaceID     uint64
	ServerID    uuid.UUID
	SecretTopic string
}

// Begin resolves the experience for the presented API key, generates a fresh
// connection token, delivers it out-of-band on the secret topic, and stores
// a pending registration under the token. Delivery is optimistic: a failed
// publish is logged but not surfaced, and the pending entry then simply
// expires unverified.
func (c *Coordinator) Begin(ctx context.Context, req BeginRequest) error {
	experience, err := c.resolver.ExperienceByAPIKey(ctx, req.APIKey)
	if err != nil {
		c.logger.Warn().Err(err).Msg("API key did not resolve to an experience")
		return broker.ErrInvalidAPIKey
	}

	token := broker.NewToken()
	if err := c.channel.Publish(ctx, experience, req.SecretTopic+ConnectTopicSuffix, token); err != nil {
		c.logger.Error().Err(err).
			Uint64("experience", experience.ID).
			Msg("Failed to deliver connection token out-of-band")
	}

	err = c.pending.Put(token, registry.PendingConnection{
		PlaceID:         req.PlaceID,
		ServerID:        req.ServerID,
		Experience:      *experience,
		SecretTopic:     req.SecretTopic,
		ConnectionToken: token,
		CreatedAt:       c.now(),
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Connection token collision")
		return broker.ErrInternal
	}

	c.logger.Info().
		Uint64("experience", experience.ID).
		Str("server", req.ServerID.String()).
		Msg("Pending verification created")
	return nil
}

// VerifyRequest is the second phase of the handshake.
type VerifyRequest struct {
	Token           string
	PlaceID         uint64
	PlaceVersion    uint64
	PrivateServerID string
	Country         string
}

// Verify consumes the pending registration for the presented token and
// promotes it into the active registry. An unknown, expired, or
// already-verified token is indistinguishable to the caller. The presented
// place id must match the one captured at Begin time.
func (c *Coordinator) Verify(_ context.Context, req VerifyRequest) error {
	pending, ok := c.pending.Take(req.Token)
	if !ok {
		return broker.ErrInvalidRequest
	}
	if pending.PlaceID != req.PlaceID {
		c.logger.Warn().
			Uint64("expected", pending.PlaceID).
			Uint64("presented", req.PlaceID).
			Msg("Verify presented a different place id than Begin")
		return broker.ErrInvalidRequestOrigin
	}

	now := c.now()
	server := &broker.Server{
		ID:              pending.ServerID,
		Country:         req.Country,
		PlaceID:         req.PlaceID,
		PlaceVersion:    req.PlaceVersion,
		PrivateServerID: req.PrivateServerID,
		CreatedAt:       now,
		Players:         make(map[uint64]broker.ServerPlayer),
		Experience:      pending.Experience,
		ConnectionToken: pending.ConnectionToken,
		SecretTopic:     pending.SecretTopic,
		LastAckAt:       now,
		LastPingSentAt:  now,
	}
	c.servers.Insert(req.Token, server)

	c.logger.Info().Str("server", server.ID.String()).Msg("Server verified")
	return nil
}
