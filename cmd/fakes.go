package cmd

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/brokerservice/config"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// NewFakeDependencies creates in-memory fakes for local development. The
// resolver is seeded with a single well-known experience, and the channel
// only logs what would have been delivered.
func NewFakeDependencies(_ context.Context, _ *config.AppConfig, logger zerolog.Logger) (*broker.Dependencies, error) {
	resolver := NewInMemoryResolver()
	resolver.AddExperience(broker.Experience{ID: 1, OpenCloudAPIKey: "local-open-cloud-key"}, "local-dev-key")
	resolver.AddAction(1, "restart")

	return &broker.Dependencies{
		Resolver: resolver,
		Channel:  NewLoggingChannel(logger),
	}, nil
}

// InMemoryResolver is an in-memory broker.IdentityResolver used in local
// run mode.
type InMemoryResolver struct {
	mu          sync.RWMutex
	experiences map[uint64]broker.Experience
	apiKeys     map[string]uint64
	actions     map[uint64][]broker.ServerAction
}

func NewInMemoryResolver() *InMemoryResolver {
	return &InMemoryResolver{
		experiences: make(map[uint64]broker.Experience),
		apiKeys:     make(map[string]uint64),
		actions:     make(map[uint64][]broker.ServerAction),
	}
}

func (r *InMemoryResolver) AddExperience(experience broker.Experience, apiKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.experiences[experience.ID] = experience
	r.apiKeys[apiKey] = experience.ID
}

func (r *InMemoryResolver) AddAction(experienceID uint64, actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[experienceID] = append(r.actions[experienceID], broker.ServerAction{ID: actionID})
}

func (r *InMemoryResolver) ExperienceByID(_ context.Context, id uint64) (*broker.Experience, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	experience, ok := r.experiences[id]
	if !ok {
		return nil, broker.ErrExperienceNotFound
	}
	return &experience, nil
}

func (r *InMemoryResolver) ExperienceByAPIKey(_ context.Context, apiKey string) (*broker.Experience, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.apiKeys[apiKey]
	if !ok {
		return nil, broker.ErrExperienceNotFound
	}
	experience := r.experiences[id]
	return &experience, nil
}

func (r *InMemoryResolver) ServerActions(_ context.Context, experienceID uint64) ([]broker.ServerAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]broker.ServerAction(nil), r.actions[experienceID]...), nil
}

// LoggingChannel is a broker.ChannelPublisher that logs instead of
// delivering anything.
type LoggingChannel struct {
	logger zerolog.Logger
}

func NewLoggingChannel(logger zerolog.Logger) *LoggingChannel {
	return &LoggingChannel{logger: logger.With().Str("component", "LoggingChannel").Logger()}
}

func (c *LoggingChannel) Publish(_ context.Context, experience *broker.Experience, topic string, payload string) error {
	c.logger.Info().
		Uint64("universe", experience.ID).
		Str("topic", topic).
		Str("payload", payload).
		Msg("[FAKE-CHANNEL] Publish called.")
	return nil
}
