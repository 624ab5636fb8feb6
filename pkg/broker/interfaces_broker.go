package broker

import (
	"context"
	"errors"
)

// ErrExperienceNotFound is returned by IdentityResolver implementations when
// no experience matches the given id or API key.
var ErrExperienceNotFound = errors.New("experience not found")

// IdentityResolver resolves experience records and their configured server
// actions. Implementations are expected to be safe for concurrent use.
type IdentityResolver interface {
	// ExperienceByID resolves an experience by its numeric universe id.
	ExperienceByID(ctx context.Context, id uint64) (*Experience, error)

	// ExperienceByAPIKey resolves an experience by the per-experience API key
	// presented during the connection handshake.
	ExperienceByAPIKey(ctx context.Context, apiKey string) (*Experience, error)

	// ServerActions lists the actions configured for an experience.
	ServerActions(ctx context.Context, experienceID uint64) ([]ServerAction, error)
}

// ChannelPublisher delivers a short string payload to a remote game server
// addressed by (experience, topic). Delivery is fire-and-forget: there is no
// confirmation that the payload reached a live server.
type ChannelPublisher interface {
	Publish(ctx context.Context, experience *Experience, topic string, payload string) error
}

// Dependencies holds the external collaborators the broker needs to operate.
// This struct is used for dependency injection.
type Dependencies struct {
	Resolver IdentityResolver
	Channel  ChannelPublisher
}
