// Package api defines the HTTP handlers for the server broker: the
// connection handshake, per-server roster and heartbeat endpoints, and the
// privileged per-experience endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-server-broker/internal/handshake"
	"github.com/tinywideclouds/go-server-broker/internal/registry"
	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// Request headers. The connection token is the sole capability identifying a
// server after the handshake; the place id accompanies both handshake phases.
const (
	headerAPIKey          = "X-API-Key"
	headerConnectionToken = "X-Connection-Token"
	headerPlaceID         = "X-Place-ID"
	headerCountry         = "CF-IPCountry"
)

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	handshake   *handshake.Coordinator
	servers     *registry.Registry
	resolver    broker.IdentityResolver
	channel     broker.ChannelPublisher
	adminAPIKey string
	globalTopic string
	banner      string
	logger      zerolog.Logger
}

// NewAPI creates the handler set. adminAPIKey guards the per-experience
// endpoints and is distinct from the per-experience keys the resolver knows
// about; globalTopic is the fixed out-of-band topic for triggered actions.
func NewAPI(
	coordinator *handshake.Coordinator,
	servers *registry.Registry,
	deps *broker.Dependencies,
	adminAPIKey string,
	globalTopic string,
	banner string,
	logger zerolog.Logger,
) *API {
	return &API{
		handshake:   coordinator,
		servers:     servers,
		resolver:    deps.Resolver,
		channel:     deps.Channel,
		adminAPIKey: adminAPIKey,
		globalTopic: globalTopic,
		banner:      banner,
		logger:      logger,
	}
}

// IndexHandler serves the service banner.
func (a *API) IndexHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, a.banner)
}

type createServerPayload struct {
	ServerID    uuid.UUID `json:"server_id"`
	SecretTopic string    `json:"secret_topic"`
}

// CreateServerHandler begins the handshake for a new server connection.
func (a *API) CreateServerHandler(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get(headerAPIKey)
	if apiKey == "" {
		writeError(w, broker.ErrInvalidAPIKey)
		return
	}
	placeID, err := placeIDFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var payload createServerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to decode create server body")
		writeError(w, broker.ErrInvalidRequest)
		return
	}

	err = a.handshake.Begin(r.Context(), handshake.BeginRequest{
		APIKey:      apiKey,
		PlaceID:     placeID,
		ServerID:    payload.ServerID,
		SecretTopic: payload.SecretTopic,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type verifyServerPayload struct {
	PlaceVersion    uint64 `json:"place_version"`
	PrivateServerID string `json:"private_server_id"`
}

// VerifyServerHandler completes the handshake: the caller echoes back the
// token it received over the out-of-band channel.
func (a *API) VerifyServerHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	placeID, err := placeIDFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var payload verifyServerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to decode verify body")
		writeError(w, broker.ErrInvalidRequest)
		return
	}

	err = a.handshake.Verify(r.Context(), handshake.VerifyRequest{
		Token:           token,
		PlaceID:         placeID,
		PlaceVersion:    payload.PlaceVersion,
		PrivateServerID: payload.PrivateServerID,
		Country:         r.Header.Get(headerCountry),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// ServerActionsHandler returns the experience's configured server actions.
// One-shot per connection: a second call answers too_many_requests. The flag
// flips before the resolver lookup, so a failed lookup still burns the shot.
func (a *API) ServerActionsHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	experienceID, already, ok := a.servers.MarkActionsRequested(token)
	if !ok {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	if already {
		writeError(w, broker.ErrTooManyRequests)
		return
	}

	actions, err := a.resolver.ServerActions(r.Context(), experienceID)
	if err != nil {
		a.logger.Error().Err(err).Uint64("experience", experienceID).Msg("Failed to list server actions")
		writeError(w, broker.ErrInternal)
		return
	}
	if actions == nil {
		actions = []broker.ServerAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}

// SetPlayersHandler replaces the entire player roster.
func (a *API) SetPlayersHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var players map[uint64]broker.ServerPlayer
	if err := json.NewDecoder(r.Body).Decode(&players); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to decode player roster")
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	if !a.servers.SetPlayers(token, players) {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// SetPlayerHandler upserts one player by id.
func (a *API) SetPlayerHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	userID, err := strconv.ParseUint(r.PathValue("user_id"), 10, 64)
	if err != nil {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	var player broker.ServerPlayer
	if err := json.NewDecoder(r.Body).Decode(&player); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to decode player")
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	if !a.servers.UpsertPlayer(token, userID, player) {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// RemovePlayerHandler removes one player by id.
func (a *API) RemovePlayerHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	userID, err := strconv.ParseUint(r.PathValue("user_id"), 10, 64)
	if err != nil {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	if !a.servers.RemovePlayer(token, userID) {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// AckHandler acknowledges an outstanding heartbeat ping. The body is the raw
// ping token.
func (a *API) AckHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	if !a.servers.Acknowledge(token, string(body), time.Now()) {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	a.logger.Debug().Msg("Server acknowledged heartbeat ping")
	writeJSON(w, http.StatusOK, nil)
}

// RemoveServerHandler disconnects this server from the registry.
func (a *API) RemoveServerHandler(w http.ResponseWriter, r *http.Request) {
	token, err := tokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !a.servers.Remove(token) {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// ExperienceServersHandler lists the active connections for one experience.
// Privileged: requires the broker's admin API key.
func (a *API) ExperienceServersHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.requireAdminKey(r); err != nil {
		writeError(w, err)
		return
	}
	experienceID, err := strconv.ParseUint(r.PathValue("experience_id"), 10, 64)
	if err != nil {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	writeJSON(w, http.StatusOK, a.servers.ByExperience(experienceID))
}

type triggerActionPayload struct {
	ID string `json:"id"`
}

// TriggerActionHandler publishes an action id on the fixed global topic for
// every server of an experience. Privileged. The publish is fire-and-forget.
func (a *API) TriggerActionHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.requireAdminKey(r); err != nil {
		writeError(w, err)
		return
	}
	experienceID, err := strconv.ParseUint(r.PathValue("experience_id"), 10, 64)
	if err != nil {
		writeError(w, broker.ErrInvalidRequest)
		return
	}
	var payload triggerActionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, broker.ErrInvalidRequest)
		return
	}

	experience, err := a.resolver.ExperienceByID(r.Context(), experienceID)
	if err != nil {
		if errors.Is(err, broker.ErrExperienceNotFound) {
			writeError(w, broker.ErrResourceNotFound)
			return
		}
		a.logger.Error().Err(err).Uint64("experience", experienceID).Msg("Failed to resolve experience")
		writeError(w, broker.ErrInternal)
		return
	}

	if err := a.channel.Publish(r.Context(), experience, a.globalTopic, payload.ID); err != nil {
		a.logger.Error().Err(err).Uint64("experience", experienceID).Msg("Failed to publish triggered action")
	}
	writeJSON(w, http.StatusOK, nil)
}

func (a *API) requireAdminKey(r *http.Request) error {
	if a.adminAPIKey == "" || r.Header.Get(headerAPIKey) != a.adminAPIKey {
		return broker.ErrInvalidAPIKey
	}
	return nil
}

func tokenFromRequest(r *http.Request) (string, error) {
	token := r.Header.Get(headerConnectionToken)
	if token == "" {
		return "", broker.ErrInvalidAPIKey
	}
	return token, nil
}

func placeIDFromRequest(r *http.Request) (uint64, error) {
	raw := r.Header.Get(headerPlaceID)
	if raw == "" {
		return 0, broker.ErrMissingHeaders
	}
	placeID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, broker.ErrMissingHeaders
	}
	return placeID, nil
}
