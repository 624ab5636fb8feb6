// Package broker contains the public domain models, interfaces, and error
// taxonomy for the server broker. It defines the contract between the HTTP
// surface, the in-memory registry, and the platform adapters.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Experience is the resolved tenant record a connection belongs to: the
// numeric universe id plus the Open Cloud API key used to reach its servers
// over the out-of-band channel. Immutable once resolved; the API key is
// never serialized outward.
type Experience struct {
	ID              uint64 `json:"id" firestore:"id"`
	OpenCloudAPIKey string `json:"-" firestore:"open_cloud_api_key"`
}

// ServerAction is an action an experience has configured for its servers.
type ServerAction struct {
	ID string `json:"id"`
}

// ServerPlayer is one seated player on a connected server. JoinedAt is
// accepted from clients as Unix seconds and emitted as RFC 3339.
type ServerPlayer struct {
	ID               uint64
	Name             string
	Username         string
	HasVerifiedBadge bool
	JoinedAt         time.Time
	JoinedViaUser    uint64
}

// JoinedVia returns the referring player id, if any. Zero means the player
// joined without a referrer.
func (p ServerPlayer) JoinedVia() (uint64, bool) {
	if p.JoinedViaUser == 0 {
		return 0, false
	}
	return p.JoinedViaUser, true
}

type serverPlayerWire struct {
	ID               uint64 `json:"id"`
	Name             string `json:"name"`
	Username         string `json:"username"`
	HasVerifiedBadge bool   `json:"has_verified_badge"`
	JoinedAt         int64  `json:"joined_at"`
	JoinedViaUser    uint64 `json:"joined_via_user"`
}

// UnmarshalJSON decodes the client shape, with joined_at as Unix seconds.
func (p *ServerPlayer) UnmarshalJSON(data []byte) error {
	var wire serverPlayerWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*p = ServerPlayer{
		ID:               wire.ID,
		Name:             wire.Name,
		Username:         wire.Username,
		HasVerifiedBadge: wire.HasVerifiedBadge,
		JoinedAt:         time.Unix(wire.JoinedAt, 0).UTC(),
		JoinedViaUser:    wire.JoinedViaUser,
	}
	return nil
}

// MarshalJSON emits joined_at as RFC 3339.
func (p ServerPlayer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID               uint64 `json:"id"`
		Name             string `json:"name"`
		Username         string `json:"username"`
		HasVerifiedBadge bool   `json:"has_verified_badge"`
		JoinedAt         string `json:"joined_at"`
		JoinedViaUser    uint64 `json:"joined_via_user"`
	}{
		ID:               p.ID,
		Name:             p.Name,
		Username:         p.Username,
		HasVerifiedBadge: p.HasVerifiedBadge,
		JoinedAt:         p.JoinedAt.UTC().Format(time.RFC3339),
		JoinedViaUser:    p.JoinedViaUser,
	})
}

// Server is a fully verified, live server connection. It is owned by the
// active-connection registry and only ever mutated under the registry's
// write lock. The connection token, heartbeat state, and secret topic never
// leave the process.
type Server struct {
	ID                  uuid.UUID
	Country             string
	PlaceID             uint64
	PlaceVersion        uint64
	PrivateServerID     string
	HasRequestedActions bool
	CreatedAt           time.Time
	Players             map[uint64]ServerPlayer
	Experience          Experience

	ConnectionToken string

	// Heartbeat state. AckToken is the outstanding ping token; at most one
	// ping is outstanding per server at any time.
	AckToken       string
	LastAckAt      time.Time
	LastPingSentAt time.Time
	SecretTopic    string
}

// MarshalJSON serializes the externally visible view of a server: the player
// map becomes an array, and the connection token, heartbeat state, and secret
// topic are omitted.
func (s *Server) MarshalJSON() ([]byte, error) {
	players := make([]ServerPlayer, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, p)
	}

	var country, privateServerID *string
	if s.Country != "" {
		country = &s.Country
	}
	if s.PrivateServerID != "" {
		privateServerID = &s.PrivateServerID
	}

	return json.Marshal(struct {
		ID                  uuid.UUID      `json:"id"`
		Country             *string        `json:"country"`
		PlaceID             uint64         `json:"place_id"`
		PlaceVersion        uint64         `json:"place_version"`
		PrivateServerID     *string        `json:"private_server_id"`
		HasRequestedActions bool           `json:"has_requested_actions"`
		CreatedAt           string         `json:"created_at"`
		Players             []ServerPlayer `json:"players"`
		Experience          Experience     `json:"experience"`
	}{
		ID:                  s.ID,
		Country:             country,
		PlaceID:             s.PlaceID,
		PlaceVersion:        s.PlaceVersion,
		PrivateServerID:     privateServerID,
		HasRequestedActions: s.HasRequestedActions,
		CreatedAt:           s.CreatedAt.UTC().Format(time.RFC3339),
		Players:             players,
		Experience:          s.Experience,
	})
}

// Clone returns a deep copy safe to use outside the registry lock.
func (s *Server) Clone() *Server {
	clone := *s
	clone.Players = make(map[uint64]ServerPlayer, len(s.Players))
	for id, p := range s.Players {
		clone.Players[id] = p
	}
	return &clone
}
