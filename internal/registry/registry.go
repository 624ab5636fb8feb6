package registry

import (
	"sync"
	"time"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// Registry is the system of record for which servers are currently
// connected. It maps connection tokens to live server records behind an
// RWMutex; every mutation of a record's roster or heartbeat state happens
// under the write lock, so operations on a single token are totally ordered.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*broker.Server
}

// NewRegistry creates an empty active-connection registry.
func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]*broker.Server),
	}
}

// Insert registers a verified server under its connection token.
func (r *Registry) Insert(token string, server *broker.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[token] = server
}

// Remove deletes the server for token, reporting whether it existed.
func (r *Registry) Remove(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.servers[token]
	delete(r.servers, token)
	return ok
}

// Snapshot returns a deep copy of the server for token.
func (r *Registry) Snapshot(token string) (*broker.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[token]
	if !ok {
		return nil, false
	}
	return server.Clone(), true
}

// ByExperience returns deep copies of every server belonging to the given
// experience. The experience was validated once at Begin time; entries are
// not re-validated here.
func (r *Registry) ByExperience(experienceID uint64) []*broker.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*broker.Server, 0)
	for _, server := range r.servers {
		if server.Experience.ID == experienceID {
			matched = append(matched, server.Clone())
		}
	}
	return matched
}

// Len returns the number of connected servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// SetPlayers replaces the entire player roster for token.
func (r *Registry) SetPlayers(token string, players map[uint64]broker.ServerPlayer) bool {
	return r.update(token, func(s *broker.Server) {
		if players == nil {
			players = make(map[uint64]broker.ServerPlayer)
		}
		s.Players = players
	})
}

// UpsertPlayer inserts or replaces one player by id.
func (r *Registry) UpsertPlayer(token string, id uint64, player broker.ServerPlayer) bool {
	return r.update(token, func(s *broker.Server) {
		s.Players[id] = player
	})
}

// RemovePlayer removes one player by id. Removing an absent player is not an
// error.
func (r *Registry) RemovePlayer(token string, id uint64) bool {
	return r.update(token, func(s *broker.Server) {
		delete(s.Players, id)
	})
}

// MarkActionsRequested flips the one-shot has-requested-actions flag.
// It returns the server's experience id, whether the flag was already set,
// and whether the token resolved at all.
func (r *Registry) MarkActionsRequested(token string) (experienceID uint64, already bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	server, found := r.servers[token]
	if !found {
		return 0, false, false
	}
	if server.HasRequestedActions {
		return server.Experience.ID, true, true
	}
	server.HasRequestedActions = true
	return server.Experience.ID, false, true
}

// Acknowledge compares ackToken against the record's outstanding ping token.
// On an exact match it clears the ping and refreshes last_ack_at, returning
// the record to idle. A mismatched token, an absent outstanding ping, or an
// unknown connection token all leave the heartbeat state untouched.
func (r *Registry) Acknowledge(token string, ackToken string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	server, found := r.servers[token]
	if !found {
		return false
	}
	if server.AckToken == "" || server.AckToken != ackToken {
		return false
	}
	server.AckToken = ""
	server.LastAckAt = now
	return true
}

// TrySweep attempts a non-blocking write acquisition of the registry and, if
// it succeeds, runs fn over every server. A server is evicted when fn
// returns true. The return value reports whether the lock was acquired; on
// contention the caller is expected to skip the whole tick rather than
// queue a retry.
func (r *Registry) TrySweep(fn func(token string, server *broker.Server) (evict bool)) bool {
	if !r.mu.TryLock() {
		return false
	}
	defer r.mu.Unlock()
	for token, server := range r.servers {
		if fn(token, server) {
			delete(r.servers, token)
		}
	}
	return true
}

func (r *Registry) update(token string, fn func(*broker.Server)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	server, found := r.servers[token]
	if !found {
		return false
	}
	fn(server)
	return true
}
