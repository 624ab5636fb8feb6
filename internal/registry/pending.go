// Package registry holds the broker's two pieces of shared mutable state:
// the short-lived pending-connection store and the active-connection
// registry. Both are plain maps behind their own locks; a connection token
// lives in at most one of the two at any time.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

// PendingConnection is an unverified registration awaiting the second phase
// of the handshake. It is consumed at most once, by Take.
type PendingConnection struct {
	PlaceID         uint64
	ServerID        uuid.UUID
	Experience      broker.Experience
	SecretTopic     string
	ConnectionToken string
	CreatedAt       time.Time
}

// PendingStore is the mutex-guarded map of connection token to pending
// registration.
type PendingStore struct {
	mu      sync.Mutex
	entries map[string]PendingConnection
}

// NewPendingStore creates an empty pending-connection store.
func NewPendingStore() *PendingStore {
	return &PendingStore{
		entries: make(map[string]PendingConnection),
	}
}

// Put stores a pending registration under its connection token. It fails if
// the token is already present; tokens are drawn from a 64-character random
// space, so a collision is not retried here.
func (s *PendingStore) Put(token string, pending PendingConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[token]; exists {
		return fmt.Errorf("pending connection token collision")
	}
	s.entries[token] = pending
	return nil
}

// Take atomically removes and returns the pending registration for token.
// This is the single-consumption primitive that prevents a token from being
// verified twice.
func (s *PendingStore) Take(token string) (PendingConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	return pending, ok
}

// EvictBefore removes every pending registration created before cutoff and
// returns how many were removed. A Begin that is never followed by Verify
// would otherwise sit in the map forever.
func (s *PendingStore) EvictBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for token, pending := range s.entries {
		if pending.CreatedAt.Before(cutoff) {
			delete(s.entries, token)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of pending registrations.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
