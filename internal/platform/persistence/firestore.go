// Package persistence contains the identity-resolver adapters: the
// Firestore-backed experience store and an optional Redis read-through
// cache in front of it.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-server-broker/pkg/broker"
)

const serverActionsCollection = "server_actions"

// experienceDoc is the stored shape of an experience. The API keys live only
// in this collection; the database layer is pre-trusted.
type experienceDoc struct {
	ID              uint64 `firestore:"id"`
	APIKey          string `firestore:"api_key"`
	OpenCloudAPIKey string `firestore:"open_cloud_api_key"`
}

// FirestoreStore implements broker.IdentityResolver using Google Cloud
// Firestore. Experiences are documents keyed by their numeric id, with the
// configured server actions in a subcollection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("experiences collection name cannot be empty")
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// ExperienceByID resolves an experience by its numeric universe id.
func (s *FirestoreStore) ExperienceByID(ctx context.Context, id uint64) (*broker.Experience, error) {
	snap, err := s.client.Collection(s.collection).Doc(fmt.Sprintf("%d", id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, broker.ErrExperienceNotFound
		}
		return nil, fmt.Errorf("failed to get experience %d: %w", id, err)
	}
	return docToExperience(snap)
}

// ExperienceByAPIKey resolves an experience by its per-experience API key.
func (s *FirestoreStore) ExperienceByAPIKey(ctx context.Context, apiKey string) (*broker.Experience, error) {
	query := s.client.Collection(s.collection).Where("api_key", "==", apiKey).Limit(1)
	docs := query.Documents(ctx)
	defer docs.Stop()

	snap, err := docs.Next()
	if errors.Is(err, iterator.Done) {
		return nil, broker.ErrExperienceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query experience by api key: %w", err)
	}
	return docToExperience(snap)
}

// ServerActions lists the actions configured for an experience. The action
// id is the subcollection document id.
func (s *FirestoreStore) ServerActions(ctx context.Context, experienceID uint64) ([]broker.ServerAction, error) {
	ref := s.client.Collection(s.collection).
		Doc(fmt.Sprintf("%d", experienceID)).
		Collection(serverActionsCollection)

	docs := ref.Documents(ctx)
	defer docs.Stop()

	actions := make([]broker.ServerAction, 0)
	for {
		snap, err := docs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list server actions for %d: %w", experienceID, err)
		}
		actions = append(actions, broker.ServerAction{ID: snap.Ref.ID})
	}
	return actions, nil
}

func docToExperience(snap *firestore.DocumentSnapshot) (*broker.Experience, error) {
	var doc experienceDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experience %s: %w", snap.Ref.ID, err)
	}
	return &broker.Experience{
		ID:              doc.ID,
		OpenCloudAPIKey: doc.OpenCloudAPIKey,
	}, nil
}
