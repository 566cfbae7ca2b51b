// Package persistence contains concrete registry implementations backed by
// external stores.
package persistence

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

const defaultConnectionsCollection = "connections"

// FirestoreRegistry implements notify.ConnectionRegistry using Google Cloud
// Firestore. The document ID is the connectionId; user lookups run a
// keys-only projection query against the userId field.
type FirestoreRegistry struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreRegistry is the constructor for the FirestoreRegistry.
func NewFirestoreRegistry(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collection == "" {
		collection = defaultConnectionsCollection
	}
	return &FirestoreRegistry{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreRegistry").Logger(),
	}, nil
}

// Put inserts or overwrites the connection record. Set is an unconditional
// upsert, so concurrent writers resolve by last-write-wins.
func (r *FirestoreRegistry) Put(ctx context.Context, record notify.Connection) error {
	docRef := r.client.Collection(r.collection).Doc(record.ConnectionID)
	if _, err := docRef.Set(ctx, record); err != nil {
		return fmt.Errorf("failed to put connection record %s: %w", record.ConnectionID, err)
	}
	return nil
}

// Delete removes the record. Firestore deletes of missing documents succeed,
// which gives us the idempotent delete the registry contract requires.
func (r *FirestoreRegistry) Delete(ctx context.Context, connectionID string) error {
	docRef := r.client.Collection(r.collection).Doc(connectionID)
	if _, err := docRef.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete connection record %s: %w", connectionID, err)
	}
	return nil
}

// LookupByConnection fetches a single record by its document ID.
func (r *FirestoreRegistry) LookupByConnection(ctx context.Context, connectionID string) (string, error) {
	snap, err := r.client.Collection(r.collection).Doc(connectionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", notify.ErrConnectionNotFound
		}
		return "", fmt.Errorf("failed to get connection record %s: %w", connectionID, err)
	}

	var record notify.Connection
	if err := snap.DataTo(&record); err != nil {
		return "", fmt.Errorf("failed to unmarshal connection record %s: %w", connectionID, err)
	}
	return record.UserID, nil
}

// LookupByUser queries the userId field with an empty Select, so Firestore
// returns document references only (a keys-only index read); the
// connectionIds are the document IDs.
func (r *FirestoreRegistry) LookupByUser(ctx context.Context, userID string) ([]string, error) {
	query := r.client.Collection(r.collection).
		Where("userId", "==", userID).
		Select()

	docSnaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query connections for user %s: %w", userID, err)
	}

	connectionIDs := make([]string, 0, len(docSnaps))
	for _, doc := range docSnaps {
		connectionIDs = append(connectionIDs, doc.Ref.ID)
	}
	return connectionIDs, nil
}
