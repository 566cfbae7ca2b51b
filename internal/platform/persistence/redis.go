package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// redisClient defines the subset of go-redis we need, so tests can
// substitute a fake.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisRegistry implements notify.ConnectionRegistry using Redis. It keeps
// two structures per record:
//  1. `conn:{connectionId}`: a string key holding the owning userId.
//  2. `user:{userId}`: a set of the user's live connectionIds (the
//     secondary index, keys only).
type RedisRegistry struct {
	client redisClient
	logger zerolog.Logger
}

// NewRedisRegistry is the constructor for the RedisRegistry.
func NewRedisRegistry(client redisClient, logger zerolog.Logger) (*RedisRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisRegistry{
		client: client,
		logger: logger.With().Str("component", "RedisRegistry").Logger(),
	}, nil
}

// Put writes the primary key and adds the connection to the user's index
// set. A re-Put of the same connection is a harmless overwrite.
func (r *RedisRegistry) Put(ctx context.Context, record notify.Connection) error {
	connKey := connectionKey(record.ConnectionID)
	userKey := userIndexKey(record.UserID)

	if err := r.client.Set(ctx, connKey, record.UserID, 0).Err(); err != nil {
		return fmt.Errorf("failed to set connection key %s: %w", connKey, err)
	}
	if err := r.client.SAdd(ctx, userKey, record.ConnectionID).Err(); err != nil {
		return fmt.Errorf("failed to index connection %s for user %s: %w", record.ConnectionID, record.UserID, err)
	}
	return nil
}

// Delete removes the primary key and the index entry. An absent record is a
// no-op.
func (r *RedisRegistry) Delete(ctx context.Context, connectionID string) error {
	connKey := connectionKey(connectionID)

	userID, err := r.client.Get(ctx, connKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read connection key %s: %w", connKey, err)
	}

	if err := r.client.Del(ctx, connKey).Err(); err != nil {
		return fmt.Errorf("failed to delete connection key %s: %w", connKey, err)
	}
	if err := r.client.SRem(ctx, userIndexKey(userID), connectionID).Err(); err != nil {
		// The primary record is gone; a dangling index entry only costs a
		// stale push that self-heals through cleanup.
		r.logger.Warn().Err(err).Str("connection_id", connectionID).Str("user_id", userID).
			Msg("Failed to remove connection from user index")
	}
	return nil
}

// LookupByConnection resolves the owning userId.
func (r *RedisRegistry) LookupByConnection(ctx context.Context, connectionID string) (string, error) {
	userID, err := r.client.Get(ctx, connectionKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", notify.ErrConnectionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read connection key: %w", err)
	}
	return userID, nil
}

// LookupByUser returns the members of the user's index set.
func (r *RedisRegistry) LookupByUser(ctx context.Context, userID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user index for %s: %w", userID, err)
	}
	return members, nil
}

// key formatting helpers
func connectionKey(connectionID string) string { return fmt.Sprintf("conn:%s", connectionID) }
func userIndexKey(userID string) string        { return fmt.Sprintf("user:%s", userID) }
