// Package redisindex layers a Redis-backed label index over another
// contentstore.Store. Blobs stay in the wrapped store (filesystem or S3);
// only the label→hash pointers move to Redis, so "latest wins" label
// resolution is shared across every process pointed at the same Redis,
// which a per-host filesystem store cannot give a multi-process deployment.
package redisindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/theater-run/theater/contentstore"
)

// Store implements contentstore.Store with Redis-held labels.
type Store struct {
	blobs  contentstore.Store
	client *redis.Client
	prefix string
}

// New wraps blobs with a Redis label index. prefix namespaces the Redis
// keys; empty defaults to "theater".
func New(blobs contentstore.Store, client *redis.Client, prefix string) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("redisindex: blob store is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redisindex: redis client is required")
	}
	if prefix == "" {
		prefix = "theater"
	}
	return &Store{blobs: blobs, client: client, prefix: prefix}, nil
}

func (s *Store) key(storeID string) string {
	return fmt.Sprintf("%s:labels:%s", s.prefix, storeID)
}

// Put delegates to the wrapped blob store.
func (s *Store) Put(ctx context.Context, storeID string, content []byte) (contentstore.ContentRef, error) {
	return s.blobs.Put(ctx, storeID, content)
}

// Get delegates to the wrapped blob store.
func (s *Store) Get(ctx context.Context, ref contentstore.ContentRef) ([]byte, error) {
	return s.blobs.Get(ctx, ref)
}

// PutLabel writes the label pointer into a per-store Redis hash. HSET
// overwrites, so the last writer wins across every process sharing the
// index.
func (s *Store) PutLabel(ctx context.Context, storeID, label string, ref contentstore.ContentRef) error {
	if err := s.client.HSet(ctx, s.key(storeID), label, ref.Hash).Err(); err != nil {
		return fmt.Errorf("redisindex: put label %s: %w", label, err)
	}
	return nil
}

// ResolveLabel reads the label pointer back from Redis.
func (s *Store) ResolveLabel(ctx context.Context, storeID, label string) (contentstore.ContentRef, error) {
	hash, err := s.client.HGet(ctx, s.key(storeID), label).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return contentstore.ContentRef{}, contentstore.ErrNotFound
		}
		return contentstore.ContentRef{}, fmt.Errorf("redisindex: resolve label %s: %w", label, err)
	}
	return contentstore.ContentRef{StoreID: storeID, Hash: hash}, nil
}

var _ contentstore.Store = (*Store)(nil)
