// Package store provides the expiring key-value store shared by cooldowns,
// session snapshots and scheduled follow-ups.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired
var ErrNotFound = errors.New("store: key not found")

// Store is an expiring key-value store. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only if it does not exist and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)

	// AcquireLock takes a lock owned by owner; it reports false if another owner holds it
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLock removes the lock only if owner still holds it
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)

	Ping(ctx context.Context) error
	// Mode names the backend for health output ("redis", "memory", "degraded")
	Mode() string
	Close() error
}

// GetJSON loads key and decodes it into v
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
