package store

import (
	"context"
	"errors"
	"log"
	"time"

	"crisiswatch/internal/resilience"
)

// FallbackStore sends every call to a primary store through a circuit breaker
// and serves it from a local MemoryStore when the primary fails or the breaker
// is open. State written during an outage stays local to the process.
type FallbackStore struct {
	primary Store
	local   *MemoryStore
	breaker *resilience.CircuitBreaker
}

// NewFallbackStore wraps primary with breaker. local receives degraded traffic.
func NewFallbackStore(primary Store, local *MemoryStore, breaker *resilience.CircuitBreaker) *FallbackStore {
	if local == nil {
		local = NewMemoryStore(time.Minute)
	}
	return &FallbackStore{primary: primary, local: local, breaker: breaker}
}

// Breaker returns the breaker guarding the primary store
func (f *FallbackStore) Breaker() *resilience.CircuitBreaker {
	return f.breaker
}

func (f *FallbackStore) degrade(op string, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return
	}
	log.Printf("⚠️ [STORE] %s failed on primary store, using memory: %v", op, err)
}

// call runs fn on the primary. ErrNotFound is an answer, not a failure.
func (f *FallbackStore) call(ctx context.Context, fn func(ctx context.Context) error) (notFound bool, err error) {
	err = f.breaker.Execute(ctx, func(ctx context.Context) error {
		callErr := fn(ctx)
		if errors.Is(callErr, ErrNotFound) {
			notFound = true
			return nil
		}
		return callErr
	})
	return notFound, err
}

// Get implements Store
func (f *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	notFound, err := f.call(ctx, func(ctx context.Context) error {
		var getErr error
		value, getErr = f.primary.Get(ctx, key)
		return getErr
	})
	if err != nil {
		f.degrade("get", err)
		return f.local.Get(ctx, key)
	}
	if notFound {
		// A value written locally during an outage is still served.
		return f.local.Get(ctx, key)
	}
	return value, nil
}

// Set implements Store
func (f *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := f.call(ctx, func(ctx context.Context) error {
		return f.primary.Set(ctx, key, value, ttl)
	})
	if err != nil {
		f.degrade("set", err)
		return f.local.Set(ctx, key, value, ttl)
	}
	return nil
}

// SetNX implements Store
func (f *FallbackStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	_, err := f.call(ctx, func(ctx context.Context) error {
		var setErr error
		ok, setErr = f.primary.SetNX(ctx, key, value, ttl)
		return setErr
	})
	if err != nil {
		f.degrade("setnx", err)
		return f.local.SetNX(ctx, key, value, ttl)
	}
	return ok, nil
}

// Delete implements Store. Keys are removed from both tiers.
func (f *FallbackStore) Delete(ctx context.Context, keys ...string) error {
	_ = f.local.Delete(ctx, keys...)
	_, err := f.call(ctx, func(ctx context.Context) error {
		return f.primary.Delete(ctx, keys...)
	})
	if err != nil {
		f.degrade("delete", err)
	}
	return nil
}

// Keys implements Store. The result merges both tiers.
func (f *FallbackStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var primaryKeys []string
	_, err := f.call(ctx, func(ctx context.Context) error {
		var keysErr error
		primaryKeys, keysErr = f.primary.Keys(ctx, prefix)
		return keysErr
	})
	if err != nil {
		f.degrade("keys", err)
	}

	localKeys, _ := f.local.Keys(ctx, prefix)
	seen := make(map[string]struct{}, len(primaryKeys)+len(localKeys))
	merged := make([]string, 0, len(primaryKeys)+len(localKeys))
	for _, k := range append(primaryKeys, localKeys...) {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	return merged, nil
}

// AcquireLock implements Store
func (f *FallbackStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var ok bool
	_, err := f.call(ctx, func(ctx context.Context) error {
		var lockErr error
		ok, lockErr = f.primary.AcquireLock(ctx, key, owner, ttl)
		return lockErr
	})
	if err != nil {
		f.degrade("lock", err)
		return f.local.AcquireLock(ctx, key, owner, ttl)
	}
	return ok, nil
}

// ReleaseLock implements Store
func (f *FallbackStore) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if released, _ := f.local.ReleaseLock(ctx, key, owner); released {
		return true, nil
	}
	var ok bool
	_, err := f.call(ctx, func(ctx context.Context) error {
		var releaseErr error
		ok, releaseErr = f.primary.ReleaseLock(ctx, key, owner)
		return releaseErr
	})
	if err != nil {
		f.degrade("unlock", err)
		return false, err
	}
	return ok, nil
}

// Ping reports the primary's health
func (f *FallbackStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

// Mode implements Store
func (f *FallbackStore) Mode() string {
	if f.breaker.State() == resilience.CircuitClosed {
		return f.primary.Mode()
	}
	return "degraded"
}

// Close closes both tiers
func (f *FallbackStore) Close() error {
	_ = f.local.Close()
	return f.primary.Close()
}

// Open returns the store to use for the process: Redis guarded by a breaker
// when redisURL is set and reachable, otherwise memory with a logged warning.
func Open(ctx context.Context, redisURL, namespace string, breaker *resilience.CircuitBreaker) Store {
	if redisURL == "" {
		log.Println("⚠️ [STORE] REDIS_URL not set, using in-memory store (state is lost on restart)")
		return NewMemoryStore(time.Minute)
	}

	primary, err := NewRedisStore(ctx, redisURL, namespace)
	if err != nil {
		log.Printf("⚠️ [STORE] Redis unavailable, using in-memory store: %v", err)
		return NewMemoryStore(time.Minute)
	}
	return NewFallbackStore(primary, NewMemoryStore(time.Minute), breaker)
}
