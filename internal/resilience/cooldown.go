package resilience

import (
	"context"
	"log"
	"time"

	"github.com/patrickmn/go-cache"
)

// ExpiringStore is the subset of a key-value store the cooldown tracker
// mirrors its entries into, so suppression survives a restart.
type ExpiringStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

const cooldownKeyPrefix = "cooldown:"

// CooldownTracker is a per-subject expiring timestamp map.
// Entries live in a local go-cache and are written through to an optional store.
type CooldownTracker struct {
	window  time.Duration
	local   *cache.Cache
	backing ExpiringStore
}

// NewCooldownTracker creates a tracker with the given default window.
// backing may be nil for in-memory only operation.
func NewCooldownTracker(window time.Duration, backing ExpiringStore) *CooldownTracker {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &CooldownTracker{
		window: window,
		// No janitor: expired entries are evicted lazily and by Sweep.
		local:   cache.New(window, 0),
		backing: backing,
	}
}

// Window returns the default suppression window
func (t *CooldownTracker) Window() time.Duration {
	return t.window
}

// IsActive reports whether subject is currently suppressed
func (t *CooldownTracker) IsActive(ctx context.Context, subject string) bool {
	return t.Remaining(ctx, subject) > 0
}

// Remaining returns how long subject stays suppressed (0 when not suppressed)
func (t *CooldownTracker) Remaining(ctx context.Context, subject string) time.Duration {
	if _, expiresAt, found := t.local.GetWithExpiration(subject); found {
		if remaining := time.Until(expiresAt); remaining > 0 {
			return remaining
		}
		return 0
	}

	expiresAt, ok := t.loadBacking(ctx, subject)
	if !ok {
		return 0
	}
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return 0
	}
	t.local.Set(subject, expiresAt, remaining)
	return remaining
}

// Set starts or refreshes the default window for subject
func (t *CooldownTracker) Set(ctx context.Context, subject string) {
	t.SetFor(ctx, subject, t.window)
}

// SetFor starts or refreshes a window of d for subject
func (t *CooldownTracker) SetFor(ctx context.Context, subject string, d time.Duration) {
	if d <= 0 {
		t.Clear(ctx, subject)
		return
	}
	expiresAt := time.Now().Add(d)
	t.local.Set(subject, expiresAt, d)

	if t.backing != nil {
		if err := t.backing.Set(ctx, cooldownKeyPrefix+subject, []byte(expiresAt.Format(time.RFC3339Nano)), d); err != nil {
			log.Printf("⚠️ [COOLDOWN] Failed to persist cooldown for %s: %v", subject, err)
		}
	}
}

// TryAcquire atomically starts a window for subject if none is active.
// It returns false when the subject is already suppressed.
func (t *CooldownTracker) TryAcquire(ctx context.Context, subject string) bool {
	if t.Remaining(ctx, subject) > 0 {
		return false
	}

	expiresAt := time.Now().Add(t.window)
	if err := t.local.Add(subject, expiresAt, t.window); err != nil {
		// another goroutine claimed it first
		return false
	}

	if t.backing != nil {
		ok, err := t.backing.SetNX(ctx, cooldownKeyPrefix+subject, []byte(expiresAt.Format(time.RFC3339Nano)), t.window)
		if err != nil {
			log.Printf("⚠️ [COOLDOWN] Store unavailable while claiming %s, using local state: %v", subject, err)
			return true
		}
		if !ok {
			t.local.Delete(subject)
			return false
		}
	}
	return true
}

// Clear removes any suppression for subject
func (t *CooldownTracker) Clear(ctx context.Context, subject string) {
	t.local.Delete(subject)
	if t.backing != nil {
		if err := t.backing.Delete(ctx, cooldownKeyPrefix+subject); err != nil {
			log.Printf("⚠️ [COOLDOWN] Failed to clear persisted cooldown for %s: %v", subject, err)
		}
	}
}

// Sweep evicts expired local entries and returns how many were removed.
// The backing store expires its own keys.
func (t *CooldownTracker) Sweep() int {
	before := t.local.ItemCount()
	t.local.DeleteExpired()
	return before - t.local.ItemCount()
}

func (t *CooldownTracker) loadBacking(ctx context.Context, subject string) (time.Time, bool) {
	if t.backing == nil {
		return time.Time{}, false
	}
	raw, err := t.backing.Get(ctx, cooldownKeyPrefix+subject)
	if err != nil || len(raw) == 0 {
		return time.Time{}, false
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return expiresAt, true
}
