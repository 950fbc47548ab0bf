package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jverhoef/schoolgate/internal/identity"
	"github.com/jverhoef/schoolgate/internal/logging"
)

// DefaultCacheTTL is the cache lifetime applied when callers pass a
// non-positive TTL.
const DefaultCacheTTL = 24 * time.Hour

// volatileParams are request fields excluded from cache signatures: the
// identity is already the partition key and the refresh flag must not
// change which slot a query lands in.
var volatileParams = map[string]bool{
	"userEmail": true,
	"refresh":   true,
	"account":   true,
}

// Signature computes the stable cache slot for a tool's input parameters.
// Volatile fields are stripped and the remainder is marshaled with
// canonical (sorted) key order, so two logically identical queries collide
// regardless of incidental field ordering.
func Signature(tool string, params map[string]any) string {
	canonical := make(map[string]any, len(params))
	for key, value := range params {
		if volatileParams[key] {
			continue
		}
		canonical[key] = value
	}
	// encoding/json sorts map keys, which canonicalizes nested maps too.
	encoded, _ := json.Marshal(canonical)
	sum := sha256.Sum256(append([]byte(tool+"\x00"), encoded...))
	return hex.EncodeToString(sum[:16])
}

// Cache is the per-user cached-result store with read-time TTL enforcement.
// The backend may garbage-collect expired rows out of band, but a stale row
// that has not been swept still reads as a miss.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// NewCache creates a Cache over the given backend.
func NewCache(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		backend: backend,
		logger:  logging.WithComponent(logger, "cache"),
		now:     time.Now,
	}
}

// Get loads the cached payload for (identity, signature) into out. Returns
// false on a miss, including entries past their expiry.
func (c *Cache) Get(ctx context.Context, email, signature string, out any) (bool, error) {
	rec, err := c.backend.GetCacheEntry(ctx, identity.Handle(email), signature)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if !c.now().Before(rec.ExpiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(rec.Payload, out); err != nil {
		c.logger.Warn("discarding unparseable cache entry",
			logging.UserHash(email), logging.Err(err))
		return false, nil
	}
	return true, nil
}

// Set stores a payload for (identity, signature) with the given TTL.
// Expired entries are overwritten in place.
func (c *Cache) Set(ctx context.Context, email, signature string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := c.now()
	return c.backend.PutCacheEntry(ctx, &CacheRecord{
		Handle:     identity.Handle(email),
		Signature:  signature,
		Payload:    payload,
		CapturedAt: now,
		ExpiresAt:  now.Add(ttl),
	})
}

// Invalidate removes one cache slot for the identity.
func (c *Cache) Invalidate(ctx context.Context, email, signature string) error {
	return c.backend.DeleteCacheEntry(ctx, identity.Handle(email), signature)
}

// InvalidateUser removes every cache entry for the identity.
func (c *Cache) InvalidateUser(ctx context.Context, email string) error {
	return c.backend.DeleteCacheForUser(ctx, identity.Handle(email))
}
