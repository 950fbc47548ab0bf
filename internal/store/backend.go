package store

import (
	"context"
	"time"
)

// CacheRecord is one cached tool result for a (handle, signature) slot.
type CacheRecord struct {
	Handle     string    `bson:"handle" json:"handle"`
	Signature  string    `bson:"signature" json:"signature"`
	Payload    []byte    `bson:"payload" json:"payload"`
	CapturedAt time.Time `bson:"capturedAt" json:"capturedAt"`
	ExpiresAt  time.Time `bson:"expiresAt" json:"expiresAt"`
}

// UserRecord tracks one known user. At most one record may have IsDefault
// set across the whole users partition.
type UserRecord struct {
	Handle     string    `bson:"handle" json:"handle"`
	Email      string    `bson:"email" json:"email"`
	IsDefault  bool      `bson:"isDefault" json:"isDefault"`
	LastUsedAt time.Time `bson:"lastUsedAt" json:"lastUsedAt"`
}

// Backend is the raw storage surface shared by the session store, cache and
// registry. Implementations must isolate data by handle: no operation may
// observe another handle's rows.
type Backend interface {
	// Session partition. Blobs are opaque ciphertext; absence is reported
	// via the bool, not an error.
	GetSessionBlob(ctx context.Context, handle string) ([]byte, bool, error)
	PutSessionBlob(ctx context.Context, handle string, blob []byte) error
	DeleteSessionBlob(ctx context.Context, handle string) error

	// Cache partition. Get returns nil when no row exists; expired rows are
	// still returned so TTL policy stays with the caller.
	GetCacheEntry(ctx context.Context, handle, signature string) (*CacheRecord, error)
	PutCacheEntry(ctx context.Context, rec *CacheRecord) error
	DeleteCacheEntry(ctx context.Context, handle, signature string) error
	DeleteCacheForUser(ctx context.Context, handle string) error

	// Users partition.
	GetUser(ctx context.Context, handle string) (*UserRecord, error)
	PutUser(ctx context.Context, rec *UserRecord) error
	ListUsers(ctx context.Context) ([]*UserRecord, error)
	// ClearDefaults unsets IsDefault on every record. Callers run this
	// immediately before setting a new default so the at-most-one invariant
	// never depends on a multi-document transaction.
	ClearDefaults(ctx context.Context) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
