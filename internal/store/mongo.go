package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names for the three logical partitions.
const (
	SessionsCollection = "sessions"
	CacheCollection    = "cache"
	UsersCollection    = "users"
)

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	URI          string
	DatabaseName string
}

// MongoBackend implements Backend on top of MongoDB. The connection is
// established lazily on first use and reused for the process lifetime.
type MongoBackend struct {
	config MongoConfig

	connectOnce sync.Once
	connectErr  error
	client      *mongo.Client
	sessions    *mongo.Collection
	cache       *mongo.Collection
	users       *mongo.Collection
}

// NewMongoBackend validates the configuration but does not connect yet.
func NewMongoBackend(config MongoConfig) (*MongoBackend, error) {
	if config.URI == "" {
		return nil, fmt.Errorf("mongodb URI is required")
	}
	if config.DatabaseName == "" {
		return nil, fmt.Errorf("database name is required")
	}
	return &MongoBackend{config: config}, nil
}

// connect dials MongoDB exactly once. Subsequent calls return the first
// outcome.
func (m *MongoBackend) connect(ctx context.Context) error {
	m.connectOnce.Do(func() {
		clientOpts := options.Client().ApplyURI(m.config.URI)
		client, err := mongo.Connect(ctx, clientOpts)
		if err != nil {
			m.connectErr = fmt.Errorf("failed to connect to mongodb: %w", err)
			return
		}
		if err := client.Ping(ctx, nil); err != nil {
			m.connectErr = fmt.Errorf("failed to ping mongodb: %w", err)
			return
		}

		db := client.Database(m.config.DatabaseName)
		m.client = client
		m.sessions = db.Collection(SessionsCollection)
		m.cache = db.Collection(CacheCollection)
		m.users = db.Collection(UsersCollection)

		m.connectErr = m.ensureIndexes(ctx)
	})
	return m.connectErr
}

// ensureIndexes creates the cache slot index and the out-of-band TTL sweep.
// Correctness never depends on the TTL index; reads enforce expiry
// themselves.
func (m *MongoBackend) ensureIndexes(ctx context.Context) error {
	_, err := m.cache.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "handle", Value: 1}, {Key: "signature", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to ensure cache indexes: %w", err)
	}
	return nil
}

type sessionDoc struct {
	Handle    string    `bson:"handle"`
	Blob      []byte    `bson:"blob"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (m *MongoBackend) GetSessionBlob(ctx context.Context, handle string) ([]byte, bool, error) {
	if err := m.connect(ctx); err != nil {
		return nil, false, err
	}
	var doc sessionDoc
	err := m.sessions.FindOne(ctx, bson.M{"handle": handle}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load session blob: %w", err)
	}
	return doc.Blob, true, nil
}

func (m *MongoBackend) PutSessionBlob(ctx context.Context, handle string, blob []byte) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	_, err := m.sessions.UpdateOne(ctx,
		bson.M{"handle": handle},
		bson.M{"$set": sessionDoc{Handle: handle, Blob: blob, UpdatedAt: time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store session blob: %w", err)
	}
	return nil
}

func (m *MongoBackend) DeleteSessionBlob(ctx context.Context, handle string) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	if _, err := m.sessions.DeleteOne(ctx, bson.M{"handle": handle}); err != nil {
		return fmt.Errorf("failed to delete session blob: %w", err)
	}
	return nil
}

func (m *MongoBackend) GetCacheEntry(ctx context.Context, handle, signature string) (*CacheRecord, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	var rec CacheRecord
	err := m.cache.FindOne(ctx, bson.M{"handle": handle, "signature": signature}).Decode(&rec)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load cache entry: %w", err)
	}
	return &rec, nil
}

func (m *MongoBackend) PutCacheEntry(ctx context.Context, rec *CacheRecord) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	_, err := m.cache.UpdateOne(ctx,
		bson.M{"handle": rec.Handle, "signature": rec.Signature},
		bson.M{"$set": rec},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (m *MongoBackend) DeleteCacheEntry(ctx context.Context, handle, signature string) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	if _, err := m.cache.DeleteOne(ctx, bson.M{"handle": handle, "signature": signature}); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func (m *MongoBackend) DeleteCacheForUser(ctx context.Context, handle string) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	if _, err := m.cache.DeleteMany(ctx, bson.M{"handle": handle}); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	return nil
}

func (m *MongoBackend) GetUser(ctx context.Context, handle string) (*UserRecord, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	var rec UserRecord
	err := m.users.FindOne(ctx, bson.M{"handle": handle}).Decode(&rec)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load user record: %w", err)
	}
	return &rec, nil
}

func (m *MongoBackend) PutUser(ctx context.Context, rec *UserRecord) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	_, err := m.users.UpdateOne(ctx,
		bson.M{"handle": rec.Handle},
		bson.M{"$set": rec},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store user record: %w", err)
	}
	return nil
}

func (m *MongoBackend) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	cursor, err := m.users.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*UserRecord
	for cursor.Next(ctx) {
		var rec UserRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode user record: %w", err)
		}
		users = append(users, &rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

func (m *MongoBackend) ClearDefaults(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	_, err := m.users.UpdateMany(ctx,
		bson.M{"isDefault": true},
		bson.M{"$set": bson.M{"isDefault": false}},
	)
	if err != nil {
		return fmt.Errorf("failed to clear default flags: %w", err)
	}
	return nil
}

func (m *MongoBackend) Ping(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

func (m *MongoBackend) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}
