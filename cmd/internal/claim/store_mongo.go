package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoCollection is the collection used when none is configured.
const DefaultMongoCollection = "sessions"

// MongoStore is a Store backed by a MongoDB collection keyed by pin (_id).
//
// A TTL index on expires_at lets the server reclaim expired documents; queries
// still filter on expires_at because TTL deletion runs about once a minute.
// MongoStore does NOT own the client; Close is a no-op.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoSession struct {
	PIN              string    `bson:"_id"`
	DeviceID         string    `bson:"device_id"`
	DeviceName       string    `bson:"device_name"`
	ConnectionHandle string    `bson:"connection_handle"`
	CreatedAt        time.Time `bson:"created_at"`
	LastActive       time.Time `bson:"last_active"`
	ExpiresAt        time.Time `bson:"expires_at"`
}

func toMongo(s Session) mongoSession {
	return mongoSession{
		PIN:              s.PIN,
		DeviceID:         s.DeviceID,
		DeviceName:       s.DeviceName,
		ConnectionHandle: s.ConnectionHandle,
		CreatedAt:        s.CreatedAt.UTC(),
		LastActive:       s.LastActive.UTC(),
		ExpiresAt:        s.ExpiresAt.UTC(),
	}
}

func (m mongoSession) session() Session {
	return Session{
		PIN:              m.PIN,
		DeviceID:         m.DeviceID,
		DeviceName:       m.DeviceName,
		ConnectionHandle: m.ConnectionHandle,
		CreatedAt:        m.CreatedAt.UTC(),
		LastActive:       m.LastActive.UTC(),
		ExpiresAt:        m.ExpiresAt.UTC(),
	}
}

// NewMongoStore returns a MongoStore over db.<collection>.
func NewMongoStore(db *mongo.Database, collection string) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("claim: nil mongo database")
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{coll: db.Collection(collection)}, nil
}

// EnsureIndexes creates the TTL and connection handle indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "connection_handle", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, now time.Time, pin string) (Session, error) {
	var doc mongoSession
	err := s.coll.FindOne(ctx, bson.M{
		"_id":        pin,
		"expires_at": bson.M{"$gt": now.UTC()},
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return doc.session(), nil
}

// Create upserts over an expired document only. With a live document the
// filter misses, the upsert collides on _id and the result is ErrConflict.
func (s *MongoStore) Create(ctx context.Context, sess Session) error {
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{
			"_id":        sess.PIN,
			"expires_at": bson.M{"$lte": sess.CreatedAt.UTC()},
		},
		toMongo(sess),
		options.Replace().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *MongoStore) Update(ctx context.Context, now time.Time, sess Session) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":        sess.PIN,
			"expires_at": bson.M{"$gt": now.UTC()},
		},
		bson.M{"$set": bson.M{
			"device_id":         sess.DeviceID,
			"device_name":       sess.DeviceName,
			"connection_handle": sess.ConnectionHandle,
			"last_active":       sess.LastActive.UTC(),
			"expires_at":        sess.ExpiresAt.UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ClearConnection(ctx context.Context, pin, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": pin, "connection_handle": handle},
		bson.M{"$set": bson.M{"connection_handle": ""}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) ClearAllConnections(ctx context.Context) (int64, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.M{"connection_handle": bson.M{"$ne": ""}},
		bson.M{"$set": bson.M{"connection_handle": ""}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }
