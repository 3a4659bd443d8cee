// Package mongostore is the document-database strong Store Adapter.
//
// Each Document is one MongoDB document keyed by _id. Writes are a single
// filtered ReplaceOne with upsert: the filter only matches an older version,
// so a newer or equal stored version turns the upsert into a duplicate-key
// error, which is then classified as a replay or a stale write.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/balanced/balanced/internal/store"
)

var (
	ErrEmptyURI            = errors.New("mongo uri cannot be empty")
	ErrEmptyDatabaseName   = errors.New("database name cannot be empty")
	ErrEmptyCollectionName = errors.New("collection name cannot be empty")
)

const defaultServerSelectionTimeout = 5 * time.Second

// Collection is the subset of *mongo.Collection the adapter uses.
type Collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// Config locates the collection.
type Config struct {
	Name                   string
	URI                    string
	Database               string
	Collection             string
	ServerSelectionTimeout time.Duration
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.URI) == "" {
		return ErrEmptyURI
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return ErrEmptyDatabaseName
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return ErrEmptyCollectionName
	}
	return nil
}

// Store is a strong Store Adapter over one MongoDB collection.
type Store struct {
	name   string
	coll   Collection
	client *mongo.Client
}

var _ store.Adapter = (*Store)(nil)

// New wraps an existing collection.
func New(name string, coll Collection) *Store {
	return &Store{name: name, coll: coll}
}

// Open connects to MongoDB and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ServerSelectionTimeout <= 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "mongo"
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := New(cfg.Name, client.Database(cfg.Database).Collection(cfg.Collection))
	s.client = client
	return s, nil
}

// Close disconnects the client opened by Open.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) Name() string                   { return s.name }
func (s *Store) Consistency() store.Consistency { return store.Strong }

// recordDoc is the stored shape. The body stays canonical JSON text so every
// backend holds byte-identical bodies.
type recordDoc struct {
	ID        string `bson:"_id"`
	Version   int64  `bson:"version"`
	SchemaRef string `bson:"schema_ref"`
	Body      string `bson:"body"`
	Deleted   bool   `bson:"deleted"`
	Digest    string `bson:"digest"`
}

func toDoc(rec store.Record) recordDoc {
	return recordDoc{
		ID:        rec.ID,
		Version:   rec.Version,
		SchemaRef: rec.SchemaRef,
		Body:      string(rec.Body),
		Deleted:   rec.Deleted,
		Digest:    rec.Digest,
	}
}

func (d recordDoc) record() store.Record {
	return store.Record{
		ID:        d.ID,
		Version:   d.Version,
		SchemaRef: d.SchemaRef,
		Body:      []byte(d.Body),
		Deleted:   d.Deleted,
		Digest:    d.Digest,
	}
}

func (s *Store) Read(ctx context.Context, id string) (*store.Record, error) {
	var doc recordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo read %s: %w", id, err)
	}
	rec := doc.record()
	return &rec, nil
}

func (s *Store) Write(ctx context.Context, rec store.Record) (bool, error) {
	return s.put(ctx, rec)
}

func (s *Store) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	if !rec.Deleted {
		return false, fmt.Errorf("mongo delete marker %s: record is not a tombstone", rec.ID)
	}
	return s.put(ctx, rec)
}

// conditionalAttempts bounds how often a refused conditional call is retried
// when the re-read shows it should have applied, which happens when a
// concurrent Restore moves the stored record back in between.
const conditionalAttempts = 2

func (s *Store) put(ctx context.Context, rec store.Record) (bool, error) {
	filter := bson.M{"_id": rec.ID, "version": bson.M{"$lt": rec.Version}}
	for range conditionalAttempts {
		_, err := s.coll.ReplaceOne(ctx, filter, toDoc(rec), options.Replace().SetUpsert(true))
		if err == nil {
			return true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return false, fmt.Errorf("mongo write %s v%d: %w", rec.ID, rec.Version, err)
		}

		// the filter missed because the stored version is not older
		stored, err := s.Read(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		apply, err := store.CheckWrite(stored, rec)
		if err != nil || !apply {
			return false, err
		}
	}
	return false, fmt.Errorf("%w: %s v%d: stored record changed during write", store.ErrStale, rec.ID, rec.Version)
}

func (s *Store) Restore(ctx context.Context, written store.Record, prior *store.Record) error {
	filter := bson.M{"_id": written.ID, "version": written.Version, "digest": written.Digest}

	for range conditionalAttempts {
		var matched int64
		if prior == nil {
			res, err := s.coll.DeleteOne(ctx, filter)
			if err != nil {
				return fmt.Errorf("mongo restore %s: %w", written.ID, err)
			}
			matched = res.DeletedCount
		} else {
			res, err := s.coll.ReplaceOne(ctx, filter, toDoc(*prior))
			if err != nil {
				return fmt.Errorf("mongo restore %s: %w", written.ID, err)
			}
			matched = res.MatchedCount
		}
		if matched > 0 {
			return nil
		}

		// nothing matched: either written never landed or someone moved on
		stored, err := s.Read(ctx, written.ID)
		if err != nil {
			return err
		}
		apply, err := store.CheckRestore(stored, written)
		if err != nil || !apply {
			return err
		}
	}
	return fmt.Errorf("%w: %s v%d: stored record changed during restore", store.ErrStale, written.ID, written.Version)
}
