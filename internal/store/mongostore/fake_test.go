package mongostore

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fakeCollection interprets the handful of filters the adapter issues.
type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]recordDoc
	err  error // returned by every call when set

	// onMiss runs once, under the lock, the first time a conditional call
	// does not match.
	onMiss func(docs map[string]recordDoc)
}

func (c *fakeCollection) missed() {
	if c.onMiss != nil {
		hook := c.onMiss
		c.onMiss = nil
		hook(c.docs)
	}
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]recordDoc)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) *mongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return mongo.NewSingleResultFromDocument(bson.D{}, c.err, nil)
	}
	for _, d := range c.docs {
		if matches(d, filter.(bson.M)) {
			return mongo.NewSingleResultFromDocument(d, nil, nil)
		}
	}
	return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}

	f := filter.(bson.M)
	doc := replacement.(recordDoc)
	upsert := false
	for _, o := range opts {
		if o.Upsert != nil {
			upsert = *o.Upsert
		}
	}

	id := f["_id"].(string)
	existing, ok := c.docs[id]
	switch {
	case ok && matches(existing, f):
		c.docs[id] = doc
		return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	case ok && upsert:
		c.missed()
		return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{
			Code:    11000,
			Message: fmt.Sprintf("E11000 duplicate key error collection: documents index: _id_ dup key: { _id: %q }", id),
		}}}
	case !ok && upsert:
		c.docs[id] = doc
		return &mongo.UpdateResult{UpsertedCount: 1, UpsertedID: id}, nil
	default:
		c.missed()
		return &mongo.UpdateResult{}, nil
	}
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	f := filter.(bson.M)
	id := f["_id"].(string)
	if existing, ok := c.docs[id]; ok && matches(existing, f) {
		delete(c.docs, id)
		return &mongo.DeleteResult{DeletedCount: 1}, nil
	}
	c.missed()
	return &mongo.DeleteResult{}, nil
}

func matches(d recordDoc, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "_id":
			if d.ID != cond.(string) {
				return false
			}
		case "digest":
			if d.Digest != cond.(string) {
				return false
			}
		case "version":
			switch c := cond.(type) {
			case int64:
				if d.Version != c {
					return false
				}
			case bson.M:
				if lt, ok := c["$lt"]; ok && d.Version >= lt.(int64) {
					return false
				}
			}
		default:
			panic("fakeCollection: unsupported filter key " + key)
		}
	}
	return true
}
