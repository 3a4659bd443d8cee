// Package rediscache is the Redis best-effort Store Adapter.
//
// Each Document is a hash {version, digest, record} under a prefixed key.
// Writes, tombstones and restores run as Lua scripts so the version check
// and the update are one atomic step on the server. Tombstones are kept as
// entries so a late, older write cannot repopulate a deleted document.
package rediscache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/balanced/balanced/internal/store"
)

const keyPrefix = "balanced:doc:"

// DefaultTTL bounds how long an entry outlives its last write.
const DefaultTTL = 24 * time.Hour

// Script results.
const (
	resultStale   = -1
	resultNoop    = 0
	resultApplied = 1
)

var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur then
  cur = tonumber(cur)
  local v = tonumber(ARGV[1])
  if cur > v then
    return -1
  end
  if cur == v then
    if redis.call('HGET', KEYS[1], 'digest') == ARGV[2] then
      return 0
    end
    return -1
  end
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'digest', ARGV[2], 'record', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

var restoreScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
  return 0
end
cur = tonumber(cur)
local w = tonumber(ARGV[1])
if cur < w then
  return 0
end
if cur ~= w or redis.call('HGET', KEYS[1], 'digest') ~= ARGV[2] then
  return -1
end
if ARGV[3] == '' then
  redis.call('DEL', KEYS[1])
  return 1
end
redis.call('HSET', KEYS[1], 'version', ARGV[4], 'digest', ARGV[5], 'record', ARGV[3])
if tonumber(ARGV[6]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
end
return 1
`)

// Config locates the Redis server.
type Config struct {
	Name     string
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache is a best-effort Store Adapter over Redis.
type Cache struct {
	name   string
	client redis.UniversalClient
	ttl    time.Duration
}

var _ store.Adapter = (*Cache)(nil)

// New wraps an existing client. ttl <= 0 disables expiry.
func New(name string, client redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{name: name, client: client, ttl: ttl}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "redis"
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(cfg.Name, client, cfg.TTL), nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Name() string                   { return c.name }
func (c *Cache) Consistency() store.Consistency { return store.BestEffort }

// entry is the JSON stored in the record field. Body is kept as raw JSON.
type entry struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	SchemaRef string          `json:"schema_ref"`
	Body      json.RawMessage `json:"body"`
	Deleted   bool            `json:"deleted,omitempty"`
	Digest    string          `json:"digest"`
}

// encodeEntry keeps the canonical body bytes as they are; json.Marshal would
// HTML-escape them.
func encodeEntry(rec store.Record) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(entry{
		ID:        rec.ID,
		Version:   rec.Version,
		SchemaRef: rec.SchemaRef,
		Body:      rec.Body,
		Deleted:   rec.Deleted,
		Digest:    rec.Digest,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func (c *Cache) Read(ctx context.Context, id string) (*store.Record, error) {
	raw, err := c.client.HGet(ctx, keyPrefix+id, "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis read %s: %w", id, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("redis read %s: %w", id, err)
	}
	return &store.Record{
		ID:        e.ID,
		Version:   e.Version,
		SchemaRef: e.SchemaRef,
		Body:      []byte(e.Body),
		Deleted:   e.Deleted,
		Digest:    e.Digest,
	}, nil
}

func (c *Cache) Write(ctx context.Context, rec store.Record) (bool, error) {
	return c.put(ctx, rec)
}

func (c *Cache) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	if !rec.Deleted {
		return false, fmt.Errorf("redis delete marker %s: record is not a tombstone", rec.ID)
	}
	return c.put(ctx, rec)
}

func (c *Cache) put(ctx context.Context, rec store.Record) (bool, error) {
	encoded, err := encodeEntry(rec)
	if err != nil {
		return false, fmt.Errorf("redis write %s: %w", rec.ID, err)
	}

	res, err := putScript.Run(ctx, c.client, []string{keyPrefix + rec.ID},
		strconv.FormatInt(rec.Version, 10), rec.Digest, encoded, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis write %s v%d: %w", rec.ID, rec.Version, err)
	}

	switch res {
	case resultApplied:
		return true, nil
	case resultNoop:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s v%d refused by cache", store.ErrStale, rec.ID, rec.Version)
	}
}

func (c *Cache) Restore(ctx context.Context, written store.Record, prior *store.Record) error {
	args := []any{strconv.FormatInt(written.Version, 10), written.Digest, "", "", "", c.ttl.Milliseconds()}
	if prior != nil {
		encoded, err := encodeEntry(*prior)
		if err != nil {
			return fmt.Errorf("redis restore %s: %w", written.ID, err)
		}
		args[2] = encoded
		args[3] = strconv.FormatInt(prior.Version, 10)
		args[4] = prior.Digest
	}

	res, err := restoreScript.Run(ctx, c.client, []string{keyPrefix + written.ID}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis restore %s: %w", written.ID, err)
	}
	if res == resultStale {
		return fmt.Errorf("%w: %s moved past v%d", store.ErrStale, written.ID, written.Version)
	}
	return nil
}
