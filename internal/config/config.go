// Package config loads the balancedd configuration file.
//
// The file is YAML and decoded strictly: unknown keys are errors. Load starts
// from Default, so a file only needs the keys it changes plus the adapter list.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/balanced/balanced/internal/messaging"
	"github.com/balanced/balanced/internal/store"
)

// Kind names a store backend.
type Kind string

const (
	KindMemory        Kind = "memory"
	KindSQLite        Kind = "sqlite"
	KindPostgres      Kind = "postgres"
	KindMongo         Kind = "mongo"
	KindDynamoDB      Kind = "dynamodb"
	KindRedis         Kind = "redis"
	KindElasticsearch Kind = "elasticsearch"
)

// consistencyOf is the consistency each backend declares. Memory adapters
// take theirs from the config.
var consistencyOf = map[Kind]store.Consistency{
	KindSQLite:        store.Strong,
	KindPostgres:      store.Strong,
	KindMongo:         store.Strong,
	KindDynamoDB:      store.Strong,
	KindRedis:         store.BestEffort,
	KindElasticsearch: store.BestEffort,
}

// Reconciliation queue kinds.
const (
	QueueMemory = "memory"
	QueueAMQP   = "amqp"
)

// Config is the whole configuration file.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Schemas     SchemasConfig     `yaml:"schemas"`
	Adapters    []AdapterConfig   `yaml:"adapters"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Ingress     IngressConfig     `yaml:"ingress"`
	AMQP        messaging.Config  `yaml:"amqp"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

type SchemasConfig struct {
	// Dir holds one <ref>.cue file per schema.
	Dir string `yaml:"dir"`
	// Watch republishes schemas when files in Dir change.
	Watch bool `yaml:"watch"`
}

// AdapterConfig declares one store adapter. Adapters are planned in the
// order they are listed; the first strong adapter is the primary.
type AdapterConfig struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Consistency defaults to strong for memory adapters and must match
	// the backend for the others.
	Consistency string `yaml:"consistency"`

	// Timeout bounds each call; zero uses the coordinator default.
	Timeout time.Duration `yaml:"timeout"`

	// When is an expr predicate; best-effort adapters only.
	When string `yaml:"when"`

	SQL           SQLConfig           `yaml:"sql"`
	Mongo         MongoConfig         `yaml:"mongo"`
	DynamoDB      DynamoDBConfig      `yaml:"dynamodb"`
	Redis         RedisConfig         `yaml:"redis"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

type SQLConfig struct {
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type MongoConfig struct {
	URI                    string        `yaml:"uri"`
	Database               string        `yaml:"database"`
	Collection             string        `yaml:"collection"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout"`
}

type DynamoDBConfig struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

type CoordinatorConfig struct {
	// Timeout is the per-call default.
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	// DrainTimeout bounds how long shutdown waits for best-effort propagation.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	Interval            time.Duration `yaml:"interval"`
}

type ReconcileConfig struct {
	// Queue is memory or amqp.
	Queue       string `yaml:"queue"`
	MaxAttempts int    `yaml:"max_attempts"`
}

type IngressConfig struct {
	// Enabled consumes requests from amqp.request_queue.
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every optional value set.
// It declares no adapters.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Schemas: SchemasConfig{Dir: "schemas"},
		Coordinator: CoordinatorConfig{
			Timeout:      2 * time.Second,
			Retry:        RetryConfig{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second},
			Breaker:      BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second},
			DrainTimeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{Queue: QueueMemory, MaxAttempts: 10},
		AMQP:      messaging.DefaultConfig(),
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML over Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConsistencyOf returns the consistency the adapter will declare.
func (a AdapterConfig) ConsistencyOf() (store.Consistency, error) {
	if a.Kind == KindMemory {
		if a.Consistency == "" {
			return store.Strong, nil
		}
		return store.ParseConsistency(a.Consistency)
	}
	c, ok := consistencyOf[a.Kind]
	if !ok {
		return 0, fmt.Errorf("unknown kind %q", a.Kind)
	}
	if a.Consistency != "" {
		declared, err := store.ParseConsistency(a.Consistency)
		if err != nil {
			return 0, err
		}
		if declared != c {
			return 0, fmt.Errorf("%s adapters are %s, not %s", a.Kind, c, declared)
		}
	}
	return c, nil
}

// validate clamps numeric settings and reports every invalid setting.
func (c *Config) validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		fail("log.format: unknown format %q (want json or console)", c.Log.Format)
	}

	if len(c.Adapters) == 0 {
		fail("adapters: at least one adapter is required")
	}
	seen := make(map[string]bool, len(c.Adapters))
	strong := 0
	for i, a := range c.Adapters {
		if a.Name == "" {
			fail("adapters[%d]: name is required", i)
		} else if seen[a.Name] {
			fail("adapters[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true

		cons, err := a.ConsistencyOf()
		if err != nil {
			fail("adapters[%d] %s: %w", i, a.Name, err)
			continue
		}
		if cons == store.Strong {
			strong++
			if a.When != "" {
				fail("adapters[%d] %s: when is only allowed on best-effort adapters", i, a.Name)
			}
		}
		if a.Timeout < 0 {
			fail("adapters[%d] %s: negative timeout", i, a.Name)
		}
		if err := a.validateBackend(); err != nil {
			fail("adapters[%d] %s: %w", i, a.Name, err)
		}
	}
	if len(c.Adapters) > 0 && strong == 0 {
		fail("adapters: at least one strong adapter is required")
	}

	if c.Coordinator.Timeout <= 0 {
		c.Coordinator.Timeout = 2 * time.Second
	}
	if c.Coordinator.Retry.Attempts < 1 {
		c.Coordinator.Retry.Attempts = 1
	}
	if c.Coordinator.Retry.BaseDelay <= 0 {
		c.Coordinator.Retry.BaseDelay = 50 * time.Millisecond
	}
	if c.Coordinator.Retry.MaxDelay < c.Coordinator.Retry.BaseDelay {
		c.Coordinator.Retry.MaxDelay = c.Coordinator.Retry.BaseDelay
	}
	if c.Coordinator.Breaker.ConsecutiveFailures == 0 {
		c.Coordinator.Breaker.ConsecutiveFailures = 5
	}
	if c.Coordinator.Breaker.OpenTimeout <= 0 {
		c.Coordinator.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Coordinator.DrainTimeout <= 0 {
		c.Coordinator.DrainTimeout = 10 * time.Second
	}
	if c.Reconcile.MaxAttempts < 1 {
		c.Reconcile.MaxAttempts = 1
	}

	switch c.Reconcile.Queue {
	case QueueMemory:
	case QueueAMQP:
		if c.AMQP.URL == "" {
			fail("reconcile.queue: amqp requires amqp.url")
		}
		if c.AMQP.ReconcileRoutingKey == "" {
			fail("reconcile.queue: amqp requires amqp.reconcile_routing_key")
		}
	default:
		fail("reconcile.queue: unknown queue %q (want memory or amqp)", c.Reconcile.Queue)
	}
	if c.Ingress.Enabled {
		if c.AMQP.URL == "" {
			fail("ingress: requires amqp.url")
		}
		if c.AMQP.RequestQueue == "" {
			fail("ingress: requires amqp.request_queue")
		}
	}
	if c.AMQP.Prefetch < 0 {
		c.AMQP.Prefetch = 0
	}

	return errors.Join(errs...)
}

func (a AdapterConfig) validateBackend() error {
	switch a.Kind {
	case KindMemory:
	case KindSQLite, KindPostgres:
		if a.SQL.DSN == "" {
			return errors.New("sql.dsn is required")
		}
	case KindMongo:
		if a.Mongo.URI == "" || a.Mongo.Database == "" || a.Mongo.Collection == "" {
			return errors.New("mongo.uri, mongo.database and mongo.collection are required")
		}
	case KindDynamoDB:
		if a.DynamoDB.Table == "" {
			return errors.New("dynamodb.table is required")
		}
	case KindRedis:
		if a.Redis.Addr == "" {
			return errors.New("redis.addr is required")
		}
	case KindElasticsearch:
		if len(a.Elasticsearch.Addresses) == 0 || a.Elasticsearch.Index == "" {
			return errors.New("elasticsearch.addresses and elasticsearch.index are required")
		}
	}
	return nil
}
