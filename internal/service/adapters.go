package service

import (
	"context"
	"fmt"

	"github.com/balanced/balanced/internal/config"
	"github.com/balanced/balanced/internal/store"
	"github.com/balanced/balanced/internal/store/dynamostore"
	"github.com/balanced/balanced/internal/store/memstore"
	"github.com/balanced/balanced/internal/store/mongostore"
	"github.com/balanced/balanced/internal/store/rediscache"
	"github.com/balanced/balanced/internal/store/searchindex"
	"github.com/balanced/balanced/internal/store/sqlstore"
)

// Closer releases an adapter's connection.
type Closer func(ctx context.Context) error

func noClose(context.Context) error { return nil }

// Opener connects one configured adapter.
type Opener func(ctx context.Context, cfg config.AdapterConfig) (store.Adapter, Closer, error)

// OpenAdapter is the default Opener. It connects to the backend named by
// cfg.Kind.
func OpenAdapter(ctx context.Context, cfg config.AdapterConfig) (store.Adapter, Closer, error) {
	switch cfg.Kind {
	case config.KindMemory:
		c, err := cfg.ConsistencyOf()
		if err != nil {
			return nil, nil, err
		}
		return memstore.New(cfg.Name, c), noClose, nil

	case config.KindSQLite, config.KindPostgres:
		driver := sqlstore.DriverSQLite
		if cfg.Kind == config.KindPostgres {
			driver = sqlstore.DriverPostgres
		}
		s, err := sqlstore.Open(sqlstore.Config{Name: cfg.Name, Driver: driver, DSN: cfg.SQL.DSN})
		if err != nil {
			return nil, nil, err
		}
		return s, func(context.Context) error { return s.Close() }, nil

	case config.KindMongo:
		s, err := mongostore.Open(ctx, mongostore.Config{
			Name:                   cfg.Name,
			URI:                    cfg.Mongo.URI,
			Database:               cfg.Mongo.Database,
			Collection:             cfg.Mongo.Collection,
			ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.KindDynamoDB:
		s, err := dynamostore.Open(ctx, dynamostore.Config{
			Name:     cfg.Name,
			Table:    cfg.DynamoDB.Table,
			Region:   cfg.DynamoDB.Region,
			Endpoint: cfg.DynamoDB.Endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noClose, nil

	case config.KindRedis:
		c, err := rediscache.Open(ctx, rediscache.Config{
			Name:     cfg.Name,
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func(context.Context) error { return c.Close() }, nil

	case config.KindElasticsearch:
		x, err := searchindex.Open(searchindex.Config{
			Name:      cfg.Name,
			Addresses: cfg.Elasticsearch.Addresses,
			Index:     cfg.Elasticsearch.Index,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
		})
		if err != nil {
			return nil, nil, err
		}
		return x, noClose, nil
	}
	return nil, nil, fmt.Errorf("unknown adapter kind %q", cfg.Kind)
}
