// Package dynamostore is the DynamoDB strong Store Adapter.
//
// One item per Document, keyed by id. Every mutation is a single conditional
// PutItem or DeleteItem; a failed condition is followed by a consistent read
// to tell a replay from a stale write.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/balanced/balanced/internal/store"
)

// Condition expressions. The fake client in tests keys off these.
const (
	condNewer   = "attribute_not_exists(#id) OR #version < :version"
	condExactly = "#version = :version AND #digest = :digest"
)

// API is the subset of *dynamodb.Client the adapter uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Config selects the table.
type Config struct {
	Name     string
	Table    string
	Region   string
	Endpoint string // optional, e.g. DynamoDB Local
}

// Store is a strong Store Adapter over one DynamoDB table.
type Store struct {
	name   string
	table  string
	client API
}

var _ store.Adapter = (*Store)(nil)

// New wraps an existing client.
func New(name, table string, client API) *Store {
	return &Store{name: name, table: table, client: client}
}

// Open builds a client from the default AWS credential chain.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamodb table cannot be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "dynamodb"
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(cfg.Name, cfg.Table, client), nil
}

func (s *Store) Name() string                   { return s.name }
func (s *Store) Consistency() store.Consistency { return store.Strong }

type item struct {
	ID        string `dynamodbav:"id"`
	Version   int64  `dynamodbav:"version"`
	SchemaRef string `dynamodbav:"schema_ref"`
	Body      string `dynamodbav:"body"`
	Deleted   bool   `dynamodbav:"deleted"`
	Digest    string `dynamodbav:"digest"`
}

func marshalRecord(rec store.Record) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(item{
		ID:        rec.ID,
		Version:   rec.Version,
		SchemaRef: rec.SchemaRef,
		Body:      string(rec.Body),
		Deleted:   rec.Deleted,
		Digest:    rec.Digest,
	})
}

func key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func versionValue(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func (s *Store) Read(ctx context.Context, id string) (*store.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb read %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("dynamodb read %s: %w", id, err)
	}
	return &store.Record{
		ID:        it.ID,
		Version:   it.Version,
		SchemaRef: it.SchemaRef,
		Body:      []byte(it.Body),
		Deleted:   it.Deleted,
		Digest:    it.Digest,
	}, nil
}

func (s *Store) Write(ctx context.Context, rec store.Record) (bool, error) {
	return s.put(ctx, rec)
}

func (s *Store) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	if !rec.Deleted {
		return false, fmt.Errorf("dynamodb delete marker %s: record is not a tombstone", rec.ID)
	}
	return s.put(ctx, rec)
}

// conditionalAttempts bounds how often a refused conditional call is retried
// when the re-read shows it should have applied, which happens when a
// concurrent Restore moves the stored item back in between.
const conditionalAttempts = 2

func (s *Store) put(ctx context.Context, rec store.Record) (bool, error) {
	av, err := marshalRecord(rec)
	if err != nil {
		return false, fmt.Errorf("dynamodb write %s: %w", rec.ID, err)
	}

	for range conditionalAttempts {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                av,
			ConditionExpression: aws.String(condNewer),
			ExpressionAttributeNames: map[string]string{
				"#id":      "id",
				"#version": "version",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":version": versionValue(rec.Version),
			},
		})
		if err == nil {
			return true, nil
		}

		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return false, fmt.Errorf("dynamodb write %s v%d: %w", rec.ID, rec.Version, err)
		}

		stored, err := s.Read(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		apply, err := store.CheckWrite(stored, rec)
		if err != nil || !apply {
			return false, err
		}
	}
	return false, fmt.Errorf("%w: %s v%d: stored item changed during write", store.ErrStale, rec.ID, rec.Version)
}

func (s *Store) Restore(ctx context.Context, written store.Record, prior *store.Record) error {
	names := map[string]string{"#version": "version", "#digest": "digest"}
	values := map[string]types.AttributeValue{
		":version": versionValue(written.Version),
		":digest":  &types.AttributeValueMemberS{Value: written.Digest},
	}

	var priorItem map[string]types.AttributeValue
	if prior != nil {
		var err error
		priorItem, err = marshalRecord(*prior)
		if err != nil {
			return fmt.Errorf("dynamodb restore %s: %w", written.ID, err)
		}
	}

	for range conditionalAttempts {
		var err error
		if prior == nil {
			_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.table),
				Key:                       key(written.ID),
				ConditionExpression:       aws.String(condExactly),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
		} else {
			_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 aws.String(s.table),
				Item:                      priorItem,
				ConditionExpression:       aws.String(condExactly),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
		}
		if err == nil {
			return nil
		}

		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return fmt.Errorf("dynamodb restore %s: %w", written.ID, err)
		}

		stored, err := s.Read(ctx, written.ID)
		if err != nil {
			return err
		}
		apply, err := store.CheckRestore(stored, written)
		if err != nil || !apply {
			return err
		}
	}
	return fmt.Errorf("%w: %s v%d: stored item changed during restore", store.ErrStale, written.ID, written.Version)
}
