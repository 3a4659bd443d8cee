// Package searchindex is the Elasticsearch best-effort Store Adapter.
//
// Documents are indexed with external versioning, so Elasticsearch itself
// refuses any write whose version is not greater than the indexed one; a
// conflict is followed by a GET to tell a replay from a stale write.
// Tombstones are versioned deletes, which Elasticsearch remembers for
// index.gc_deletes and uses to refuse late writes.
//
// The index is a derived projection: Restore evicts the written document
// (guarded by seq_no/primary_term) instead of reindexing the prior version,
// and reconciliation repopulates it from the primary store.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/balanced/balanced/internal/store"
)

const versionTypeExternal = "external"

// Config locates the cluster and index.
type Config struct {
	Name      string
	Addresses []string
	Index     string
	Username  string
	Password  string
}

// Index is a best-effort Store Adapter over one Elasticsearch index.
type Index struct {
	name   string
	index  string
	client esapi.Transport
}

var _ store.Adapter = (*Index)(nil)

// New wraps an existing client.
func New(name, index string, client *elasticsearch.Client) *Index {
	return &Index{name: name, index: index, client: client}
}

// Open builds a client for cfg.
func Open(cfg Config) (*Index, error) {
	if cfg.Index == "" {
		return nil, errors.New("search index name cannot be empty")
	}
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("search addresses cannot be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "search"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return New(cfg.Name, cfg.Index, client), nil
}

func (x *Index) Name() string                   { return x.name }
func (x *Index) Consistency() store.Consistency { return store.BestEffort }

// source is the indexed document. Body stays a JSON object so it is searchable.
type source struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	SchemaRef string          `json:"schema_ref"`
	Body      json.RawMessage `json:"body"`
	Deleted   bool            `json:"deleted,omitempty"`
	Digest    string          `json:"digest"`
}

type getResponse struct {
	Found       bool   `json:"found"`
	SeqNo       int    `json:"_seq_no"`
	PrimaryTerm int    `json:"_primary_term"`
	Source      source `json:"_source"`
}

func (x *Index) Read(ctx context.Context, id string) (*store.Record, error) {
	got, err := x.get(ctx, id)
	if err != nil || got == nil {
		return nil, err
	}
	rec := got.record()
	return &rec, nil
}

func (g *getResponse) record() store.Record {
	return store.Record{
		ID:        g.Source.ID,
		Version:   g.Source.Version,
		SchemaRef: g.Source.SchemaRef,
		Body:      []byte(g.Source.Body),
		Deleted:   g.Source.Deleted,
		Digest:    g.Source.Digest,
	}
}

func (x *Index) get(ctx context.Context, id string) (*getResponse, error) {
	res, err := esapi.GetRequest{Index: x.index, DocumentID: id}.Do(ctx, x.client)
	if err != nil {
		return nil, fmt.Errorf("search read %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search read %s: %s", id, responseError(res))
	}

	var got getResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		return nil, fmt.Errorf("search read %s: %w", id, err)
	}
	if !got.Found {
		return nil, nil
	}
	return &got, nil
}

func (x *Index) Write(ctx context.Context, rec store.Record) (bool, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(source{
		ID:        rec.ID,
		Version:   rec.Version,
		SchemaRef: rec.SchemaRef,
		Body:      rec.Body,
		Deleted:   rec.Deleted,
		Digest:    rec.Digest,
	})
	if err != nil {
		return false, fmt.Errorf("search write %s: %w", rec.ID, err)
	}

	version := int(rec.Version)
	res, err := esapi.IndexRequest{
		Index:       x.index,
		DocumentID:  rec.ID,
		Body:        &buf,
		Version:     &version,
		VersionType: versionTypeExternal,
	}.Do(ctx, x.client)
	if err != nil {
		return false, fmt.Errorf("search write %s v%d: %w", rec.ID, rec.Version, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusConflict:
		stored, err := x.Read(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if stored == nil {
			// a versioned delete at or above this version is still remembered
			return false, fmt.Errorf("%w: %s v%d is behind a deletion", store.ErrStale, rec.ID, rec.Version)
		}
		if _, err := store.CheckWrite(stored, rec); err != nil {
			return false, err
		}
		return false, nil
	case res.IsError():
		return false, fmt.Errorf("search write %s v%d: %s", rec.ID, rec.Version, responseError(res))
	}
	return true, nil
}

func (x *Index) DeleteMarker(ctx context.Context, rec store.Record) (bool, error) {
	if !rec.Deleted {
		return false, fmt.Errorf("search delete marker %s: record is not a tombstone", rec.ID)
	}

	version := int(rec.Version)
	res, err := esapi.DeleteRequest{
		Index:       x.index,
		DocumentID:  rec.ID,
		Version:     &version,
		VersionType: versionTypeExternal,
	}.Do(ctx, x.client)
	if err != nil {
		return false, fmt.Errorf("search delete %s v%d: %w", rec.ID, rec.Version, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	case res.StatusCode == http.StatusConflict:
		stored, err := x.Read(ctx, rec.ID)
		if err != nil {
			return false, err
		}
		if stored == nil {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s indexed at v%d", store.ErrStale, rec.ID, stored.Version)
	case res.IsError():
		return false, fmt.Errorf("search delete %s v%d: %s", rec.ID, rec.Version, responseError(res))
	}
	return true, nil
}

// Restore evicts written. prior is not reindexed; see the package comment.
func (x *Index) Restore(ctx context.Context, written store.Record, _ *store.Record) error {
	got, err := x.get(ctx, written.ID)
	if err != nil {
		return err
	}
	var stored *store.Record
	if got != nil {
		rec := got.record()
		stored = &rec
	}
	apply, err := store.CheckRestore(stored, written)
	if !apply || err != nil {
		return err
	}

	res, err := esapi.DeleteRequest{
		Index:         x.index,
		DocumentID:    written.ID,
		IfSeqNo:       &got.SeqNo,
		IfPrimaryTerm: &got.PrimaryTerm,
	}.Do(ctx, x.client)
	if err != nil {
		return fmt.Errorf("search restore %s: %w", written.ID, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil
	case res.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s changed concurrently", store.ErrStale, written.ID)
	case res.IsError():
		return fmt.Errorf("search restore %s: %s", written.ID, responseError(res))
	}
	return nil
}

func responseError(res *esapi.Response) string {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return fmt.Sprintf("%s %s", res.Status(), bytes.TrimSpace(body))
}
