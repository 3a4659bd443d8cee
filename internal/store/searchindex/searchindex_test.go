package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balanced/balanced/internal/store"
	"github.com/balanced/balanced/internal/store/storetest"
)

type fakeDoc struct {
	version int64
	seqNo   int
	source  json.RawMessage
}

// fakeES implements the document APIs the adapter uses, including external
// versioning and delete tombstones.
type fakeES struct {
	mu         sync.Mutex
	docs       map[string]fakeDoc
	tombstones map[string]int64
	seqNo      int
	failWith   int
}

func newFakeES() *fakeES {
	return &fakeES{docs: make(map[string]fakeDoc), tombstones: make(map[string]int64)}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/" {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": map[string]any{"number": "8.15.0", "build_flavor": "default"},
			"tagline": "You Know, for Search",
		})
		return
	}
	if f.failWith != 0 {
		writeJSON(w, f.failWith, map[string]any{"error": "unavailable"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[1] != "_doc" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported path " + r.URL.Path})
		return
	}
	id := parts[2]
	q := r.URL.Query()

	switch r.Method {
	case http.MethodGet:
		doc, ok := f.docs[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"_id": id, "found": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_id": id, "_version": doc.version, "_seq_no": doc.seqNo, "_primary_term": 1,
			"found": true, "_source": doc.source,
		})

	case http.MethodPut, http.MethodPost:
		version, _ := strconv.ParseInt(q.Get("version"), 10, 64)
		if q.Get("version_type") != "external" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "external versioning required"})
			return
		}
		if cur, ok := f.current(id); ok && version <= cur {
			writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{"type": "version_conflict_engine_exception"}})
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.seqNo++
		delete(f.tombstones, id)
		_, existed := f.docs[id]
		f.docs[id] = fakeDoc{version: version, seqNo: f.seqNo, source: bytes.TrimSpace(body)}
		status := http.StatusCreated
		if existed {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"_id": id, "_version": version, "result": "created"})

	case http.MethodDelete:
		doc, exists := f.docs[id]
		if q.Has("if_seq_no") {
			seq, _ := strconv.Atoi(q.Get("if_seq_no"))
			if !exists {
				writeJSON(w, http.StatusNotFound, map[string]any{"result": "not_found"})
				return
			}
			if doc.seqNo != seq {
				writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{"type": "version_conflict_engine_exception"}})
				return
			}
			delete(f.docs, id)
			writeJSON(w, http.StatusOK, map[string]any{"result": "deleted"})
			return
		}

		version, _ := strconv.ParseInt(q.Get("version"), 10, 64)
		if cur, ok := f.current(id); ok && version <= cur {
			writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{"type": "version_conflict_engine_exception"}})
			return
		}
		delete(f.docs, id)
		f.tombstones[id] = version
		if !exists {
			writeJSON(w, http.StatusNotFound, map[string]any{"result": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": "deleted"})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": r.Method})
	}
}

func (f *fakeES) current(id string) (int64, bool) {
	if doc, ok := f.docs[id]; ok {
		return doc.version, true
	}
	v, ok := f.tombstones[id]
	return v, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestIndex(t *testing.T) (*Index, *fakeES) {
	t.Helper()
	fake := newFakeES()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return New("search", "documents", client), fake
}

func TestIndex_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Adapter {
		x, _ := newTestIndex(t)
		return x
	}, storetest.Options{TombstoneHidden: true, RestoreEvicts: true})
}

func TestIndex_SourceIsSearchable(t *testing.T) {
	x, fake := newTestIndex(t)
	_, err := x.Write(context.Background(), storetest.Record(t, "D1", 2, 100))
	require.NoError(t, err)

	var src map[string]any
	require.NoError(t, json.Unmarshal(fake.docs["D1"].source, &src))
	assert.Equal(t, map[string]any{"amount": float64(100)}, src["body"])
	assert.Equal(t, int64(2), fake.docs["D1"].version)
}

func TestIndex_ClusterError(t *testing.T) {
	x, fake := newTestIndex(t)
	fake.failWith = http.StatusServiceUnavailable

	_, err := x.Write(context.Background(), storetest.Record(t, "D1", 1, 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrStale)

	_, err = x.Read(context.Background(), "D1")
	assert.Error(t, err)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{Addresses: []string{"http://localhost:9200"}})
	assert.Error(t, err)
	_, err = Open(Config{Index: "documents"})
	assert.Error(t, err)

	x, err := Open(Config{Index: "documents", Addresses: []string{"http://localhost:9200"}})
	require.NoError(t, err)
	assert.Equal(t, "search", x.Name())
	assert.Equal(t, store.BestEffort, x.Consistency())
}
