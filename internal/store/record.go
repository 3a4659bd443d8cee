package store

import (
	"fmt"

	"github.com/balanced/balanced/internal/document"
)

// Record is the projection of one Document version held by an adapter.
// Body is canonical JSON so every backend stores byte-identical bodies.
type Record struct {
	ID        string `json:"id"`
	Version   int64  `json:"version"`
	SchemaRef string `json:"schema_ref"`
	Body      []byte `json:"body"`
	Deleted   bool   `json:"deleted,omitempty"`
	Digest    string `json:"digest"`
}

// RecordOf projects a Document into a Record.
func RecordOf(doc document.Document) (Record, error) {
	if err := doc.Validate(); err != nil {
		return Record{}, err
	}
	body, err := doc.CanonicalBody()
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", doc.ID, err)
	}
	digest, err := doc.Digest()
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", doc.ID, err)
	}
	return Record{
		ID:        doc.ID,
		Version:   doc.Version,
		SchemaRef: doc.SchemaRef,
		Body:      body,
		Deleted:   doc.Deleted,
		Digest:    digest,
	}, nil
}

// Document decodes the Record back into a Document.
func (r Record) Document() (document.Document, error) {
	body, err := document.ParseObject(r.Body)
	if err != nil {
		return document.Document{}, fmt.Errorf("record %s body: %w", r.ID, err)
	}
	return document.Document{
		ID:        r.ID,
		Version:   r.Version,
		SchemaRef: r.SchemaRef,
		Body:      body,
		Deleted:   r.Deleted,
	}, nil
}

// Verify recomputes the digest from the record's fields.
func (r Record) Verify() error {
	doc, err := r.Document()
	if err != nil {
		return err
	}
	digest, err := doc.Digest()
	if err != nil {
		return err
	}
	if digest != r.Digest {
		return fmt.Errorf("record %s v%d: digest mismatch", r.ID, r.Version)
	}
	return nil
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	r.Body = append([]byte(nil), r.Body...)
	return r
}
